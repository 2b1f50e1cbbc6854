package service

import (
	"time"
)

// Metrics defines the interface for collecting business metrics.
// This abstraction allows the application layer to remain independent of the specific monitoring implementation (e.g., Prometheus).
// Metrics 定义了收集业务指标的接口。
type Metrics interface {
	// RecordOperation records the latency and result of one processed request.
	// RecordOperation 记录一次请求的延迟和结果。
	RecordOperation(requestType, result string, duration time.Duration)

	// RecordAttempts records how many attempts the retrying executor made.
	RecordAttempts(requestType string, attempts int)

	// RecordCacheEvent records a connection cache event and the cache size afterwards.
	// RecordCacheEvent 记录连接缓存事件。
	RecordCacheEvent(event string, size int)

	// RecordKeyGenerated records a key pair generation.
	RecordKeyGenerated(scheme, hsmID string)

	// RecordKeyCacheLookup records a signing key cache hit or miss.
	RecordKeyCacheLookup(level string, hit bool)
}

// NoopMetrics discards all metrics.
type NoopMetrics struct{}

func (NoopMetrics) RecordOperation(string, string, time.Duration) {}
func (NoopMetrics) RecordAttempts(string, int)                    {}
func (NoopMetrics) RecordCacheEvent(string, int)                  {}
func (NoopMetrics) RecordKeyGenerated(string, string)             {}
func (NoopMetrics) RecordKeyCacheLookup(string, bool)             {}

var _ Metrics = NoopMetrics{}
