// Package monitoring provides adapters to connect the domain's metrics interface with a concrete implementation like Prometheus.
package monitoring

import (
	"time"

	"github.com/turtacn/cryptod/internal/domain/service"
)

// MetricsAdapter implements the domain's service.Metrics interface, sending metrics to a Prometheus backend.
// MetricsAdapter 实现了域的 service.Metrics 接口，将指标发送到 Prometheus 后端。
type MetricsAdapter struct {
	metrics *Metrics
}

// NewMetricsAdapter creates a new adapter that wraps a concrete Prometheus Metrics object,
// satisfying the domain's Metrics interface.
// NewMetricsAdapter 创建一个包装具体 Prometheus Metrics 对象的新适配器。
func NewMetricsAdapter(metrics *Metrics) service.Metrics {
	return &MetricsAdapter{metrics: metrics}
}

// RecordOperation delegates the call to the underlying Prometheus Metrics object.
func (a *MetricsAdapter) RecordOperation(requestType, result string, duration time.Duration) {
	a.metrics.RecordOperation(requestType, result, duration)
}

// RecordAttempts delegates the call to the underlying Prometheus Metrics object.
func (a *MetricsAdapter) RecordAttempts(requestType string, attempts int) {
	a.metrics.RecordAttempts(requestType, attempts)
}

// RecordCacheEvent delegates the call to the underlying Prometheus Metrics object.
func (a *MetricsAdapter) RecordCacheEvent(event string, size int) {
	a.metrics.RecordCacheEvent(event, size)
}

// RecordKeyGenerated delegates the call to the underlying Prometheus Metrics object.
func (a *MetricsAdapter) RecordKeyGenerated(scheme, hsmID string) {
	a.metrics.RecordKeyGenerated(scheme, hsmID)
}

// RecordKeyCacheLookup delegates the call to the underlying Prometheus Metrics object.
func (a *MetricsAdapter) RecordKeyCacheLookup(level string, hit bool) {
	a.metrics.RecordKeyCacheLookup(level, hit)
}

var _ service.Metrics = (*MetricsAdapter)(nil)
