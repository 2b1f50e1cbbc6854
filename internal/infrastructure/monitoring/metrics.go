package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics manages the Prometheus metrics.
type Metrics struct {
	OperationDuration   *prometheus.HistogramVec
	OperationAttempts   *prometheus.CounterVec
	ConnectionCacheSize prometheus.Gauge
	ConnectionCacheOps  *prometheus.CounterVec
	KeysGenerated       *prometheus.CounterVec
	KeyCacheLookups     *prometheus.CounterVec
}

// NewMetrics creates the Prometheus metrics and registers them with reg.
// A nil reg registers with the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cryptod_operation_duration_seconds",
				Help:    "Latency of crypto requests, retries included.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"request_type", "result"},
		),
		OperationAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptod_operation_attempts_total",
				Help: "Total number of attempts made by the retrying executor.",
			},
			[]string{"request_type"},
		),
		ConnectionCacheSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cryptod_connection_cache_entries",
				Help: "Number of tenant connections currently cached.",
			},
		),
		ConnectionCacheOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptod_connection_cache_events_total",
				Help: "Connection cache events by kind (hit, load, load_error, evict_expired, evict_size, reconfigure, close).",
			},
			[]string{"event"},
		),
		KeysGenerated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptod_keys_generated_total",
				Help: "Total number of signing keys generated.",
			},
			[]string{"scheme", "hsm_id"},
		),
		KeyCacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptod_signing_key_cache_lookups_total",
				Help: "Signing key cache lookups by level and result.",
			},
			[]string{"level", "result"},
		),
	}
}

// RecordOperation records the latency and outcome of one processed request.
func (m *Metrics) RecordOperation(requestType, result string, duration time.Duration) {
	m.OperationDuration.WithLabelValues(requestType, result).Observe(duration.Seconds())
}

// RecordAttempts adds the number of attempts made for one request.
func (m *Metrics) RecordAttempts(requestType string, attempts int) {
	m.OperationAttempts.WithLabelValues(requestType).Add(float64(attempts))
}

// RecordCacheEvent records a connection cache event and the resulting cache size.
func (m *Metrics) RecordCacheEvent(event string, size int) {
	m.ConnectionCacheOps.WithLabelValues(event).Inc()
	m.ConnectionCacheSize.Set(float64(size))
}

// RecordKeyGenerated records a signing key generation.
func (m *Metrics) RecordKeyGenerated(scheme, hsmID string) {
	m.KeysGenerated.WithLabelValues(scheme, hsmID).Inc()
}

// RecordKeyCacheLookup records a signing key cache lookup.
func (m *Metrics) RecordKeyCacheLookup(level string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.KeyCacheLookups.WithLabelValues(level, result).Inc()
}
