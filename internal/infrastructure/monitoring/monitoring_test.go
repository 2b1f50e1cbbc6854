package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/turtacn/cryptod/internal/config"
	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/logger"
)

func TestZapLogger_MasksAndEnriches(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewZapLoggerFromCore(core).WithComponent("SigningService")

	ctx := context.WithValue(context.Background(), constants.ContextKeyTenantID, "vnode-123")
	log.Info(ctx, "Wrapping key loaded", logger.String("alias_secret", "0123456789abcdef"))
	log.Error(ctx, "Sign failed", errors.New("boom"))

	entries := logs.All()
	require.Len(t, entries, 2)

	fields := entries[0].ContextMap()
	assert.Equal(t, "SigningService", fields["component"])
	assert.Equal(t, "vnode-123", fields["tenant_id"])
	assert.Equal(t, "0123***cdef", fields["alias_secret"])
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
}

func TestNewZapLogger_BadLevelFallsBackToInfo(t *testing.T) {
	log, err := NewZapLogger(&config.LogConfig{Level: "nonsense"})
	require.NoError(t, err)
	log.SetLevel(constants.LogLevelDebug)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	adapter := NewMetricsAdapter(m)

	adapter.RecordAttempts("Sign", 3)
	adapter.RecordOperation("Sign", "success", 10*time.Millisecond)
	adapter.RecordCacheEvent("miss", 1)
	adapter.RecordKeyGenerated(constants.SchemeECDSASecp256r1, constants.SoftHSMID)
	adapter.RecordKeyCacheLookup("l1", true)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.OperationAttempts.WithLabelValues("Sign")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionCacheSize))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KeysGenerated.WithLabelValues(constants.SchemeECDSASecp256r1, constants.SoftHSMID)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.OperationDuration))
}

func TestTracingManager_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tm := NewTracingManagerWithProvider(tp, logger.NewNoopLogger())

	_, span := tm.StartSpan(context.Background(), "crypto.Sign")
	tm.RecordError(span, errors.New("boom"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "crypto.Sign", ended[0].Name())
}

func TestNewTracingManager_Disabled(t *testing.T) {
	tm, err := NewTracingManager(&config.TracingConfig{}, logger.NewNoopLogger())
	require.NoError(t, err)
	assert.NoError(t, tm.Shutdown(context.Background()))
}
