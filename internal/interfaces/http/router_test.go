package http

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/turtacn/cryptod/internal/config"
	"github.com/turtacn/cryptod/internal/interfaces/http/handlers"
	"github.com/turtacn/cryptod/pkg/logger"
)

func newTestRouter(t *testing.T, pprof bool, checks map[string]handlers.Check) *Router {
	t.Helper()
	cfg := config.Default().Server
	cfg.EnablePprof = pprof
	log := logger.NewNoopLogger()
	return NewRouter(cfg, log, prometheus.NewRegistry(), noop.NewTracerProvider().Tracer("test"), handlers.NewHealthHandler(checks, log))
}

func get(t *testing.T, r *Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.Handler().ServeHTTP(w, req)
	return w
}

func TestRouter_Health(t *testing.T) {
	healthy := func(context.Context) error { return nil }
	r := newTestRouter(t, false, map[string]handlers.Check{"database": healthy, "redis": healthy})

	w := get(t, r, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, map[string]string{"database": "ok", "redis": "ok"}, body.Checks)

	assert.Equal(t, http.StatusOK, get(t, r, "/ready").Code)
	assert.Equal(t, http.StatusOK, get(t, r, "/live").Code)
}

func TestRouter_Unhealthy(t *testing.T) {
	r := newTestRouter(t, false, map[string]handlers.Check{
		"database": func(context.Context) error { return nil },
		"vault":    func(context.Context) error { return stderrors.New("sealed") },
	})

	w := get(t, r, "/health")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"vault":"error: sealed"`)

	// liveness does not depend on the checks
	assert.Equal(t, http.StatusOK, get(t, r, "/live").Code)
}

func TestRouter_Metrics(t *testing.T) {
	r := newTestRouter(t, false, map[string]handlers.Check{})
	get(t, r, "/live")

	w := get(t, r, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `cryptod_http_requests_total{method="GET",path="/live",status="200"} 1`)
}

func TestRouter_Pprof(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, get(t, newTestRouter(t, false, nil), "/debug/pprof/").Code)
	assert.Equal(t, http.StatusOK, get(t, newTestRouter(t, true, nil), "/debug/pprof/").Code)
}

func TestRouter_StartStop(t *testing.T) {
	cfg := config.Default().Server
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	log := logger.NewNoopLogger()
	r := NewRouter(cfg, log, prometheus.NewRegistry(), noop.NewTracerProvider().Tracer("test"), handlers.NewHealthHandler(nil, log))

	done := make(chan error, 1)
	go func() { done <- r.Start() }()

	require.NoError(t, r.Stop(context.Background()))
	assert.NoError(t, <-done)
}
