// Package http serves the operational endpoints of the crypto worker: health, metrics and pprof.
package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/turtacn/cryptod/internal/config"
	"github.com/turtacn/cryptod/internal/interfaces/http/handlers"
	"github.com/turtacn/cryptod/internal/interfaces/http/middleware"
	"github.com/turtacn/cryptod/pkg/logger"
)

// Router HTTP 路由器
type Router struct {
	engine        *gin.Engine
	config        config.ServerConfig
	logger        logger.Logger
	registry      *prometheus.Registry
	tracer        trace.Tracer
	healthHandler *handlers.HealthHandler
	server        *http.Server
}

// NewRouter 创建路由器
func NewRouter(
	cfg config.ServerConfig,
	log logger.Logger,
	registry *prometheus.Registry,
	tracer trace.Tracer,
	healthHandler *handlers.HealthHandler,
) *Router {
	if !cfg.EnablePprof {
		gin.SetMode(gin.ReleaseMode)
	}

	r := &Router{
		engine:        gin.New(),
		config:        cfg,
		logger:        log.WithComponent("Router"),
		registry:      registry,
		tracer:        tracer,
		healthHandler: healthHandler,
	}
	r.setupRoutes()
	r.server = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        r.engine,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}
	return r
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	r.engine.Use(gin.Recovery())
	r.engine.Use(middleware.ObservabilityMiddleware(r.tracer, middleware.NewHTTPMetrics(r.registry)))
	r.engine.Use(middleware.RequestLogger(r.logger))

	r.engine.GET("/health", r.healthHandler.HealthCheck)
	r.engine.GET("/ready", r.healthHandler.ReadinessCheck)
	r.engine.GET("/live", r.healthHandler.LivenessCheck)

	r.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})))

	// Pprof 性能分析（仅在显式开启时）
	if r.config.EnablePprof {
		pprof.Register(r.engine)
	}

	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":             "not_found",
			"error_description": "The requested resource was not found",
		})
	})
}

// Handler returns the routed handler.
func (r *Router) Handler() http.Handler {
	return r.engine
}

// Start 启动 HTTP 服务器, blocking until Stop is called.
func (r *Router) Start() error {
	r.logger.Info(context.Background(), "Starting ops HTTP server", logger.String("address", r.server.Addr))
	if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止 HTTP 服务器
func (r *Router) Stop(ctx context.Context) error {
	r.logger.Info(ctx, "Stopping ops HTTP server")
	return r.server.Shutdown(ctx)
}
