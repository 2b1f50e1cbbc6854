package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/turtacn/cryptod/internal/app"
	"github.com/turtacn/cryptod/internal/config"
	"github.com/turtacn/cryptod/internal/infrastructure/monitoring"
	"github.com/turtacn/cryptod/internal/interfaces/http"
	"github.com/turtacn/cryptod/internal/interfaces/http/handlers"
	"github.com/turtacn/cryptod/pkg/logger"
)

func main() {
	configFile := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	// Logger for startup
	startupLogger, err := monitoring.NewZapLogger(&config.LogConfig{Level: "info", Format: "json"})
	if err != nil {
		log.Fatalf("Failed to create startup logger: %v", err)
	}

	// Load config
	loader := config.NewLoader(*configFile, startupLogger)
	cfg, err := loader.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLogger, err := monitoring.NewZapLogger(&cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Crypto.UsesDevelopmentSecrets() {
		appLogger.Warn(ctx, "Master key passphrase or salt not configured, using development secrets")
	}

	// Build the worker: databases, HSM backends, signing service and request processor
	worker, err := app.Build(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to start crypto worker", err)
	}
	defer func() {
		if err := worker.Close(); err != nil {
			appLogger.Error(context.Background(), "Failed to close crypto worker", err)
		}
	}()

	worker.StartJanitor()
	loader.Watch(worker.OnConfigChange)

	router := http.NewRouter(cfg.Server, appLogger, worker.Prometheus, worker.Tracing.Tracer(),
		handlers.NewHealthHandler(worker.HealthChecks(), appLogger))

	errCh := make(chan error, 1)
	go func() { errCh <- router.Start() }()
	appLogger.Info(ctx, "Crypto worker started", logger.Int("port", cfg.Server.Port))

	select {
	case <-ctx.Done():
		appLogger.Info(context.Background(), "Shutting down crypto worker")
	case err := <-errCh:
		if err != nil {
			appLogger.Error(context.Background(), "Ops HTTP server failed", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := router.Stop(shutdownCtx); err != nil {
		appLogger.Error(shutdownCtx, "Server forced to shutdown", err)
	}
}
