// Package app builds the object graph of the crypto worker from its configuration.
// Both the server and the admin CLI run on top of it.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/turtacn/cryptod/internal/application/processor"
	"github.com/turtacn/cryptod/internal/application/service"
	"github.com/turtacn/cryptod/internal/config"
	"github.com/turtacn/cryptod/internal/domain/models"
	domain "github.com/turtacn/cryptod/internal/domain/service"
	"github.com/turtacn/cryptod/internal/infrastructure/audit"
	"github.com/turtacn/cryptod/internal/infrastructure/crypto"
	"github.com/turtacn/cryptod/internal/infrastructure/kms"
	"github.com/turtacn/cryptod/internal/infrastructure/monitoring"
	"github.com/turtacn/cryptod/internal/infrastructure/persistence"
	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/logger"
)

// App holds the wired components. Close releases them exactly once.
type App struct {
	Config         *config.Config
	Logger         logger.Logger
	Prometheus     *prometheus.Registry
	Metrics        *monitoring.Metrics
	Tracing        *monitoring.TracingManager
	Cluster        *persistence.DBConnection
	Tenants        *persistence.TenantConnections
	TenantRegistry *persistence.TenantConnectionRepository
	HSMs           *service.HSMAppService
	Signing        *service.SigningAppService
	Processor      *processor.CryptoOpsProcessor
	// Events is nil unless audit.store_events is set.
	Events *audit.EventLog

	soft      *crypto.SoftBackend
	vault     *kms.VaultTransitBackend
	pkcs11    *kms.PKCS11Backend
	redis     redis.UniversalClient
	publisher domain.KeyEventPublisher

	closeOnce sync.Once
	closeErr  error
}

// Build connects to the cluster database and the optional Redis, Kafka, Vault and PKCS#11
// services, migrates the cluster schema and registers the built-in HSMs.
func Build(ctx context.Context, cfg *config.Config, log logger.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: log, Prometheus: prometheus.NewRegistry()}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, log := a.Config, a.Logger

	a.Metrics = monitoring.NewMetrics(a.Prometheus)
	metrics := monitoring.NewMetricsAdapter(a.Metrics)

	tracing, err := monitoring.NewTracingManager(&cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.Tracing = tracing

	cluster, err := persistence.OpenDatabase(ctx, "cluster", persistence.SettingsFromConfig(&cfg.Database), log)
	if err != nil {
		return fmt.Errorf("failed to connect to cluster database: %w", err)
	}
	a.Cluster = cluster
	if err := persistence.MigrateCluster(ctx, cluster); err != nil {
		return fmt.Errorf("failed to migrate cluster database: %w", err)
	}

	a.TenantRegistry = persistence.NewTenantConnectionRepository(cluster)
	factory := persistence.NewTenantConnectionFactory(a.TenantRegistry, log)
	a.Tenants = persistence.NewTenantConnections(cluster, factory, cacheSettings(&cfg.Cache), metrics, log)

	var shared domain.SigningKeyCache
	if cfg.Redis.Enabled {
		client, err := persistence.NewRedisClient(ctx, &cfg.Redis, log)
		if err != nil {
			return err
		}
		a.redis = client
		shared = persistence.NewRedisKeyCache(client, cfg.Redis.KeyTTL)
	}

	var publishers audit.FanoutPublisher
	if cfg.Kafka.Enabled {
		publishers = append(publishers, audit.NewKafkaProducer(&cfg.Kafka, log))
	}
	if cfg.Audit.StoreEvents {
		a.Events = audit.NewEventLog(cluster, cfg.Audit.SigningSecret, log)
		publishers = append(publishers, a.Events)
	}
	switch len(publishers) {
	case 0:
		a.publisher = audit.NoopPublisher{}
	case 1:
		a.publisher = publishers[0]
	default:
		a.publisher = publishers
	}

	master, err := crypto.DeriveMasterKey(ctx, cfg.Crypto.Passphrase, cfg.Crypto.Salt, log)
	if err != nil {
		return err
	}
	a.soft = crypto.NewSoftBackend(master, persistence.NewWrappingKeyRepository(cluster), crypto.NewDigestService(), cfg.Crypto.WrappingKeyCacheTTL, log)
	backends := []domain.CryptoBackend{a.soft}

	a.HSMs = service.NewHSMAppService(persistence.NewHSMStore(cluster, log), a.soft, a.publisher, log)
	if err := a.HSMs.Bootstrap(ctx); err != nil {
		return fmt.Errorf("failed to register the software HSM: %w", err)
	}

	if cfg.Vault.Enabled {
		client, err := kms.NewVaultClient(&cfg.Vault)
		if err != nil {
			return err
		}
		a.vault = kms.NewVaultTransitBackend(client, cfg.Vault.MountPath, log)
		backends = append(backends, a.vault)
		if err := a.HSMs.RegisterConfig(ctx, VaultHSMConfig(&cfg.Vault)); err != nil {
			return fmt.Errorf("failed to register the vault HSM: %w", err)
		}
	}

	if cfg.PKCS11.Enabled {
		a.pkcs11, err = kms.NewPKCS11Backend(&cfg.PKCS11, log)
		if err != nil {
			return err
		}
		backends = append(backends, a.pkcs11)
		if err := a.HSMs.RegisterConfig(ctx, PKCS11HSMConfig(&cfg.PKCS11)); err != nil {
			return fmt.Errorf("failed to register the PKCS#11 HSM: %w", err)
		}
	}

	keys := persistence.NewSigningKeyStore(a.Tenants, shared, cfg.Crypto.SigningKeyCacheTTL, metrics, log)
	a.Signing = service.NewSigningAppService(keys, a.HSMs, backends, a.publisher, metrics, log)
	a.Processor = processor.NewCryptoOpsProcessor(a.Signing,
		processor.NewRetryingExecutor(cfg.Retry, log),
		metrics, a.Tracing, log,
		processor.WithWorkers(cfg.Processor.Workers),
	)
	return nil
}

// VaultHSMConfig is the HSM config of the Vault transit backend.
func VaultHSMConfig(cfg *config.VaultConfig) *models.HSMConfig {
	return &models.HSMConfig{
		ID:              cfg.HSMID,
		Label:           "Vault transit",
		ServiceName:     constants.VaultTransitServiceName,
		Categories:      cfg.Categories,
		MasterKeyPolicy: constants.MasterKeyPolicyNone,
		KeyPolicy:       constants.KeyPolicyAliased,
		Capacity:        cfg.Capacity,
	}
}

// PKCS11HSMConfig is the HSM config of the PKCS#11 token backend.
func PKCS11HSMConfig(cfg *config.PKCS11Config) *models.HSMConfig {
	return &models.HSMConfig{
		ID:              cfg.HSMID,
		Label:           "PKCS#11 token",
		ServiceName:     constants.PKCS11ServiceName,
		Categories:      cfg.Categories,
		MasterKeyPolicy: constants.MasterKeyPolicyNone,
		KeyPolicy:       constants.KeyPolicyAliased,
		Capacity:        cfg.Capacity,
	}
}

func cacheSettings(cfg *config.CacheConfig) persistence.CacheSettings {
	return persistence.CacheSettings{TTL: cfg.TTL, MaximumSize: cfg.MaximumSize}
}

// StartJanitor evicts idle tenant connections in the background until Close.
func (a *App) StartJanitor() {
	a.Tenants.StartJanitor(a.Config.Cache.CleanupInterval)
}

// OnConfigChange applies a reloaded configuration. Only the connection cache settings
// are applied at runtime; a change drains the cache.
func (a *App) OnConfigChange(old, updated *config.Config) {
	if old != nil && old.Cache.TTL == updated.Cache.TTL && old.Cache.MaximumSize == updated.Cache.MaximumSize {
		return
	}
	a.Logger.Info(context.Background(), "Reconfiguring tenant connection cache",
		logger.Duration("ttl", updated.Cache.TTL),
		logger.Int("maximum_size", updated.Cache.MaximumSize),
	)
	a.Tenants.Reconfigure(cacheSettings(&updated.Cache))
}

// HealthChecks returns a probe per external dependency in use.
func (a *App) HealthChecks() map[string]func(ctx context.Context) error {
	checks := map[string]func(ctx context.Context) error{
		"database": a.Cluster.Ping,
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	if a.vault != nil {
		checks["vault"] = a.vault.Ping
	}
	if a.pkcs11 != nil {
		checks["pkcs11"] = a.pkcs11.Ping
	}
	return checks
}

// RegisterTenant records the database of a virtual tenant.
func (a *App) RegisterTenant(ctx context.Context, tc *models.TenantConnection) error {
	return a.TenantRegistry.Save(ctx, tc)
}

// Close releases every component. It is safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		ctx := context.Background()
		if a.Tenants != nil {
			a.Tenants.Close()
		}
		if a.publisher != nil {
			if err := a.publisher.Close(); err != nil {
				a.Logger.Warn(ctx, "Failed to close key event publisher", logger.Err(err))
			}
		}
		if a.soft != nil {
			a.soft.Close()
		}
		if a.pkcs11 != nil {
			a.pkcs11.Close()
		}
		if a.redis != nil {
			if err := a.redis.Close(); err != nil {
				a.Logger.Warn(ctx, "Failed to close redis client", logger.Err(err))
			}
		}
		if a.Tracing != nil {
			if err := a.Tracing.Shutdown(ctx); err != nil {
				a.Logger.Warn(ctx, "Failed to shut down tracing", logger.Err(err))
			}
		}
		if a.Cluster != nil {
			a.closeErr = a.Cluster.Close()
		}
	})
	return a.closeErr
}
