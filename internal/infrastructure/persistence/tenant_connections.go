package persistence

import (
	"context"

	"github.com/turtacn/cryptod/internal/domain/repository"
	"github.com/turtacn/cryptod/internal/domain/service"
	"github.com/turtacn/cryptod/pkg/errors"
	"github.com/turtacn/cryptod/pkg/logger"
)

// TenantConnectionFactory opens the database registered for a virtual tenant.
type TenantConnectionFactory struct {
	registry repository.TenantConnectionRepository
	logger   logger.Logger
}

// NewTenantConnectionFactory creates a factory resolving tenants through registry.
func NewTenantConnectionFactory(registry repository.TenantConnectionRepository, log logger.Logger) *TenantConnectionFactory {
	return &TenantConnectionFactory{registry: registry, logger: log.WithComponent("TenantConnectionFactory")}
}

// Open connects to the tenant database and brings its schema up to date. Tenants
// without a registered database are rejected.
func (f *TenantConnectionFactory) Open(ctx context.Context, tenantID string) (*DBConnection, error) {
	tc, err := f.registry.Find(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tc == nil {
		return nil, errors.ErrUnknownTenant(tenantID)
	}

	conn, err := OpenDatabase(ctx, tenantID, SettingsFromTenant(tc), f.logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database of tenant "+tenantID)
	}
	if err := MigrateTenant(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// TenantConnections is the connection cache of tenant databases.
type TenantConnections = ConnectionCache[*DBConnection]

// NewTenantConnections creates the tenant connection cache. Cluster tenants get cluster.
func NewTenantConnections(cluster *DBConnection, factory *TenantConnectionFactory, settings CacheSettings, metrics service.Metrics, log logger.Logger, opts ...CacheOption) *TenantConnections {
	opts = append([]CacheOption{WithCacheMetrics(metrics)}, opts...)
	return NewConnectionCache(cluster, factory.Open, (*DBConnection).Close, settings, log, opts...)
}
