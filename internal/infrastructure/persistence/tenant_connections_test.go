package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/internal/domain/service"
	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/errors"
	"github.com/turtacn/cryptod/pkg/logger"
)

func registerTenant(t *testing.T, registry *TenantConnectionRepository, tenantID string) {
	t.Helper()
	s := memorySettings()
	require.NoError(t, registry.Save(context.Background(), &models.TenantConnection{
		TenantID:     tenantID,
		Dialect:      s.Dialect,
		DSN:          s.DSN,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}))
}

func newTenantConnections(t *testing.T) (*TenantConnections, *DBConnection, *TenantConnectionRepository) {
	t.Helper()
	cluster := openClusterDB(t)
	registry := NewTenantConnectionRepository(cluster)
	factory := NewTenantConnectionFactory(registry, logger.NewNoopLogger())
	conns := NewTenantConnections(cluster, factory, CacheSettings{TTL: time.Minute, MaximumSize: 10}, service.NoopMetrics{}, logger.NewNoopLogger())
	t.Cleanup(conns.Close)
	return conns, cluster, registry
}

func TestTenantConnections_PerTenantDatabases(t *testing.T) {
	conns, cluster, registry := newTenantConnections(t)
	registerTenant(t, registry, "vnode-123")
	registerTenant(t, registry, "vnode-456")
	ctx := context.Background()

	store := NewSigningKeyStore(conns, nil, time.Minute, nil, logger.NewNoopLogger())
	sc := saveContext(t, constants.CategoryLedger, strPtr("my-alias"))
	_, err := store.Save(ctx, "vnode-123", sc)
	require.NoError(t, err)

	a, err := conns.Get(ctx, "vnode-123")
	require.NoError(t, err)
	b, err := conns.Get(ctx, "vnode-456")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, 2, conns.Size())

	var count int64
	require.NoError(t, b.DB(ctx).Model(&models.SigningKey{}).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, a.DB(ctx).Model(&models.SigningKey{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	crypto, err := conns.Get(ctx, constants.CryptoTenantID)
	require.NoError(t, err)
	assert.Same(t, cluster, crypto)
}

func TestTenantConnections_UnknownTenant(t *testing.T) {
	conns, _, _ := newTenantConnections(t)

	_, err := conns.Get(context.Background(), "vnode-unknown")
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	cErr, ok := errors.AsCryptoError(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeUnknownTenant, cErr.Code())
	assert.Equal(t, 0, conns.Size())
}

func TestTenantConnections_ClosedHandleIsTransient(t *testing.T) {
	conns, _, registry := newTenantConnections(t)
	registerTenant(t, registry, "vnode-123")
	ctx := context.Background()

	conn, err := conns.Get(ctx, "vnode-123")
	require.NoError(t, err)
	repo := NewSigningKeyRepository(conn)

	conns.Reconfigure(CacheSettings{TTL: time.Hour, MaximumSize: 5})

	_, err = repo.FindByAlias(ctx, "vnode-123", "my-alias")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	fresh, err := conns.Get(ctx, "vnode-123")
	require.NoError(t, err)
	assert.NotSame(t, conn, fresh)
	_, err = NewSigningKeyRepository(fresh).FindByAlias(ctx, "vnode-123", "my-alias")
	assert.NoError(t, err)
}

func TestTenantConnectionRepository_SaveAndList(t *testing.T) {
	_, _, registry := newTenantConnections(t)
	ctx := context.Background()
	registerTenant(t, registry, "vnode-456")
	registerTenant(t, registry, "vnode-123")

	// re-registering updates the row
	require.NoError(t, registry.Save(ctx, &models.TenantConnection{TenantID: "vnode-123", Dialect: DialectPostgres, DSN: "postgres://db/vnode"}))

	tcs, err := registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, tcs, 2)
	assert.Equal(t, "vnode-123", tcs[0].TenantID)
	assert.Equal(t, DialectPostgres, tcs[0].Dialect)
	assert.Equal(t, "vnode-456", tcs[1].TenantID)
}
