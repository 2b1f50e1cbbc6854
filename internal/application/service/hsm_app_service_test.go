package service

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/cryptod/internal/domain/models"
	domain "github.com/turtacn/cryptod/internal/domain/service"
	"github.com/turtacn/cryptod/internal/infrastructure/audit"
	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/errors"
	"github.com/turtacn/cryptod/pkg/logger"
)

func aliasedConfig(id string, capacity int, categories ...string) *models.HSMConfig {
	return &models.HSMConfig{
		ID:              id,
		ServiceName:     constants.VaultTransitServiceName,
		Categories:      categories,
		MasterKeyPolicy: constants.MasterKeyPolicyNone,
		KeyPolicy:       constants.KeyPolicyAliased,
		Capacity:        capacity,
	}
}

func TestHSMService_Bootstrap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	// second bootstrap keeps the registered config
	require.NoError(t, f.hsms.Bootstrap(ctx))
	configs, err := f.store.ListConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, constants.SoftHSMID, configs[0].ID)
	assert.Equal(t, constants.MasterKeyPolicyNew, configs[0].MasterKeyPolicy)
	assert.ElementsMatch(t, constants.AllCategories, configs[0].Categories)
}

func TestHSMService_AssignPrefersDedicatedHSM(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.hsms.RegisterConfig(ctx, aliasedConfig("vault-1", 1, constants.CategoryLedger)))

	first, err := f.hsms.AssignHSM(ctx, "vnode-123", constants.CategoryLedger)
	require.NoError(t, err)
	assert.Equal(t, "vault-1", first.Association.HSMID)
	assert.Nil(t, first.Association.MasterKeyAlias)
	assert.Len(t, first.Association.AliasSecret, 32)

	// vault-1 is full now
	second, err := f.hsms.AssignHSM(ctx, "vnode-456", constants.CategoryLedger)
	require.NoError(t, err)
	assert.Equal(t, constants.SoftHSMID, second.Association.HSMID)
	require.NotNil(t, second.Association.MasterKeyAlias)

	again, err := f.hsms.AssignHSM(ctx, "vnode-123", constants.CategoryLedger)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	usages, err := f.hsms.UsageStats(ctx, constants.CategoryLedger)
	require.NoError(t, err)
	for _, u := range usages {
		if u.HSMID == "vault-1" {
			assert.Equal(t, int64(1), u.Usages)
			assert.False(t, u.HasCapacity())
		}
	}
}

func TestHSMService_AssignPicksLeastUsed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.hsms.RegisterConfig(ctx, aliasedConfig("vault-a", 10, constants.CategoryNotary)))
	require.NoError(t, f.hsms.RegisterConfig(ctx, aliasedConfig("vault-b", 10, constants.CategoryNotary)))

	placed := map[string]int{}
	for _, tenant := range []string{"t1", "t2", "t3", "t4"} {
		ca, err := f.hsms.AssignHSM(ctx, tenant, constants.CategoryNotary)
		require.NoError(t, err)
		placed[ca.Association.HSMID]++
	}
	assert.Equal(t, map[string]int{"vault-a": 2, "vault-b": 2}, placed)
}

func TestHSMService_NoCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	// without the software HSM there is no fallback
	hsms := NewHSMAppService(f.store, nil, audit.NoopPublisher{}, logger.NewNoopLogger())
	require.NoError(t, f.store.SaveConfig(ctx, &models.HSMConfig{
		ID:              constants.SoftHSMID,
		ServiceName:     constants.SoftHSMServiceName,
		Categories:      []string{constants.CategoryLedger},
		MasterKeyPolicy: constants.MasterKeyPolicyShared,
		KeyPolicy:       constants.KeyPolicyWrapped,
		Capacity:        -1,
	}))
	require.NoError(t, hsms.RegisterConfig(ctx, aliasedConfig("vault-1", 0, constants.CategoryCI)))

	_, err := hsms.AssignHSM(ctx, "vnode-123", constants.CategoryCI)
	assert.True(t, errors.Is(err, errors.KindIllegalState))
}

func TestHSMService_SharedPolicyUsesClusterWrappingKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.hsms.RegisterConfig(ctx, &models.HSMConfig{
		ID:              constants.SoftHSMID,
		ServiceName:     constants.SoftHSMServiceName,
		Categories:      constants.AllCategories,
		MasterKeyPolicy: constants.MasterKeyPolicyShared,
		KeyPolicy:       constants.KeyPolicyWrapped,
		Capacity:        -1,
	}))

	ca, err := f.hsms.AssignSoftHSM(ctx, "vnode-123", constants.CategoryLedger)
	require.NoError(t, err)
	assert.Nil(t, ca.Association.MasterKeyAlias)

	pub, err := f.signing.GenerateKeyPair(ctx, "vnode-123", constants.CategoryLedger, nil, constants.SchemeECDSASecp256r1)
	require.NoError(t, err)
	info, err := f.signing.FindByPublicKey(ctx, "vnode-123", pub)
	require.NoError(t, err)
	require.NotNil(t, info.MasterKeyAlias)
	assert.Equal(t, constants.SharedWrappingKeyAlias, *info.MasterKeyAlias)
}

func TestHSMService_FindHSM(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.hsms.FindHSM(ctx, "vnode-123", constants.CategoryLedger)
	cErr, ok := errors.AsCryptoError(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeAssociationNotFound, cErr.Code())

	_, err = f.hsms.AssignSoftHSM(ctx, "vnode-123", constants.CategoryLedger)
	require.NoError(t, err)
	ca, err := f.hsms.FindHSM(ctx, "vnode-123", constants.CategoryLedger)
	require.NoError(t, err)
	assert.Equal(t, constants.SoftHSMID, ca.Association.Config.ID)
	assert.True(t, ca.IsActive())
}

func TestHSMService_RegisterConfig(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	err := f.hsms.RegisterConfig(ctx, aliasedConfig("vault-1", 1, "NOT_A_CATEGORY"))
	assert.True(t, errors.IsValidation(err))

	require.NoError(t, f.hsms.RegisterConfig(ctx, aliasedConfig("vault-1", 1, constants.CategoryLedger)))
	cfg, err := f.hsms.Config(ctx, "vault-1")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Capacity)

	require.NoError(t, f.hsms.RegisterConfig(ctx, aliasedConfig("vault-1", 7, constants.CategoryLedger)))
	cfg, err = f.hsms.Config(ctx, "vault-1")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Capacity)

	_, err = f.hsms.Config(ctx, "missing")
	assert.True(t, errors.Is(err, errors.KindIllegalState))

	// a backend only serves the categories it offers
	_, err = f.hsms.AssignSoftHSM(ctx, "vnode-123", "NOT_A_CATEGORY")
	assert.True(t, errors.IsValidation(err))
}

// flakyWrapping fails the next EnsureWrappingKey call once.
type flakyWrapping struct {
	domain.WrappingKeyManager
	failNext bool
}

func (w *flakyWrapping) EnsureWrappingKey(ctx context.Context, alias string) error {
	if w.failNext {
		w.failNext = false
		return errors.ErrTransient("wrapping key store unavailable", stderrors.New("db hiccup"))
	}
	return w.WrappingKeyManager.EnsureWrappingKey(ctx, alias)
}

func TestHSMService_RetryCreatesMissingWrappingKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	log := logger.NewNoopLogger()

	wrapping := &flakyWrapping{WrappingKeyManager: f.soft, failNext: true}
	hsms := NewHSMAppService(f.store, wrapping, audit.NoopPublisher{}, log)
	signing := NewSigningAppService(f.keys, hsms, []domain.CryptoBackend{f.soft}, audit.NoopPublisher{}, nil, log)

	_, err := signing.GenerateKeyPair(ctx, "vnode-1", constants.CategoryLedger, nil, constants.SchemeECDSASecp256r1)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	// the association was committed by the failed attempt
	ca, err := hsms.FindHSM(ctx, "vnode-1", constants.CategoryLedger)
	require.NoError(t, err)
	require.NotNil(t, ca.Association.MasterKeyAlias)

	pub, err := signing.GenerateKeyPair(ctx, "vnode-1", constants.CategoryLedger, nil, constants.SchemeECDSASecp256r1)
	require.NoError(t, err)
	sig, err := signing.Sign(ctx, "vnode-1", pub, models.SignatureSpec{}, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, pub, sig.By)
}

func TestHSMService_ConfigCacheExpires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	hsms := NewHSMAppService(f.store, f.soft, audit.NoopPublisher{}, logger.NewNoopLogger(), WithConfigTTL(50*time.Millisecond))
	require.NoError(t, hsms.RegisterConfig(ctx, aliasedConfig("vault-1", 1, constants.CategoryLedger)))

	cfg, err := hsms.Config(ctx, "vault-1")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Capacity)

	// registered by another process
	require.NoError(t, f.store.SaveConfig(ctx, aliasedConfig("vault-1", 9, constants.CategoryLedger)))
	cfg, err = hsms.Config(ctx, "vault-1")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Capacity)

	assert.Eventually(t, func() bool {
		cfg, err := hsms.Config(ctx, "vault-1")
		return err == nil && cfg.Capacity == 9
	}, time.Second, 20*time.Millisecond)
}
