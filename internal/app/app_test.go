package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/cryptod/internal/application/dto"
	"github.com/turtacn/cryptod/internal/config"
	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/internal/infrastructure/crypto"
	"github.com/turtacn/cryptod/internal/infrastructure/persistence"
	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/errors"
	"github.com/turtacn/cryptod/pkg/logger"
)

func memoryDSN() string {
	return "file:" + uuid.NewString() + "?mode=memory&cache=shared"
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Database.DSN = memoryDSN()
	cfg.Crypto.Passphrase = "test-passphrase"
	cfg.Crypto.Salt = "test-salt"
	cfg.Retry.Wait = time.Millisecond
	return cfg
}

func buildApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := Build(context.Background(), cfg, logger.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func registerTenant(t *testing.T, a *App, tenantID string) {
	t.Helper()
	registerTenantDSN(t, a, tenantID, memoryDSN())
}

func registerTenantDSN(t *testing.T, a *App, tenantID, dsn string) {
	t.Helper()
	require.NoError(t, a.RegisterTenant(context.Background(), &models.TenantConnection{
		TenantID: tenantID,
		Dialect:  persistence.DialectSQLite,
		DSN:      dsn,
	}))
}

func rc(tenantID, requestID string) dto.RequestContext {
	return dto.RequestContext{TenantID: tenantID, RequestID: requestID, RequestTimestamp: time.Now().UTC()}
}

func TestApp_EndToEnd(t *testing.T) {
	ctx := context.Background()
	a := buildApp(t, testConfig())
	registerTenant(t, a, "vnode-123")
	registerTenant(t, a, "vnode-456")

	alias := "my-alias"
	resp := a.Processor.Process(ctx, dto.GenerateKeyPairRequest{
		Ctx:      rc("vnode-123", "gen"),
		Category: constants.CategoryLedger,
		Alias:    &alias,
		Scheme:   constants.SchemeECDSASecp256r1,
	})
	require.IsType(t, &dto.PublicKeyResponse{}, resp)
	pub := resp.(*dto.PublicKeyResponse).PublicKey

	info, err := a.Signing.FindByAlias(ctx, "vnode-123", alias)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, pub, info.PublicKey)
	assert.Equal(t, constants.CategoryLedger, info.Category)

	resp = a.Processor.Process(ctx, dto.SignRequest{Ctx: rc("vnode-123", "sign"), PublicKey: pub, Data: []byte("hello")})
	require.IsType(t, &dto.SignatureResponse{}, resp)
	sig := resp.(*dto.SignatureResponse)
	verifier := crypto.NewSignatureVerifier(crypto.NewDigestService())
	assert.NoError(t, verifier.Verify(pub, models.SignatureSpec{}, sig.Bytes, []byte("hello")))

	// the key lives in vnode-123's database only
	other, err := a.Signing.FindByAlias(ctx, "vnode-456", alias)
	require.NoError(t, err)
	assert.Nil(t, other)

	resp = a.Processor.Process(ctx, dto.SignRequest{Ctx: rc("vnode-456", "steal"), PublicKey: pub, Data: []byte("hello")})
	errResp := resp.(*dto.ErrorResponse)
	assert.Equal(t, string(errors.KindNotFound), errResp.ErrorType)
	assert.Equal(t, 2, a.Tenants.Size())
}

func TestApp_StoresKeyEvents(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Audit.StoreEvents = true
	cfg.Audit.SigningSecret = "audit-secret"
	a := buildApp(t, cfg)
	require.NotNil(t, a.Events)

	resp := a.Processor.Process(ctx, dto.GenerateFreshKeyRequest{Ctx: rc(constants.CryptoTenantID, "r"), Scheme: constants.SchemeECDSASecp256r1})
	require.IsType(t, &dto.PublicKeyResponse{}, resp)
	shortID, _ := crypto.KeyIDs(resp.(*dto.PublicKeyResponse).PublicKey)

	events, err := a.Events.List(ctx, constants.CryptoTenantID, 10)
	require.NoError(t, err)
	var generated bool
	for _, e := range events {
		assert.True(t, e.Verified)
		if e.Type == models.KeyEventGenerated {
			generated = true
			assert.Equal(t, shortID, e.KeyID)
		}
	}
	assert.True(t, generated)
}

func TestApp_UnknownTenant(t *testing.T) {
	a := buildApp(t, testConfig())

	resp := a.Processor.Process(context.Background(), dto.FilterMyKeysRequest{Ctx: rc("vnode-999", "r"), CandidateKeys: [][]byte{[]byte("x")}})
	errResp := resp.(*dto.ErrorResponse)
	assert.Equal(t, string(errors.KindValidation), errResp.ErrorType)
	assert.Equal(t, string(errors.CodeUnknownTenant), errResp.ErrorCode)
	assert.False(t, errResp.Retryable)
}

func TestApp_ClusterTenantUsesClusterDatabase(t *testing.T) {
	ctx := context.Background()
	a := buildApp(t, testConfig())

	resp := a.Processor.Process(ctx, dto.GenerateFreshKeyRequest{Ctx: rc(constants.P2PTenantID, "r"), Scheme: constants.SchemeEdDSAEd25519})
	require.IsType(t, &dto.PublicKeyResponse{}, resp)
	assert.Equal(t, 0, a.Tenants.Size())

	resp = a.Processor.Process(ctx, dto.SupportedSchemesRequest{Ctx: rc(constants.P2PTenantID, "s"), Category: constants.CategoryLedger})
	require.IsType(t, &dto.SupportedSchemesResponse{}, resp)
	assert.ElementsMatch(t, crypto.SchemeCodeNames(), resp.(*dto.SupportedSchemesResponse).Codes)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.KeysGenerated.WithLabelValues(constants.SchemeEdDSAEd25519, constants.SoftHSMID)))
}

func TestApp_RedisSharedKeyCache(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Addresses = []string{mr.Addr()}

	a := buildApp(t, cfg)
	pub, err := a.Signing.FreshKey(ctx, constants.CryptoTenantID, nil, constants.SchemeECDSASecp256r1)
	require.NoError(t, err)

	shortID, _ := crypto.KeyIDs(pub)
	assert.True(t, mr.Exists("cryptod:key:"+constants.CryptoTenantID+":"+shortID))
}

func TestApp_OnConfigChangeDrainsCache(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	a := buildApp(t, cfg)
	// a file database survives the connection being closed
	registerTenantDSN(t, a, "vnode-123", filepath.Join(t.TempDir(), "vnode-123.db"))

	_, err := a.Signing.FreshKey(ctx, "vnode-123", nil, constants.SchemeECDSASecp256r1)
	require.NoError(t, err)
	require.Equal(t, 1, a.Tenants.Size())

	same := *cfg
	a.OnConfigChange(cfg, &same)
	assert.Equal(t, 1, a.Tenants.Size())

	updated := *cfg
	updated.Cache.MaximumSize = 5
	a.OnConfigChange(cfg, &updated)
	assert.Equal(t, 0, a.Tenants.Size())
	assert.Equal(t, 5, a.Tenants.Settings().MaximumSize)

	// the tenant reconnects on the next request, its keys are still there
	found, err := a.Signing.Lookup(ctx, "vnode-123", 0, 10, "", nil)
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestApp_CloseIsIdempotent(t *testing.T) {
	a, err := Build(context.Background(), testConfig(), logger.NewNoopLogger())
	require.NoError(t, err)
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())

	_, err = a.Tenants.Get(context.Background(), "vnode-123")
	assert.True(t, errors.Is(err, errors.KindIllegalState))
}

func TestVaultHSMConfig(t *testing.T) {
	cfg := config.Default()
	hsm := VaultHSMConfig(&cfg.Vault)
	assert.Equal(t, "vault-transit", hsm.ID)
	assert.Equal(t, constants.KeyPolicyAliased, hsm.KeyPolicy)
	assert.Equal(t, -1, hsm.Capacity)
	assert.True(t, hsm.Serves(constants.CategoryLedger))
}

func TestPKCS11HSMConfig(t *testing.T) {
	cfg := config.Default()
	hsm := PKCS11HSMConfig(&cfg.PKCS11)
	assert.Equal(t, "pkcs11", hsm.ID)
	assert.Equal(t, constants.PKCS11ServiceName, hsm.ServiceName)
	assert.Equal(t, constants.MasterKeyPolicyNone, hsm.MasterKeyPolicy)
	assert.True(t, hsm.Serves(constants.CategoryTLS))
}

func TestBuild_PKCS11LibraryMissing(t *testing.T) {
	cfg := testConfig()
	cfg.PKCS11.Enabled = true
	cfg.PKCS11.Library = filepath.Join(t.TempDir(), "missing.so")

	_, err := Build(context.Background(), cfg, logger.NewNoopLogger())
	assert.Error(t, err)
}

func TestApp_HealthChecks(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Addresses = []string{mr.Addr()}
	a := buildApp(t, cfg)

	checks := a.HealthChecks()
	require.Len(t, checks, 2)
	for name, check := range checks {
		assert.NoError(t, check(context.Background()), name)
	}

	mr.Close()
	assert.Error(t, checks["redis"](context.Background()))
}
