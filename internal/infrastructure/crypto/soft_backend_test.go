package crypto

import (
	"context"
	"sync"
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

type memWrappingKeyRepo struct {
	mu    sync.Mutex
	keys  map[string]*models.WrappingKeyInfo
	finds int
}

func newMemWrappingKeyRepo() *memWrappingKeyRepo {
	return &memWrappingKeyRepo{keys: map[string]*models.WrappingKeyInfo{}}
}

func (r *memWrappingKeyRepo) Save(_ context.Context, key *models.WrappingKeyInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key.Alias]; ok {
		return errors.ErrInvalidArgument("duplicate wrapping key")
	}
	r.keys[key.Alias] = key
	return nil
}

func (r *memWrappingKeyRepo) FindByAlias(_ context.Context, alias string) (*models.WrappingKeyInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finds++
	return r.keys[alias], nil
}

func newTestSoftBackend(t *testing.T) (*SoftBackend, *memWrappingKeyRepo) {
	t.Helper()
	ctx := context.Background()
	master, err := DeriveMasterKey(ctx, "pass", "salt", logger.NewNoopLogger())
	require.NoError(t, err)
	repo := newMemWrappingKeyRepo()
	backend := NewSoftBackend(master, repo, NewDigestService(), time.Minute, logger.NewNoopLogger())
	require.NoError(t, backend.EnsureWrappingKey(ctx, constants.SharedWrappingKeyAlias))
	return backend, repo
}

func TestSoftBackend_GenerateAndSign(t *testing.T) {
	ctx := context.Background()
	backend, repo := newTestSoftBackend(t)

	generated, err := backend.GenerateKeyPair(ctx, service.GenerateKeyRequest{
		TenantID:       "vnode-123",
		SchemeCodeName: constants.SchemeECDSASecp256r1,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, generated.KeyMaterial)

	// stored wrapping key material is never the plaintext key
	stored := repo.keys[constants.SharedWrappingKeyAlias]
	require.NotNil(t, stored)
	assert.Equal(t, MasterKeyAlias, stored.ParentKeyAlias)

	key := &models.SigningKey{KeyID: "k", PublicKey: generated.PublicKey, KeyMaterial: generated.KeyMaterial}
	scheme, _ := LookupScheme(constants.SchemeECDSASecp256r1)
	sig, err := backend.Sign(ctx, service.SignRequest{Key: key, Spec: scheme.DefaultSpec, Data: []byte("hello")})
	require.NoError(t, err)

	verifier := NewSignatureVerifier(NewDigestService())
	assert.NoError(t, verifier.Verify(generated.PublicKey, scheme.DefaultSpec, sig, []byte("hello")))
}

func TestSoftBackend_TenantWrappingKey(t *testing.T) {
	ctx := context.Background()
	backend, repo := newTestSoftBackend(t)

	require.NoError(t, backend.EnsureWrappingKey(ctx, "tenant-key"))
	require.NoError(t, backend.EnsureWrappingKey(ctx, "tenant-key"))
	assert.Len(t, repo.keys, 2)

	generated, err := backend.GenerateKeyPair(ctx, service.GenerateKeyRequest{
		SchemeCodeName: constants.SchemeEdDSAEd25519,
		MasterKeyAlias: "tenant-key",
	})
	require.NoError(t, err)

	// material wrapped by the tenant key cannot be used through the shared key
	_, err = backend.Sign(ctx, service.SignRequest{
		Key:  &models.SigningKey{KeyMaterial: generated.KeyMaterial},
		Spec: models.SignatureSpec{SignatureName: EdDSA},
		Data: []byte("x"),
	})
	assert.Equal(t, errors.KindPermanentCrypto, errors.KindOf(err))

	alias := "tenant-key"
	_, err = backend.Sign(ctx, service.SignRequest{
		Key:  &models.SigningKey{KeyMaterial: generated.KeyMaterial, MasterKeyAlias: &alias},
		Spec: models.SignatureSpec{SignatureName: EdDSA},
		Data: []byte("x"),
	})
	assert.NoError(t, err)
}

func TestSoftBackend_UnknownWrappingKey(t *testing.T) {
	backend, _ := newTestSoftBackend(t)
	_, err := backend.GenerateKeyPair(context.Background(), service.GenerateKeyRequest{
		SchemeCodeName: constants.SchemeEdDSAEd25519,
		MasterKeyAlias: "missing",
	})
	assert.True(t, errors.IsNotFound(err))
}

func TestSoftBackend_CachesUnwrappedKeys(t *testing.T) {
	ctx := context.Background()
	backend, repo := newTestSoftBackend(t)
	before := repo.finds

	for i := 0; i < 5; i++ {
		_, err := backend.GenerateKeyPair(ctx, service.GenerateKeyRequest{SchemeCodeName: constants.SchemeEdDSAEd25519})
		require.NoError(t, err)
	}
	assert.Equal(t, before+1, repo.finds)

	backend.Close()
	assert.Zero(t, backend.keys.ItemCount())
}
