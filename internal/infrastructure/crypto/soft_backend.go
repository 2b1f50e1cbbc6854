package crypto

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/internal/domain/repository"
	"github.com/turtacn/cryptod/internal/domain/service"
	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/errors"
	"github.com/turtacn/cryptod/pkg/logger"
)

// SoftBackend is the software HSM. Private keys are wrapped by a tenant (or the shared)
// wrapping key and stored in the signing key record; wrapping keys are stored wrapped by
// the master key.
type SoftBackend struct {
	master  *WrappingKey
	repo    repository.WrappingKeyRepository
	digests *DigestService
	// keys holds unwrapped wrapping keys for a short time, wiping them on eviction.
	keys   *cache.Cache
	ttl    time.Duration
	group  singleflight.Group
	logger logger.Logger
}

// NewSoftBackend creates the software backend.
func NewSoftBackend(master *WrappingKey, repo repository.WrappingKeyRepository, digests *DigestService, ttl time.Duration, log logger.Logger) *SoftBackend {
	if ttl <= 0 {
		ttl = constants.WrappingKeyCacheTTL
	}
	keys := cache.New(ttl, ttl/2)
	keys.OnEvicted(func(_ string, v interface{}) {
		if wk, ok := v.(*WrappingKey); ok {
			wk.Destroy()
		}
	})
	return &SoftBackend{
		master:  master,
		repo:    repo,
		digests: digests,
		keys:    keys,
		ttl:     ttl,
		logger:  log.WithComponent("SoftBackend"),
	}
}

func (b *SoftBackend) Name() string                   { return constants.SoftHSMServiceName }
func (b *SoftBackend) KeyPolicy() constants.KeyPolicy { return constants.KeyPolicyWrapped }
func (b *SoftBackend) SupportedSchemes() []string     { return SchemeCodeNames() }

// EnsureWrappingKey creates, wraps with the master key and stores alias unless it exists.
func (b *SoftBackend) EnsureWrappingKey(ctx context.Context, alias string) error {
	existing, err := b.repo.FindByAlias(ctx, alias)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	wk, err := CreateWrappingKey(ctx, alias)
	if err != nil {
		return err
	}
	defer wk.Destroy()

	material, err := b.master.Wrap(ctx, wk)
	if err != nil {
		return err
	}
	info := &models.WrappingKeyInfo{
		ID:              uuid.NewString(),
		Alias:           alias,
		Created:         time.Now().UTC(),
		EncodingVersion: constants.WrappingKeyEncodingVersion,
		AlgorithmName:   wk.Algorithm(),
		KeyMaterial:     material,
		ParentKeyAlias:  b.master.Alias(),
	}
	if err := b.repo.Save(ctx, info); err != nil {
		// another worker created it first
		if errors.IsValidation(err) {
			return nil
		}
		return err
	}
	b.logger.Info(ctx, "Created wrapping key", logger.String("alias", alias))
	return nil
}

// GenerateKeyPair creates a key pair and returns the private key wrapped by req.MasterKeyAlias.
func (b *SoftBackend) GenerateKeyPair(ctx context.Context, req service.GenerateKeyRequest) (*service.GeneratedKey, error) {
	scheme, err := LookupScheme(req.SchemeCodeName)
	if err != nil {
		return nil, err
	}
	wk, err := b.wrappingKey(ctx, req.MasterKeyAlias)
	if err != nil {
		return nil, err
	}

	priv, err := scheme.GenerateKey()
	if err != nil {
		return nil, errors.ErrCrypto("failed to generate "+scheme.CodeName+" key", err)
	}
	defer WipePrivateKey(priv)
	pub, err := MarshalPublicKey(priv.Public())
	if err != nil {
		return nil, err
	}
	material, err := wk.WrapPrivateKey(ctx, priv)
	if err != nil {
		return nil, err
	}
	return &service.GeneratedKey{
		PublicKey:       pub,
		KeyMaterial:     material,
		EncodingVersion: constants.PrivateKeyEncodingVersion,
	}, nil
}

// Sign unwraps the private key of req.Key and signs req.Data with it.
func (b *SoftBackend) Sign(ctx context.Context, req service.SignRequest) ([]byte, error) {
	if !req.Key.IsWrapped() {
		return nil, errors.ErrIllegalState("signing key " + req.Key.KeyID + " has no wrapped material")
	}
	alias := constants.SharedWrappingKeyAlias
	if req.Key.MasterKeyAlias != nil {
		alias = *req.Key.MasterKeyAlias
	}
	wk, err := b.wrappingKey(ctx, alias)
	if err != nil {
		return nil, err
	}
	priv, err := wk.UnwrapPrivateKey(ctx, req.Key.KeyMaterial)
	if err != nil {
		return nil, err
	}
	defer WipePrivateKey(priv)
	return Sign(b.digests, priv, req.Spec, req.Data)
}

// Close wipes the raw bytes of every cached wrapping key and of the master key.
func (b *SoftBackend) Close() {
	// Flush skips OnEvicted, Delete does not.
	for alias := range b.keys.Items() {
		b.keys.Delete(alias)
	}
	b.master.Destroy()
}

func (b *SoftBackend) wrappingKey(ctx context.Context, alias string) (*WrappingKey, error) {
	if alias == "" {
		alias = constants.SharedWrappingKeyAlias
	}
	if v, ok := b.keys.Get(alias); ok {
		return v.(*WrappingKey), nil
	}

	v, err, _ := b.group.Do(alias, func() (interface{}, error) {
		info, err := b.repo.FindByAlias(ctx, alias)
		if err != nil {
			return nil, err
		}
		if info == nil {
			return nil, errors.ErrNotFound("wrapping key " + alias + " does not exist")
		}
		wk, err := b.master.UnwrapWrappingKey(ctx, info.Alias, info.AlgorithmName, info.KeyMaterial)
		if err != nil {
			return nil, err
		}
		b.keys.Set(alias, wk, b.ttl)
		return wk, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*WrappingKey), nil
}

var (
	_ service.CryptoBackend      = (*SoftBackend)(nil)
	_ service.WrappingKeyManager = (*SoftBackend)(nil)
)
