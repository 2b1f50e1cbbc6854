package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/internal/domain/repository"
	"github.com/turtacn/cryptod/internal/domain/service"
	"github.com/turtacn/cryptod/internal/infrastructure/crypto"
	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/errors"
	"github.com/turtacn/cryptod/pkg/logger"
)

// ConnectionProvider hands out the database of a tenant.
type ConnectionProvider interface {
	Get(ctx context.Context, tenantID string) (*DBConnection, error)
}

// SigningKeyStore is the tenant scoped facade over the signing key repositories of all
// tenant databases. Records are cached in process and, when configured, in Redis.
type SigningKeyStore struct {
	conns   ConnectionProvider
	local   *cache.Cache
	shared  service.SigningKeyCache
	metrics service.Metrics
	now     func() time.Time
	logger  logger.Logger
}

// NewSigningKeyStore creates the store. shared may be nil.
func NewSigningKeyStore(conns ConnectionProvider, shared service.SigningKeyCache, ttl time.Duration, metrics service.Metrics, log logger.Logger) *SigningKeyStore {
	if ttl <= 0 {
		ttl = constants.SigningKeyCacheTTL
	}
	if metrics == nil {
		metrics = service.NoopMetrics{}
	}
	return &SigningKeyStore{
		conns:   conns,
		local:   cache.New(ttl, 2*ttl),
		shared:  shared,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  log.WithComponent("SigningKeyStore"),
	}
}

func (s *SigningKeyStore) repo(ctx context.Context, tenantID string) (repository.SigningKeyRepository, error) {
	conn, err := s.conns.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return NewSigningKeyRepository(conn), nil
}

// Save persists a new key for tenantID and returns the stored record.
func (s *SigningKeyStore) Save(ctx context.Context, tenantID string, sc *models.SigningKeySaveContext) (*models.SigningKey, error) {
	if len(sc.KeyMaterial) == 0 && sc.HSMAlias == nil {
		return nil, errors.ErrIllegalState("signing key has neither wrapped material nor an HSM alias")
	}
	repo, err := s.repo(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	shortID, fullID := crypto.KeyIDs(sc.PublicKey)
	key := &models.SigningKey{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		KeyID:           shortID,
		FullKeyID:       fullID,
		Category:        sc.Category,
		Alias:           sc.Alias,
		HSMAlias:        sc.HSMAlias,
		PublicKey:       sc.PublicKey,
		KeyMaterial:     sc.KeyMaterial,
		SchemeCodeName:  sc.SchemeCodeName,
		MasterKeyAlias:  sc.MasterKeyAlias,
		ExternalID:      sc.ExternalID,
		EncodingVersion: sc.EncodingVersion,
		Timestamp:       s.now(),
		HSMID:           sc.HSMID,
		Status:          constants.KeyStatusNormal,
	}
	if err := repo.Save(ctx, key); err != nil {
		return nil, err
	}
	s.remember(ctx, key)
	return key, nil
}

// FindByAlias returns the key of tenantID named alias, or nil.
func (s *SigningKeyStore) FindByAlias(ctx context.Context, tenantID, alias string) (*models.SigningKey, error) {
	if v, ok := s.local.Get(aliasCacheKey(tenantID, alias)); ok {
		s.metrics.RecordKeyCacheLookup("local", true)
		return v.(*models.SigningKey), nil
	}
	s.metrics.RecordKeyCacheLookup("local", false)

	repo, err := s.repo(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	key, err := repo.FindByAlias(ctx, tenantID, alias)
	if err != nil || key == nil {
		return nil, err
	}
	s.remember(ctx, key)
	return key, nil
}

// FindByPublicKey returns the key of tenantID whose public key is publicKey, or nil.
func (s *SigningKeyStore) FindByPublicKey(ctx context.Context, tenantID string, publicKey []byte) (*models.SigningKey, error) {
	shortID, fullID := crypto.KeyIDs(publicKey)

	// the short id may collide, the full id decides
	if v, ok := s.local.Get(idCacheKey(tenantID, shortID)); ok {
		if key := v.(*models.SigningKey); key.FullKeyID == fullID {
			s.metrics.RecordKeyCacheLookup("local", true)
			return key, nil
		}
	}
	s.metrics.RecordKeyCacheLookup("local", false)

	if s.shared != nil {
		key, err := s.shared.Get(ctx, tenantID, shortID)
		switch {
		case err != nil:
			s.logger.Warn(ctx, "Shared key cache unavailable", logger.String("tenant_id", tenantID), logger.Err(err))
		case key != nil && key.FullKeyID == fullID:
			s.metrics.RecordKeyCacheLookup("shared", true)
			s.local.SetDefault(idCacheKey(tenantID, shortID), key)
			return key, nil
		default:
			s.metrics.RecordKeyCacheLookup("shared", false)
		}
	}

	repo, err := s.repo(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	key, err := repo.FindByFullKeyID(ctx, tenantID, fullID)
	if err != nil || key == nil {
		return nil, err
	}
	s.remember(ctx, key)
	return key, nil
}

// Lookup pages through the keys of tenantID. filter is a conjunction over the recognised
// filter keys; orderBy is an OrderBy name or empty.
func (s *SigningKeyStore) Lookup(ctx context.Context, tenantID string, skip, take int, orderBy string, filter map[string]string) ([]*models.SigningKey, error) {
	if skip < 0 || take < 0 {
		return nil, errors.ErrInvalidArgument("skip and take must not be negative")
	}
	order, err := repository.ParseOrderBy(orderBy)
	if err != nil {
		return nil, err
	}
	query, err := repository.NewKeyQuery().OrderBy(order).Page(skip, take).WithFilter(filter)
	if err != nil {
		return nil, err
	}
	repo, err := s.repo(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return repo.Query(ctx, tenantID, query)
}

// LookupByIDs returns the keys with the given short ids. At most KeyIDLookupLimit ids
// may be passed.
func (s *SigningKeyStore) LookupByIDs(ctx context.Context, tenantID string, ids []string) ([]*models.SigningKey, error) {
	if len(ids) > constants.KeyIDLookupLimit {
		return nil, errors.ErrTooManyIDs(len(ids), constants.KeyIDLookupLimit)
	}
	repo, err := s.repo(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return repo.FindByKeyIDs(ctx, tenantID, ids)
}

// LookupByFullIDs returns the keys with the given full ids. At most KeyIDLookupLimit ids
// may be passed.
func (s *SigningKeyStore) LookupByFullIDs(ctx context.Context, tenantID string, fullIDs []string) ([]*models.SigningKey, error) {
	if len(fullIDs) > constants.KeyIDLookupLimit {
		return nil, errors.ErrTooManyIDs(len(fullIDs), constants.KeyIDLookupLimit)
	}
	repo, err := s.repo(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return repo.FindByFullKeyIDs(ctx, tenantID, fullIDs)
}

// FilterMyKeys returns the candidates that tenantID owns, in candidate order.
func (s *SigningKeyStore) FilterMyKeys(ctx context.Context, tenantID string, candidates [][]byte) ([][]byte, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	repo, err := s.repo(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	fullIDs := make([]string, len(candidates))
	for i, c := range candidates {
		_, fullIDs[i] = crypto.KeyIDs(c)
	}

	owned := make(map[string]bool)
	for start := 0; start < len(fullIDs); start += constants.KeyIDLookupLimit {
		end := start + constants.KeyIDLookupLimit
		if end > len(fullIDs) {
			end = len(fullIDs)
		}
		keys, err := repo.FindByFullKeyIDs(ctx, tenantID, fullIDs[start:end])
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			owned[k.FullKeyID] = true
		}
	}

	var mine [][]byte
	for i, c := range candidates {
		if owned[fullIDs[i]] {
			mine = append(mine, c)
		}
	}
	return mine, nil
}

func (s *SigningKeyStore) remember(ctx context.Context, key *models.SigningKey) {
	s.local.SetDefault(idCacheKey(key.TenantID, key.KeyID), key)
	if key.Alias != nil {
		s.local.SetDefault(aliasCacheKey(key.TenantID, *key.Alias), key)
	}
	if s.shared != nil {
		if err := s.shared.Set(ctx, key); err != nil {
			s.logger.Warn(ctx, "Failed to share signing key record", logger.String("key_id", key.KeyID), logger.Err(err))
		}
	}
}

func idCacheKey(tenantID, keyID string) string {
	return tenantID + "|" + keyID
}

func aliasCacheKey(tenantID, alias string) string {
	return tenantID + "|alias:" + alias
}
