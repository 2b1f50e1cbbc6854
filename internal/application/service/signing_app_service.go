// Package service contains the application services of the crypto worker.
package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/cryptod/internal/domain/models"
	domain "github.com/turtacn/cryptod/internal/domain/service"
	"github.com/turtacn/cryptod/internal/infrastructure/crypto"
	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/errors"
	"github.com/turtacn/cryptod/pkg/logger"
)

// KeyStore is the tenant scoped signing key storage the signing service works on.
type KeyStore interface {
	Save(ctx context.Context, tenantID string, sc *models.SigningKeySaveContext) (*models.SigningKey, error)
	FindByAlias(ctx context.Context, tenantID, alias string) (*models.SigningKey, error)
	FindByPublicKey(ctx context.Context, tenantID string, publicKey []byte) (*models.SigningKey, error)
	Lookup(ctx context.Context, tenantID string, skip, take int, orderBy string, filter map[string]string) ([]*models.SigningKey, error)
	LookupByIDs(ctx context.Context, tenantID string, ids []string) ([]*models.SigningKey, error)
	LookupByFullIDs(ctx context.Context, tenantID string, fullIDs []string) ([]*models.SigningKey, error)
	FilterMyKeys(ctx context.Context, tenantID string, candidates [][]byte) ([][]byte, error)
}

// SigningService generates keys for tenants and signs with them. Private keys never leave
// their HSM unwrapped.
// SigningService 为租户生成密钥并使用其签名，私钥绝不以明文形式离开 HSM。
type SigningService interface {
	// GenerateKeyPair creates a key for (tenantID, category) and returns its public key.
	// GenerateKeyPair 为租户生成密钥对并返回公钥。
	GenerateKeyPair(ctx context.Context, tenantID, category string, alias *string, scheme string) ([]byte, error)

	// FreshKey creates a LEDGER key with a generated alias, optionally tagged with externalID.
	FreshKey(ctx context.Context, tenantID string, externalID *string, scheme string) ([]byte, error)

	// Sign signs data with the key whose public key is publicKey. A zero spec selects the
	// default spec of the key scheme.
	// Sign 使用公钥对应的私钥对数据签名。
	Sign(ctx context.Context, tenantID string, publicKey []byte, spec models.SignatureSpec, data []byte) (*models.DigitalSignature, error)

	// SignWithAlias signs data with the key named alias.
	SignWithAlias(ctx context.Context, tenantID, alias string, spec models.SignatureSpec, data []byte) ([]byte, error)

	FindByAlias(ctx context.Context, tenantID, alias string) (*models.SigningKeyInfo, error)
	FindByPublicKey(ctx context.Context, tenantID string, publicKey []byte) (*models.SigningKeyInfo, error)
	Lookup(ctx context.Context, tenantID string, skip, take int, orderBy string, filter map[string]string) ([]models.SigningKeyInfo, error)
	LookupByIDs(ctx context.Context, tenantID string, ids []string) ([]models.SigningKeyInfo, error)
	LookupByFullIDs(ctx context.Context, tenantID string, fullIDs []string) ([]models.SigningKeyInfo, error)
	FilterMyKeys(ctx context.Context, tenantID string, candidates [][]byte) ([][]byte, error)

	// SupportedSchemes lists the schemes the tenant's HSM for category can generate.
	SupportedSchemes(ctx context.Context, tenantID, category string) ([]string, error)
}

// SigningAppService implements SigningService.
type SigningAppService struct {
	keys      KeyStore
	hsms      HSMService
	backends  map[string]domain.CryptoBackend
	publisher domain.KeyEventPublisher
	metrics   domain.Metrics
	log       logger.Logger
}

// NewSigningAppService creates the service. backends are looked up by HSM service name.
func NewSigningAppService(keys KeyStore, hsms HSMService, backends []domain.CryptoBackend, publisher domain.KeyEventPublisher, metrics domain.Metrics, log logger.Logger) *SigningAppService {
	byName := make(map[string]domain.CryptoBackend, len(backends))
	for _, b := range backends {
		byName[b.Name()] = b
	}
	if metrics == nil {
		metrics = domain.NoopMetrics{}
	}
	return &SigningAppService{
		keys:      keys,
		hsms:      hsms,
		backends:  byName,
		publisher: publisher,
		metrics:   metrics,
		log:       log.WithComponent("SigningService"),
	}
}

func (s *SigningAppService) GenerateKeyPair(ctx context.Context, tenantID, category string, alias *string, scheme string) ([]byte, error) {
	if !constants.IsValidCategory(category) {
		return nil, errors.ErrInvalidArgument(fmt.Sprintf("unknown key category %q", category))
	}
	if alias != nil {
		if *alias == "" {
			return nil, errors.ErrInvalidArgument("alias must not be empty")
		}
		existing, err := s.keys.FindByAlias(ctx, tenantID, *alias)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, errors.ErrDuplicateAlias(tenantID, *alias)
		}
	}
	return s.generate(ctx, tenantID, category, alias, nil, scheme)
}

func (s *SigningAppService) FreshKey(ctx context.Context, tenantID string, externalID *string, scheme string) ([]byte, error) {
	return s.generate(ctx, tenantID, constants.CategoryLedger, nil, externalID, scheme)
}

func (s *SigningAppService) generate(ctx context.Context, tenantID, category string, alias, externalID *string, scheme string) ([]byte, error) {
	ca, err := s.hsms.AssignHSM(ctx, tenantID, category)
	if err != nil {
		return nil, err
	}
	cfg := &ca.Association.Config
	backend, err := s.backend(cfg)
	if err != nil {
		return nil, err
	}
	if !offers(backend, cfg, scheme) {
		return nil, errors.ErrUnsupportedScheme(scheme)
	}

	req := domain.GenerateKeyRequest{TenantID: tenantID, SchemeCodeName: scheme}
	sc := &models.SigningKeySaveContext{
		Alias:          alias,
		ExternalID:     externalID,
		Category:       category,
		SchemeCodeName: scheme,
		HSMID:          cfg.ID,
	}
	switch backend.KeyPolicy() {
	case constants.KeyPolicyWrapped:
		masterKeyAlias := constants.SharedWrappingKeyAlias
		if ca.Association.MasterKeyAlias != nil {
			masterKeyAlias = *ca.Association.MasterKeyAlias
		}
		req.MasterKeyAlias = masterKeyAlias
		sc.MasterKeyAlias = &masterKeyAlias
	case constants.KeyPolicyAliased:
		name := uuid.NewString()
		if alias != nil {
			name = *alias
		}
		hsmAlias := HSMAlias(ca.Association.AliasSecret, tenantID, name)
		req.HSMAlias = hsmAlias
		sc.HSMAlias = &hsmAlias
	}

	generated, err := backend.GenerateKeyPair(ctx, req)
	if err != nil {
		return nil, err
	}
	sc.PublicKey = generated.PublicKey
	if len(generated.KeyMaterial) > 0 {
		sc.KeyMaterial = generated.KeyMaterial
		version := generated.EncodingVersion
		sc.EncodingVersion = &version
	}

	key, err := s.keys.Save(ctx, tenantID, sc)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordKeyGenerated(scheme, cfg.ID)
	s.log.Info(ctx, "Generated key pair",
		logger.String("tenant_id", tenantID),
		logger.String("key_id", key.KeyID),
		logger.String("category", category),
		logger.String("scheme", scheme),
		logger.String("hsm_id", cfg.ID),
	)

	event := models.NewKeyEvent(models.KeyEventGenerated, tenantID)
	event.KeyID = key.KeyID
	event.FullKeyID = key.FullKeyID
	event.Category = category
	event.SchemeCodeName = scheme
	event.HSMID = cfg.ID
	if alias != nil {
		event.Alias = *alias
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warn(ctx, "Failed to publish key event", logger.String("key_id", key.KeyID), logger.Err(err))
	}
	return key.PublicKey, nil
}

func (s *SigningAppService) Sign(ctx context.Context, tenantID string, publicKey []byte, spec models.SignatureSpec, data []byte) (*models.DigitalSignature, error) {
	key, err := s.keys.FindByPublicKey(ctx, tenantID, publicKey)
	if err != nil {
		return nil, err
	}
	if key == nil {
		shortID, _ := crypto.KeyIDs(publicKey)
		return nil, errors.ErrKeyNotFound(tenantID, shortID)
	}
	sig, err := s.sign(ctx, tenantID, key, spec, data)
	if err != nil {
		return nil, err
	}
	return &models.DigitalSignature{By: key.PublicKey, Bytes: sig}, nil
}

func (s *SigningAppService) SignWithAlias(ctx context.Context, tenantID, alias string, spec models.SignatureSpec, data []byte) ([]byte, error) {
	key, err := s.keys.FindByAlias(ctx, tenantID, alias)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, errors.ErrKeyNotFound(tenantID, "alias "+alias)
	}
	return s.sign(ctx, tenantID, key, spec, data)
}

func (s *SigningAppService) sign(ctx context.Context, tenantID string, key *models.SigningKey, spec models.SignatureSpec, data []byte) ([]byte, error) {
	if key.Status != constants.KeyStatusNormal {
		return nil, errors.ErrIllegalState(fmt.Sprintf("signing key %s is %s", key.KeyID, key.Status))
	}
	scheme, err := crypto.LookupScheme(key.SchemeCodeName)
	if err != nil {
		return nil, err
	}
	resolved, err := scheme.ResolveSpec(spec)
	if err != nil {
		return nil, err
	}
	cfg, err := s.hsms.Config(ctx, key.HSMID)
	if err != nil {
		return nil, err
	}
	backend, err := s.backend(cfg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	sig, err := backend.Sign(ctx, domain.SignRequest{TenantID: tenantID, Key: key, Spec: resolved, Data: data})
	if err != nil {
		return nil, err
	}
	s.log.Debug(ctx, "Signed data",
		logger.String("tenant_id", tenantID),
		logger.String("key_id", key.KeyID),
		logger.String("spec", resolved.String()),
		logger.Duration("duration", time.Since(start)),
	)
	return sig, nil
}

func (s *SigningAppService) FindByAlias(ctx context.Context, tenantID, alias string) (*models.SigningKeyInfo, error) {
	key, err := s.keys.FindByAlias(ctx, tenantID, alias)
	if err != nil || key == nil {
		return nil, err
	}
	info := key.Info()
	return &info, nil
}

func (s *SigningAppService) FindByPublicKey(ctx context.Context, tenantID string, publicKey []byte) (*models.SigningKeyInfo, error) {
	key, err := s.keys.FindByPublicKey(ctx, tenantID, publicKey)
	if err != nil || key == nil {
		return nil, err
	}
	info := key.Info()
	return &info, nil
}

func (s *SigningAppService) Lookup(ctx context.Context, tenantID string, skip, take int, orderBy string, filter map[string]string) ([]models.SigningKeyInfo, error) {
	keys, err := s.keys.Lookup(ctx, tenantID, skip, take, orderBy, filter)
	return infos(keys), err
}

func (s *SigningAppService) LookupByIDs(ctx context.Context, tenantID string, ids []string) ([]models.SigningKeyInfo, error) {
	keys, err := s.keys.LookupByIDs(ctx, tenantID, ids)
	return infos(keys), err
}

func (s *SigningAppService) LookupByFullIDs(ctx context.Context, tenantID string, fullIDs []string) ([]models.SigningKeyInfo, error) {
	keys, err := s.keys.LookupByFullIDs(ctx, tenantID, fullIDs)
	return infos(keys), err
}

func (s *SigningAppService) FilterMyKeys(ctx context.Context, tenantID string, candidates [][]byte) ([][]byte, error) {
	return s.keys.FilterMyKeys(ctx, tenantID, candidates)
}

func (s *SigningAppService) SupportedSchemes(ctx context.Context, tenantID, category string) ([]string, error) {
	ca, err := s.hsms.FindHSM(ctx, tenantID, category)
	if err != nil {
		return nil, err
	}
	cfg := &ca.Association.Config
	backend, err := s.backend(cfg)
	if err != nil {
		return nil, err
	}
	var schemes []string
	for _, scheme := range backend.SupportedSchemes() {
		if offers(backend, cfg, scheme) {
			schemes = append(schemes, scheme)
		}
	}
	return schemes, nil
}

func (s *SigningAppService) backend(cfg *models.HSMConfig) (domain.CryptoBackend, error) {
	b, ok := s.backends[cfg.ServiceName]
	if !ok {
		return nil, errors.ErrIllegalState(fmt.Sprintf("HSM %s uses service %s which is not available", cfg.ID, cfg.ServiceName))
	}
	return b, nil
}

// offers reports whether scheme is supported by the backend and, when the config
// restricts schemes, allowed by it.
func offers(backend domain.CryptoBackend, cfg *models.HSMConfig, scheme string) bool {
	if !contains(backend.SupportedSchemes(), scheme) {
		return false
	}
	return len(cfg.Schemes) == 0 || contains(cfg.Schemes, scheme)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// HSMAlias derives the name of a tenant key inside an HSM. It is stable for
// (tenantID, alias) and reveals neither.
func HSMAlias(secret []byte, tenantID, alias string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(tenantID))
	mac.Write([]byte{0})
	mac.Write([]byte(alias))
	return hex.EncodeToString(mac.Sum(nil))
}

func infos(keys []*models.SigningKey) []models.SigningKeyInfo {
	if keys == nil {
		return nil
	}
	out := make([]models.SigningKeyInfo, len(keys))
	for i, k := range keys {
		out[i] = k.Info()
	}
	return out
}

var _ SigningService = (*SigningAppService)(nil)
