package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/internal/domain/repository"
	domain "github.com/turtacn/cryptod/internal/domain/service"
	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/errors"
	"github.com/turtacn/cryptod/pkg/logger"
)

// HSMService places tenants onto HSM backends and keeps the wrapping keys those
// placements need.
// HSMService 负责将租户分配到 HSM 后端，并维护分配所需的包装密钥。
type HSMService interface {
	// AssignHSM returns the tenant's association for category, placing the tenant on the
	// least used backend with free capacity when there is none yet.
	// AssignHSM 返回租户在该类别下的 HSM 关联，若不存在则按容量分配。
	AssignHSM(ctx context.Context, tenantID, category string) (*models.HSMCategoryAssociation, error)

	// AssignSoftHSM associates the tenant with the software HSM for category.
	AssignSoftHSM(ctx context.Context, tenantID, category string) (*models.HSMCategoryAssociation, error)

	// FindHSM returns the active association or a not-found error.
	FindHSM(ctx context.Context, tenantID, category string) (*models.HSMCategoryAssociation, error)

	// Config returns the HSM config hsmID.
	Config(ctx context.Context, hsmID string) (*models.HSMConfig, error)

	// RegisterConfig creates or replaces an HSM config.
	RegisterConfig(ctx context.Context, cfg *models.HSMConfig) error

	// UsageStats reports the placement load of each backend offering category.
	UsageStats(ctx context.Context, category string) ([]models.HSMUsage, error)
}

// HSMAppService implements HSMService over the association store.
type HSMAppService struct {
	store     repository.HSMAssociationStore
	wrapping  domain.WrappingKeyManager
	publisher domain.KeyEventPublisher
	log       logger.Logger

	configTTL time.Duration
	configs   *cache.Cache
}

// HSMOption configures an HSMAppService.
type HSMOption func(*HSMAppService)

// WithConfigTTL bounds how long an HSM config registered elsewhere may be served stale.
func WithConfigTTL(ttl time.Duration) HSMOption {
	return func(s *HSMAppService) { s.configTTL = ttl }
}

// NewHSMAppService creates the service. wrapping may be nil when no backend wraps keys.
func NewHSMAppService(store repository.HSMAssociationStore, wrapping domain.WrappingKeyManager, publisher domain.KeyEventPublisher, log logger.Logger, opts ...HSMOption) *HSMAppService {
	s := &HSMAppService{
		store:     store,
		wrapping:  wrapping,
		publisher: publisher,
		log:       log.WithComponent("HSMService"),
		configTTL: constants.HSMConfigCacheTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.configs = cache.New(s.configTTL, 2*s.configTTL)
	return s
}

// SoftHSMConfig is the built-in software HSM. Every tenant gets its own wrapping key.
func SoftHSMConfig() *models.HSMConfig {
	return &models.HSMConfig{
		ID:              constants.SoftHSMID,
		Label:           "Software HSM",
		ServiceName:     constants.SoftHSMServiceName,
		Categories:      append([]string(nil), constants.AllCategories...),
		MasterKeyPolicy: constants.MasterKeyPolicyNew,
		KeyPolicy:       constants.KeyPolicyWrapped,
		Capacity:        -1,
	}
}

// Bootstrap registers the software HSM unless present and creates the shared wrapping key.
func (s *HSMAppService) Bootstrap(ctx context.Context) error {
	existing, err := s.store.GetConfig(ctx, constants.SoftHSMID)
	if err != nil {
		return err
	}
	if existing == nil {
		if err := s.RegisterConfig(ctx, SoftHSMConfig()); err != nil {
			return err
		}
	}
	if s.wrapping != nil {
		return s.wrapping.EnsureWrappingKey(ctx, constants.SharedWrappingKeyAlias)
	}
	return nil
}

func (s *HSMAppService) AssignHSM(ctx context.Context, tenantID, category string) (*models.HSMCategoryAssociation, error) {
	existing, err := s.store.FindAssociation(ctx, tenantID, category)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		// a previous attempt may have failed after the association was committed
		if err := s.ensureWrappingKey(ctx, tenantID, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	usages, err := s.store.GetUsageStats(ctx, category)
	if err != nil {
		return nil, err
	}
	var candidates []models.HSMUsage
	for _, u := range usages {
		if u.HasCapacity() {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		return nil, errors.ErrIllegalState(fmt.Sprintf("no HSM with free capacity offers category %s", category))
	}
	// dedicated HSMs first, least used first, the software HSM is the fallback
	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := candidates[i].HSMID == constants.SoftHSMID, candidates[j].HSMID == constants.SoftHSMID
		if si != sj {
			return sj
		}
		if candidates[i].Usages != candidates[j].Usages {
			return candidates[i].Usages < candidates[j].Usages
		}
		return candidates[i].HSMID < candidates[j].HSMID
	})

	return s.associate(ctx, tenantID, category, candidates[0].HSMID)
}

func (s *HSMAppService) AssignSoftHSM(ctx context.Context, tenantID, category string) (*models.HSMCategoryAssociation, error) {
	return s.associate(ctx, tenantID, category, constants.SoftHSMID)
}

func (s *HSMAppService) FindHSM(ctx context.Context, tenantID, category string) (*models.HSMCategoryAssociation, error) {
	ca, err := s.store.FindAssociation(ctx, tenantID, category)
	if err != nil {
		return nil, err
	}
	if ca == nil {
		return nil, errors.ErrAssociationNotFound(tenantID, category)
	}
	return ca, nil
}

// Config returns a cached HSM config. Changes made by RegisterConfig are visible at once,
// changes made by other processes once the cached entry expires.
func (s *HSMAppService) Config(ctx context.Context, hsmID string) (*models.HSMConfig, error) {
	if v, ok := s.configs.Get(hsmID); ok {
		return v.(*models.HSMConfig), nil
	}

	cfg, err := s.store.GetConfig(ctx, hsmID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, errors.ErrIllegalState("HSM config " + hsmID + " does not exist")
	}
	s.configs.SetDefault(hsmID, cfg)
	return cfg, nil
}

func (s *HSMAppService) RegisterConfig(ctx context.Context, cfg *models.HSMConfig) error {
	for _, c := range cfg.Categories {
		if !constants.IsValidCategory(c) {
			return errors.ErrInvalidArgument(fmt.Sprintf("unknown key category %q", c))
		}
	}
	if err := s.store.SaveConfig(ctx, cfg); err != nil {
		return err
	}
	s.configs.Delete(cfg.ID)

	s.log.Info(ctx, "Registered HSM config",
		logger.String("hsm_id", cfg.ID),
		logger.String("service_name", cfg.ServiceName),
		logger.Int("capacity", cfg.Capacity),
	)
	return nil
}

func (s *HSMAppService) UsageStats(ctx context.Context, category string) ([]models.HSMUsage, error) {
	return s.store.GetUsageStats(ctx, category)
}

func (s *HSMAppService) associate(ctx context.Context, tenantID, category, hsmID string) (*models.HSMCategoryAssociation, error) {
	cfg, err := s.Config(ctx, hsmID)
	if err != nil {
		return nil, err
	}
	if !cfg.Serves(category) {
		return nil, errors.ErrInvalidArgument(fmt.Sprintf("HSM %s does not offer category %s", hsmID, category))
	}

	ca, err := s.store.Associate(ctx, tenantID, category, hsmID, cfg.MasterKeyPolicy)
	if err != nil {
		return nil, err
	}

	if err := s.ensureWrappingKey(ctx, tenantID, ca); err != nil {
		return nil, err
	}

	event := models.NewKeyEvent(models.KeyEventHSMAssociated, tenantID)
	event.Category = category
	event.HSMID = hsmID
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warn(ctx, "Failed to publish HSM association event", logger.String("tenant_id", tenantID), logger.Err(err))
	}
	return ca, nil
}

// ensureWrappingKey creates the wrapping key a WRAPPED backend needs for ca. It is
// idempotent and runs on every assignment.
func (s *HSMAppService) ensureWrappingKey(ctx context.Context, tenantID string, ca *models.HSMCategoryAssociation) error {
	if s.wrapping == nil {
		return nil
	}
	cfg, err := s.Config(ctx, ca.Association.HSMID)
	if err != nil {
		return err
	}
	if cfg.KeyPolicy != constants.KeyPolicyWrapped {
		return nil
	}
	alias := constants.SharedWrappingKeyAlias
	if ca.Association.MasterKeyAlias != nil {
		alias = *ca.Association.MasterKeyAlias
	}
	if err := s.wrapping.EnsureWrappingKey(ctx, alias); err != nil {
		return errors.Wrap(err, "failed to create wrapping key for tenant "+tenantID)
	}
	return nil
}

var _ HSMService = (*HSMAppService)(nil)
