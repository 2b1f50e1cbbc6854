package persistence

import (
	"context"
	"crypto/rand"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/internal/domain/repository"
	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/errors"
	"github.com/turtacn/cryptod/pkg/logger"
)

const aliasSecretLength = 32

// HSMStore is the gorm implementation of repository.HSMAssociationStore. All rows live
// in the cluster database.
type HSMStore struct {
	conn   *DBConnection
	now    func() time.Time
	logger logger.Logger
}

// NewHSMStore creates the store over the cluster database.
func NewHSMStore(conn *DBConnection, log logger.Logger) *HSMStore {
	return &HSMStore{
		conn:   conn,
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.WithComponent("HSMStore"),
	}
}

// FindAssociation returns the active mapping of (tenantID, category) with its association
// and HSM config loaded, or nil.
func (s *HSMStore) FindAssociation(ctx context.Context, tenantID, category string) (*models.HSMCategoryAssociation, error) {
	var ca models.HSMCategoryAssociation
	err := s.conn.DB(ctx).
		Preload("Association.Config").
		Where("tenant_id = ? AND category = ? AND deprecated_at = 0", tenantID, category).
		Order("timestamp DESC").
		Take(&ca).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, ClassifyDBError(err, "failed to find HSM association")
	}
	return &ca, nil
}

type usageRow struct {
	HSMID  string
	Usages int64
}

// GetUsageStats returns one entry per HSM offering category. Only ALIASED backends hold
// a key slot per association, so WRAPPED backends always report zero usages.
func (s *HSMStore) GetUsageStats(ctx context.Context, category string) ([]models.HSMUsage, error) {
	configs, err := s.ListConfigs(ctx)
	if err != nil {
		return nil, err
	}

	var rows []usageRow
	err = s.conn.DB(ctx).
		Table("hsm_category_associations AS ca").
		Select("a.hsm_id AS hsm_id, COUNT(*) AS usages").
		Joins("JOIN hsm_associations AS a ON a.id = ca.hsm_association_id").
		Joins("JOIN hsm_configs AS c ON c.id = a.hsm_id").
		Where("ca.category = ? AND ca.deprecated_at = 0 AND c.key_policy = ?", category, constants.KeyPolicyAliased).
		Group("a.hsm_id").
		Scan(&rows).Error
	if err != nil {
		return nil, ClassifyDBError(err, "failed to count HSM usages")
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.HSMID] = r.Usages
	}

	var stats []models.HSMUsage
	for _, cfg := range configs {
		if !cfg.Serves(category) {
			continue
		}
		stats = append(stats, models.HSMUsage{HSMID: cfg.ID, Capacity: cfg.Capacity, Usages: counts[cfg.ID]})
	}
	return stats, nil
}

// Associate finds or creates the (tenantID, hsmID) association, then records a new
// active mapping for (tenantID, category). A previously active mapping is deprecated in
// the same transaction, so earlier rows remain as history and at most one is active.
func (s *HSMStore) Associate(ctx context.Context, tenantID, category, hsmID string, policy constants.MasterKeyPolicy) (*models.HSMCategoryAssociation, error) {
	if !constants.IsValidCategory(category) {
		return nil, errors.ErrInvalidArgument(fmt.Sprintf("unknown key category %q", category))
	}
	cfg, err := s.GetConfig(ctx, hsmID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, errors.ErrIllegalState("HSM config " + hsmID + " does not exist")
	}

	var result *models.HSMCategoryAssociation
	err = s.conn.DB(ctx).Transaction(func(tx *gorm.DB) error {
		assoc, err := s.findOrCreateAssociation(tx, tenantID, hsmID, policy)
		if err != nil {
			return err
		}

		now := s.now()
		err = tx.Model(&models.HSMCategoryAssociation{}).
			Where("tenant_id = ? AND category = ? AND deprecated_at = 0", tenantID, category).
			Update("deprecated_at", now.UnixMilli()).Error
		if err != nil {
			return ClassifyDBError(err, "failed to deprecate HSM category association")
		}

		ca := &models.HSMCategoryAssociation{
			ID:               uuid.NewString(),
			TenantID:         tenantID,
			Category:         category,
			HSMAssociationID: assoc.ID,
			Timestamp:        now,
		}
		if err := tx.Omit(clause.Associations).Create(ca).Error; err != nil {
			if IsUniqueViolation(err) {
				// at most one active mapping per (tenant, category)
				return errors.ErrTransient("concurrent HSM category association for tenant "+tenantID, err)
			}
			return ClassifyDBError(err, "failed to save HSM category association")
		}
		assoc.Config = *cfg
		ca.Association = *assoc
		result = ca
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "Associated tenant with HSM",
		logger.String("tenant_id", tenantID),
		logger.String("category", category),
		logger.String("hsm_id", hsmID),
	)
	return result, nil
}

func (s *HSMStore) findOrCreateAssociation(tx *gorm.DB, tenantID, hsmID string, policy constants.MasterKeyPolicy) (*models.HSMAssociation, error) {
	var assoc models.HSMAssociation
	err := tx.Where("tenant_id = ? AND hsm_id = ?", tenantID, hsmID).Take(&assoc).Error
	if err == nil {
		return &assoc, nil
	}
	if !stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ClassifyDBError(err, "failed to find HSM association")
	}

	secret := make([]byte, aliasSecretLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, errors.ErrInternal("failed to generate alias secret", err)
	}
	assoc = models.HSMAssociation{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		HSMID:       hsmID,
		AliasSecret: secret,
		Timestamp:   s.now(),
	}
	if policy == constants.MasterKeyPolicyNew {
		alias := fmt.Sprintf("%s-%s", tenantID, uuid.NewString())
		assoc.MasterKeyAlias = &alias
	}
	if err := tx.Omit(clause.Associations).Create(&assoc).Error; err != nil {
		if IsUniqueViolation(err) {
			// a concurrent request created it, a retry will find it
			return nil, errors.ErrTransient("concurrent HSM association for tenant "+tenantID, err)
		}
		return nil, ClassifyDBError(err, "failed to save HSM association")
	}
	return &assoc, nil
}

func (s *HSMStore) GetConfig(ctx context.Context, hsmID string) (*models.HSMConfig, error) {
	var cfg models.HSMConfig
	err := s.conn.DB(ctx).Where("id = ?", hsmID).Take(&cfg).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, ClassifyDBError(err, "failed to find HSM config")
	}
	return &cfg, nil
}

func (s *HSMStore) ListConfigs(ctx context.Context) ([]*models.HSMConfig, error) {
	var configs []*models.HSMConfig
	if err := s.conn.DB(ctx).Order("id").Find(&configs).Error; err != nil {
		return nil, ClassifyDBError(err, "failed to list HSM configs")
	}
	return configs, nil
}

// SaveConfig creates or replaces an HSM config.
func (s *HSMStore) SaveConfig(ctx context.Context, cfg *models.HSMConfig) error {
	err := s.conn.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(cfg).Error
	return ClassifyDBError(err, "failed to save HSM config")
}

var _ repository.HSMAssociationStore = (*HSMStore)(nil)
