package repository

import (
	"context"

	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/pkg/constants"
)

// HSMAssociationStore persists tenant to HSM associations in the cluster database.
type HSMAssociationStore interface {
	// FindAssociation returns the active association for (tenantID, category) with its
	// HSM config loaded, or nil when there is none.
	FindAssociation(ctx context.Context, tenantID, category string) (*models.HSMCategoryAssociation, error)

	// GetUsageStats counts, per HSM offering category, the active associations on ALIASED backends.
	GetUsageStats(ctx context.Context, category string) ([]models.HSMUsage, error)

	// Associate finds or creates the (tenantID, hsmID) association and records a new
	// active category mapping, deprecating the previous one.
	Associate(ctx context.Context, tenantID, category, hsmID string, policy constants.MasterKeyPolicy) (*models.HSMCategoryAssociation, error)

	GetConfig(ctx context.Context, hsmID string) (*models.HSMConfig, error)
	ListConfigs(ctx context.Context) ([]*models.HSMConfig, error)
	SaveConfig(ctx context.Context, cfg *models.HSMConfig) error
}
