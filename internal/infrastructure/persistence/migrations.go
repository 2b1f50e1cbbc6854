package persistence

import (
	"context"

	"github.com/turtacn/cryptod/internal/domain/models"
)

// MigrateCluster creates the cluster database schema. Cluster tenants keep their signing
// keys in the cluster database, so it carries signing_keys as well.
func MigrateCluster(ctx context.Context, conn *DBConnection) error {
	err := conn.DB(ctx).AutoMigrate(
		&models.HSMConfig{},
		&models.HSMAssociation{},
		&models.HSMCategoryAssociation{},
		&models.WrappingKeyInfo{},
		&models.TenantConnection{},
		&models.SigningKey{},
		&models.KeyEventRecord{},
	)
	return ClassifyDBError(err, "failed to migrate cluster database")
}

// MigrateTenant creates the schema of a virtual tenant database.
func MigrateTenant(ctx context.Context, conn *DBConnection) error {
	err := conn.DB(ctx).AutoMigrate(&models.SigningKey{})
	return ClassifyDBError(err, "failed to migrate tenant database "+conn.Name())
}
