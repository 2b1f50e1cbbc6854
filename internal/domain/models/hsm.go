package models

import (
	"time"

	"github.com/turtacn/cryptod/pkg/constants"
)

// HSMConfig describes one HSM backend instance and what it offers.
// HSMConfig 描述一个 HSM 后端实例及其提供的能力。
type HSMConfig struct {
	ID          string `gorm:"primaryKey;size:64"`
	Label       string `gorm:"size:255"`
	ServiceName string `gorm:"size:64;not null"`
	// Categories lists the key categories the backend may serve.
	Categories      []string                  `gorm:"serializer:json"`
	Schemes         []string                  `gorm:"serializer:json"`
	MasterKeyPolicy constants.MasterKeyPolicy `gorm:"size:16;not null"`
	KeyPolicy       constants.KeyPolicy       `gorm:"size:16;not null"`
	// Capacity is the maximum number of ALIASED associations, negative means unlimited.
	Capacity int `gorm:"not null"`
}

// TableName overrides the gorm table name.
func (HSMConfig) TableName() string {
	return "hsm_configs"
}

// Serves reports whether the backend offers category.
func (c *HSMConfig) Serves(category string) bool {
	for _, cat := range c.Categories {
		if cat == category {
			return true
		}
	}
	return false
}

// HSMAssociation binds a tenant to one HSM backend. There is at most one per (tenant, hsm).
// HSMAssociation 将租户绑定到一个 HSM 后端。
type HSMAssociation struct {
	ID       string    `gorm:"primaryKey;size:36"`
	TenantID string    `gorm:"size:64;not null;uniqueIndex:idx_hsm_associations_tenant_hsm,priority:1"`
	HSMID    string    `gorm:"size:64;not null;uniqueIndex:idx_hsm_associations_tenant_hsm,priority:2"`
	Config   HSMConfig `gorm:"foreignKey:HSMID;references:ID"`
	// MasterKeyAlias is set only for the NEW master key policy.
	MasterKeyAlias *string `gorm:"size:255"`
	// AliasSecret is the HMAC key used to derive HSM aliases for the tenant.
	AliasSecret []byte    `gorm:"not null"`
	Timestamp   time.Time `gorm:"not null"`
}

// TableName overrides the gorm table name.
func (HSMAssociation) TableName() string {
	return "hsm_associations"
}

// HSMCategoryAssociation maps (tenant, category) to an association. Rows with
// DeprecatedAt == 0 are active.
// HSMCategoryAssociation 将（租户，类别）映射到关联，DeprecatedAt 为 0 的记录为有效记录。
type HSMCategoryAssociation struct {
	ID               string         `gorm:"primaryKey;size:36"`
	TenantID         string         `gorm:"size:64;not null;index:idx_hsm_category_tenant_category,priority:1;uniqueIndex:idx_hsm_category_active,priority:1,where:deprecated_at = 0"`
	Category         string         `gorm:"size:32;not null;index:idx_hsm_category_tenant_category,priority:2;uniqueIndex:idx_hsm_category_active,priority:2"`
	HSMAssociationID string         `gorm:"size:36;not null;index"`
	Association      HSMAssociation `gorm:"foreignKey:HSMAssociationID;references:ID"`
	Timestamp        time.Time      `gorm:"not null"`
	DeprecatedAt     int64          `gorm:"not null;default:0;index"`
}

// TableName overrides the gorm table name.
func (HSMCategoryAssociation) TableName() string {
	return "hsm_category_associations"
}

// IsActive reports whether the mapping has not been deprecated.
func (a *HSMCategoryAssociation) IsActive() bool {
	return a.DeprecatedAt == 0
}

// HSMUsage is the number of ALIASED associations placed on a backend for one category.
type HSMUsage struct {
	HSMID    string
	Capacity int
	Usages   int64
}

// HasCapacity reports whether one more association fits on the backend.
func (u HSMUsage) HasCapacity() bool {
	return u.Capacity < 0 || u.Usages < int64(u.Capacity)
}
