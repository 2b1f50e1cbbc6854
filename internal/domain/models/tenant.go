// Package models defines the domain models of the crypto worker.
// This file contains the tenant connection registry model.
package models

import "time"

// TenantConnection registers the database that holds a virtual tenant's signing keys.
// Cluster tenants are not listed, they use the cluster database.
// TenantConnection 记录虚拟租户签名密钥所在的数据库。
type TenantConnection struct {
	// TenantID is the unique identifier for the tenant.
	// TenantID 是租户的唯一标识符。
	TenantID string `gorm:"primaryKey;size:64"`

	// Dialect is either "postgres" or "sqlite".
	Dialect string `gorm:"size:16;not null"`

	// DSN is the data source name of the tenant database.
	DSN string `gorm:"not null"`

	MaxOpenConns int `gorm:"not null;default:5"`
	MaxIdleConns int `gorm:"not null;default:1"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName overrides the gorm table name.
func (TenantConnection) TableName() string {
	return "tenant_connections"
}
