package models

import "time"

// WrappingKeyInfo is a persisted wrapping key, itself wrapped by its parent.
// Rows live in the cluster database.
// WrappingKeyInfo 是持久化的包装密钥，其本身由父密钥加密。
type WrappingKeyInfo struct {
	ID              string    `gorm:"primaryKey;size:36"`
	Alias           string    `gorm:"size:255;not null;uniqueIndex"`
	Created         time.Time `gorm:"not null"`
	EncodingVersion int       `gorm:"not null"`
	AlgorithmName   string    `gorm:"size:64;not null"`
	KeyMaterial     []byte    `gorm:"not null"`
	// ParentKeyAlias names the key that wrapped KeyMaterial; empty means the master key.
	ParentKeyAlias string `gorm:"size:255"`
}

// TableName overrides the gorm table name.
func (WrappingKeyInfo) TableName() string {
	return "wrapping_keys"
}
