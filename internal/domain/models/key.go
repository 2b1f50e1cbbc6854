package models

import (
	"time"

	"github.com/turtacn/cryptod/pkg/constants"
)

// SigningKey is the persisted record of a tenant signing key. It lives in the tenant's own database.
// SigningKey 是租户签名密钥的持久化记录，保存在租户自己的数据库中。
type SigningKey struct {
	// ID is the surrogate primary key of the record.
	ID string `gorm:"primaryKey;size:36"`

	// TenantID is the identifier of the tenant that owns this key.
	// TenantID 是拥有此密钥的租户的标识符。
	TenantID string `gorm:"size:64;not null;uniqueIndex:idx_signing_keys_tenant_full_id,priority:1;uniqueIndex:idx_signing_keys_tenant_alias,priority:1;index:idx_signing_keys_tenant_key_id,priority:1"`

	// KeyID is the short hash of the public key.
	// KeyID 是公钥的短哈希。
	KeyID string `gorm:"size:12;not null;index:idx_signing_keys_tenant_key_id,priority:2"`

	// FullKeyID is the full secure hash of the public key, in the form "SHA-256:<HEX>".
	FullKeyID string `gorm:"size:80;not null;uniqueIndex:idx_signing_keys_tenant_full_id,priority:2"`

	Category string `gorm:"size:32;not null;index"`

	// Alias is the tenant chosen name, unique per tenant when set.
	// Alias 是租户指定的名称，设置时在租户内唯一。
	Alias *string `gorm:"size:255;uniqueIndex:idx_signing_keys_tenant_alias,priority:2"`

	// HSMAlias is the name of the private key inside an HSM for ALIASED key policies.
	HSMAlias *string `gorm:"size:255"`

	// PublicKey is the X.509 SubjectPublicKeyInfo DER encoding.
	PublicKey []byte `gorm:"not null"`

	// KeyMaterial is the private key wrapped by the wrapping key named MasterKeyAlias. Never plaintext.
	// KeyMaterial 是由 MasterKeyAlias 指定的包装密钥加密后的私钥，绝不是明文。
	KeyMaterial []byte

	SchemeCodeName  string  `gorm:"size:32;not null;index"`
	MasterKeyAlias  *string `gorm:"size:255;index"`
	ExternalID      *string `gorm:"size:255;index"`
	EncodingVersion *int
	Timestamp       time.Time           `gorm:"not null;index"`
	HSMID           string              `gorm:"size:64;not null"`
	Status          constants.KeyStatus `gorm:"size:16;not null"`
}

// TableName overrides the gorm table name.
func (SigningKey) TableName() string {
	return "signing_keys"
}

// IsWrapped reports whether the record carries wrapped private key material.
func (k *SigningKey) IsWrapped() bool {
	return len(k.KeyMaterial) > 0
}

// Info returns the externally visible view of the key, without key material.
func (k *SigningKey) Info() SigningKeyInfo {
	return SigningKeyInfo{
		ID:              k.KeyID,
		FullID:          k.FullKeyID,
		TenantID:        k.TenantID,
		Category:        k.Category,
		Alias:           k.Alias,
		HSMAlias:        k.HSMAlias,
		PublicKey:       k.PublicKey,
		SchemeCodeName:  k.SchemeCodeName,
		MasterKeyAlias:  k.MasterKeyAlias,
		ExternalID:      k.ExternalID,
		EncodingVersion: k.EncodingVersion,
		Timestamp:       k.Timestamp,
		HSMID:           k.HSMID,
		Status:          k.Status,
	}
}

// SigningKeyInfo is what lookups return to callers. Wrapped material is deliberately absent.
type SigningKeyInfo struct {
	ID              string              `json:"id"`
	FullID          string              `json:"fullId"`
	TenantID        string              `json:"tenantId"`
	Category        string              `json:"category"`
	Alias           *string             `json:"alias,omitempty"`
	HSMAlias        *string             `json:"hsmAlias,omitempty"`
	PublicKey       []byte              `json:"publicKey"`
	SchemeCodeName  string              `json:"schemeCodeName"`
	MasterKeyAlias  *string             `json:"masterKeyAlias,omitempty"`
	ExternalID      *string             `json:"externalId,omitempty"`
	EncodingVersion *int                `json:"encodingVersion,omitempty"`
	Timestamp       time.Time           `json:"timestamp"`
	HSMID           string              `json:"hsmId"`
	Status          constants.KeyStatus `json:"status"`
}

// SigningKeySaveContext carries what SigningKeyStore.Save needs to persist a new key.
// Exactly one of KeyMaterial (WRAPPED policy) or HSMAlias (ALIASED policy) is set.
// SigningKeySaveContext 包含保存新密钥所需的信息。
type SigningKeySaveContext struct {
	PublicKey       []byte
	KeyMaterial     []byte
	EncodingVersion *int
	MasterKeyAlias  *string
	Alias           *string
	HSMAlias        *string
	ExternalID      *string
	Category        string
	SchemeCodeName  string
	HSMID           string
}
