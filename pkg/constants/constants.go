// Package constants defines system-wide constants for the crypto worker.
// This package provides type-safe constant definitions used across all modules.
package constants

import "time"

// ================================================================================
// Tenant Constants
// ================================================================================

const (
	// CryptoTenantID is the cluster-level tenant that owns the crypto worker's own keys
	CryptoTenantID = "crypto"

	// P2PTenantID is the cluster-level tenant used by the peer-to-peer gateway
	P2PTenantID = "p2p"

	// RestTenantID is the cluster-level tenant used by the REST gateway
	RestTenantID = "rest"
)

// ClusterTenants lists tenants that share the single cluster-wide connection.
var ClusterTenants = []string{CryptoTenantID, P2PTenantID, RestTenantID}

// IsClusterTenant reports whether tenantID is one of the cluster tenants.
func IsClusterTenant(tenantID string) bool {
	for _, t := range ClusterTenants {
		if t == tenantID {
			return true
		}
	}
	return false
}

// ================================================================================
// Key Category Constants
// ================================================================================

const (
	CategoryAccounts         = "ACCOUNTS"
	CategoryCI               = "CI"
	CategoryLedger           = "LEDGER"
	CategoryNotary           = "NOTARY"
	CategorySessionInit      = "SESSION_INIT"
	CategoryTLS              = "TLS"
	CategoryJWTKey           = "JWT_KEY"
	CategoryPreAuth          = "PRE_AUTH"
	CategoryEncryptionSecret = "ENCRYPTION_SECRET"
)

// AllCategories lists every category a signing key may be assigned to.
var AllCategories = []string{
	CategoryAccounts,
	CategoryCI,
	CategoryLedger,
	CategoryNotary,
	CategorySessionInit,
	CategoryTLS,
	CategoryJWTKey,
	CategoryPreAuth,
	CategoryEncryptionSecret,
}

// IsValidCategory reports whether category is a known key category.
func IsValidCategory(category string) bool {
	for _, c := range AllCategories {
		if c == category {
			return true
		}
	}
	return false
}

// ================================================================================
// Signature Scheme Constants
// ================================================================================

const (
	// SchemeECDSASecp256r1 is ECDSA over NIST P-256
	SchemeECDSASecp256r1 = "ECDSA_SECP256R1"

	// SchemeECDSASecp384r1 is ECDSA over NIST P-384
	SchemeECDSASecp384r1 = "ECDSA_SECP384R1"

	// SchemeRSA is RSA with a 3072 bit modulus
	SchemeRSA = "RSA"

	// SchemeEdDSAEd25519 is EdDSA over Curve25519
	SchemeEdDSAEd25519 = "EDDSA_ED25519"
)

// ================================================================================
// HSM Constants
// ================================================================================

const (
	// SoftHSMID is the id of the built-in software HSM configuration
	SoftHSMID = "SOFT"

	// SoftHSMServiceName names the software backend implementation
	SoftHSMServiceName = "SOFT"

	// VaultTransitServiceName names the Vault transit backend implementation
	VaultTransitServiceName = "VAULT_TRANSIT"

	// PKCS11ServiceName names the PKCS#11 token backend implementation
	PKCS11ServiceName = "PKCS11"
)

// MasterKeyPolicy controls which wrapping key protects a tenant's key material.
type MasterKeyPolicy string

const (
	// MasterKeyPolicyNone means the backend keeps private keys itself and wraps nothing
	MasterKeyPolicyNone MasterKeyPolicy = "NONE"

	// MasterKeyPolicyShared means the cluster shared wrapping key is used
	MasterKeyPolicyShared MasterKeyPolicy = "SHARED"

	// MasterKeyPolicyNew means a dedicated wrapping key is generated for the tenant
	MasterKeyPolicyNew MasterKeyPolicy = "NEW"
)

// KeyPolicy tells whether a backend stores wrapped material or aliases HSM-resident keys.
type KeyPolicy string

const (
	// KeyPolicyWrapped stores private key material wrapped in the signing key record
	KeyPolicyWrapped KeyPolicy = "WRAPPED"

	// KeyPolicyAliased keeps the private key inside the HSM under an alias, consuming a key slot
	KeyPolicyAliased KeyPolicy = "ALIASED"
)

// ================================================================================
// Wrapping Key Constants
// ================================================================================

const (
	// SharedWrappingKeyAlias is the wrapping key used by tenants with the SHARED policy
	SharedWrappingKeyAlias = "cluster-master"

	// WrappingAlgorithmAESGCM is the only wrapping algorithm currently produced
	WrappingAlgorithmAESGCM = "AES-256-GCM"

	// WrappingKeyEncodingVersion is the encoding version of wrapped wrapping keys
	WrappingKeyEncodingVersion = 1

	// PrivateKeyEncodingVersion is the encoding version of wrapped private keys (PKCS#8 in a BlobInfo)
	PrivateKeyEncodingVersion = 1

	// MasterKeyIterations is the PBKDF2 iteration count for master key derivation
	MasterKeyIterations = 65536

	// DevelopmentPassphrase is the unsafe fallback used when no passphrase is configured
	DevelopmentPassphrase = "development-only-passphrase"

	// DevelopmentSalt is the unsafe fallback used when no salt is configured
	DevelopmentSalt = "development-only-salt"
)

// ================================================================================
// Signing Key Constants
// ================================================================================

// KeyStatus represents the lifecycle status of a signing key
type KeyStatus string

const (
	// KeyStatusNormal indicates the key may be used for signing
	KeyStatusNormal KeyStatus = "NORMAL"

	// KeyStatusDestroyed indicates the key material has been destroyed
	KeyStatusDestroyed KeyStatus = "DESTROYED"
)

const (
	// KeyIDLookupLimit is the maximum number of ids accepted by a single batch lookup
	KeyIDLookupLimit = 20

	// ShortHashLength is the number of hex characters in a short key id
	ShortHashLength = 12

	// DefaultLookupTake is the page size used when a lookup does not specify one
	DefaultLookupTake = 20
)

// ================================================================================
// Cache and Retry Defaults
// ================================================================================

const (
	// ConnectionCacheDefaultTTL is how long an idle tenant connection is kept
	ConnectionCacheDefaultTTL = 10 * time.Minute

	// ConnectionCacheDefaultSize is the default maximum number of cached tenant connections
	ConnectionCacheDefaultSize = 100

	// SigningKeyCacheTTL is the L1 lifetime of signing key records
	SigningKeyCacheTTL = 5 * time.Minute

	// WrappingKeyCacheTTL is how long an unwrapped wrapping key stays in memory
	WrappingKeyCacheTTL = 1 * time.Minute

	// HSMConfigCacheTTL is how long a worker serves an HSM config before rereading it
	HSMConfigCacheTTL = 30 * time.Second

	// DefaultMaxAttempts is the default number of attempts made by the retrying executor
	DefaultMaxAttempts = 3

	// DefaultRetryWait is the default wait between two attempts
	DefaultRetryWait = 200 * time.Millisecond
)

// ================================================================================
// Logging Constants
// ================================================================================

// LogLevel represents the severity level of log messages
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// ================================================================================
// Context Keys
// ================================================================================

// ContextKey represents keys used in context.Context
type ContextKey string

const (
	// ContextKeyRequestID is the key for request ID in context
	ContextKeyRequestID ContextKey = "request_id"

	// ContextKeyTenantID is the key for tenant ID in context
	ContextKeyTenantID ContextKey = "tenant_id"

	// ContextKeyRequestType is the key for the processed request type in context
	ContextKeyRequestType ContextKey = "request_type"
)
