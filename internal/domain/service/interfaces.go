// Package service defines the interfaces for domain services.
package service

import (
	"context"

	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/pkg/constants"
)

// CryptoBackend defines the physical key operations of one HSM service, abstracting the underlying
// hardware or service (software wrapping, Vault transit, ...).
// CryptoBackend 定义了某一 HSM 服务的物理密钥操作接口，抽象了底层硬件或服务。
//
//go:generate mockery --name CryptoBackend --output mocks --outpkg mocks
type CryptoBackend interface {
	// Name returns the service name HSM configs refer to.
	// Name 返回 HSM 配置所引用的服务名称。
	Name() string

	// KeyPolicy tells whether generated keys are wrapped into the record or stay inside the HSM.
	KeyPolicy() constants.KeyPolicy

	// SupportedSchemes returns the scheme code names the backend can generate and sign with.
	// SupportedSchemes 返回后端支持的签名方案代码名称。
	SupportedSchemes() []string

	// GenerateKeyPair creates a new key pair. For WRAPPED backends the private key is returned
	// wrapped by req.MasterKeyAlias; for ALIASED backends it is kept under req.HSMAlias.
	// GenerateKeyPair 创建新的密钥对。
	GenerateKeyPair(ctx context.Context, req GenerateKeyRequest) (*GeneratedKey, error)

	// Sign signs req.Data with the private key of req.Key.
	// Sign 使用 req.Key 的私钥对数据进行签名。
	Sign(ctx context.Context, req SignRequest) ([]byte, error)
}

// GenerateKeyRequest is the input of CryptoBackend.GenerateKeyPair.
type GenerateKeyRequest struct {
	TenantID       string
	SchemeCodeName string
	// HSMAlias names the key inside the HSM, ALIASED backends only.
	HSMAlias string
	// MasterKeyAlias names the wrapping key, WRAPPED backends only.
	MasterKeyAlias string
}

// GeneratedKey is the output of CryptoBackend.GenerateKeyPair.
type GeneratedKey struct {
	// PublicKey is the X.509 SubjectPublicKeyInfo DER encoding.
	PublicKey []byte
	// KeyMaterial is the wrapped private key, nil for ALIASED backends.
	KeyMaterial     []byte
	EncodingVersion int
}

// SignRequest is the input of CryptoBackend.Sign.
type SignRequest struct {
	TenantID string
	Key      *models.SigningKey
	Spec     models.SignatureSpec
	Data     []byte
}

// WrappingKeyManager creates tenant wrapping keys on backends that wrap key material.
type WrappingKeyManager interface {
	// EnsureWrappingKey creates the wrapping key alias unless it already exists.
	EnsureWrappingKey(ctx context.Context, alias string) error
}

// DigestService hashes data with a named digest algorithm ("SHA-256", "SHA3-256", ...).
type DigestService interface {
	Digest(algorithm string, data []byte) ([]byte, error)
	SupportedDigests() []string
}

// SignatureVerificationService checks signatures produced by this service or by others.
// SignatureVerificationService 校验签名。
type SignatureVerificationService interface {
	// Verify returns nil when signature is valid for (publicKey, spec, data).
	Verify(publicKey []byte, spec models.SignatureSpec, signature, data []byte) error
}

// KeyEventPublisher publishes key lifecycle events for audit.
//
//go:generate mockery --name KeyEventPublisher --output mocks --outpkg mocks
type KeyEventPublisher interface {
	Publish(ctx context.Context, event *models.KeyEvent) error
	Close() error
}

// SigningKeyCache is a cross-process cache of signing key records keyed by short key id.
// Implementations never hold unwrapped key material.
type SigningKeyCache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, tenantID, keyID string) (*models.SigningKey, error)
	Set(ctx context.Context, key *models.SigningKey) error
}
