// Package kms implements HSM backends that keep private keys outside the crypto worker.
package kms

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	stderrors "errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	vault "github.com/hashicorp/vault/api"

	"github.com/turtacn/cryptod/internal/config"
	"github.com/turtacn/cryptod/internal/domain/service"
	"github.com/turtacn/cryptod/internal/infrastructure/crypto"
	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/errors"
	"github.com/turtacn/cryptod/pkg/logger"
)

var transitKeyTypes = map[string]string{
	constants.SchemeECDSASecp256r1: "ecdsa-p256",
	constants.SchemeECDSASecp384r1: "ecdsa-p384",
	constants.SchemeRSA:            "rsa-3072",
	constants.SchemeEdDSAEd25519:   "ed25519",
}

var transitHashes = map[string]string{
	crypto.DigestSHA256:   "sha2-256",
	crypto.DigestSHA384:   "sha2-384",
	crypto.DigestSHA512:   "sha2-512",
	crypto.DigestSHA3_256: "sha3-256",
	crypto.DigestSHA3_512: "sha3-512",
}

// VaultTransitBackend keeps private keys inside a Vault transit engine under the HSM alias
// of the signing key. Only public keys and signatures leave Vault.
type VaultTransitBackend struct {
	client    *vault.Client
	mountPath string
	logger    logger.Logger
}

// NewVaultClient creates a Vault client without client side retries; retries belong to the
// request processor.
func NewVaultClient(cfg *config.VaultConfig) (*vault.Client, error) {
	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = cfg.Address
	vaultConfig.MaxRetries = 0
	if cfg.Timeout > 0 {
		vaultConfig.Timeout = cfg.Timeout
	}

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	return client, nil
}

// NewVaultTransitBackend creates a new VaultTransitBackend.
func NewVaultTransitBackend(client *vault.Client, mountPath string, log logger.Logger) *VaultTransitBackend {
	if mountPath == "" {
		mountPath = "transit"
	}
	return &VaultTransitBackend{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		logger:    log.WithComponent("VaultTransitBackend"),
	}
}

func (b *VaultTransitBackend) Name() string                   { return constants.VaultTransitServiceName }
func (b *VaultTransitBackend) KeyPolicy() constants.KeyPolicy { return constants.KeyPolicyAliased }

func (b *VaultTransitBackend) SupportedSchemes() []string {
	return crypto.SchemeCodeNames()
}

// GenerateKeyPair creates a non-exportable transit key named req.HSMAlias.
func (b *VaultTransitBackend) GenerateKeyPair(ctx context.Context, req service.GenerateKeyRequest) (*service.GeneratedKey, error) {
	keyType, ok := transitKeyTypes[req.SchemeCodeName]
	if !ok {
		return nil, errors.ErrUnsupportedScheme(req.SchemeCodeName)
	}
	if req.HSMAlias == "" {
		return nil, errors.ErrInvalidArgument("an HSM alias is required for vault transit keys")
	}

	keyPath := path.Join(b.mountPath, "keys", req.HSMAlias)
	if _, err := b.client.Logical().WriteWithContext(ctx, keyPath, map[string]interface{}{
		"type":       keyType,
		"exportable": false,
	}); err != nil {
		return nil, classifyVaultError("failed to create transit key", err)
	}

	pub, err := b.publicKey(ctx, req.HSMAlias)
	if err != nil {
		return nil, err
	}
	b.logger.Debug(ctx, "Created transit key", logger.String("hsm_alias", req.HSMAlias), logger.String("type", keyType))
	return &service.GeneratedKey{PublicKey: pub}, nil
}

// Sign signs req.Data inside Vault.
func (b *VaultTransitBackend) Sign(ctx context.Context, req service.SignRequest) ([]byte, error) {
	if req.Key.HSMAlias == nil {
		return nil, errors.ErrIllegalState("signing key " + req.Key.KeyID + " has no HSM alias")
	}

	body := map[string]interface{}{"marshaling_algorithm": "asn1"}
	hashAlgorithm := ""
	input := req.Data

	switch req.Spec.SignatureName {
	case crypto.EdDSA:
	case crypto.NONEwithECDSA, crypto.NONEwithRSA:
		digest, err := crypto.NewDigestService().Digest(req.Spec.CustomDigestName, req.Data)
		if err != nil {
			return nil, err
		}
		input = digest
		body["prehashed"] = true
		hashAlgorithm = transitHashes[req.Spec.CustomDigestName]
		if req.Spec.SignatureName == crypto.NONEwithRSA {
			hashAlgorithm = "none"
			body["signature_algorithm"] = "pkcs1v15"
		}
	case crypto.SHA256withRSAandMGF1:
		hashAlgorithm = "sha2-256"
		body["signature_algorithm"] = "pss"
		body["salt_length"] = "hash"
	default:
		h, err := specHash(req.Spec.SignatureName)
		if err != nil {
			return nil, err
		}
		hashAlgorithm = h
		if strings.HasSuffix(req.Spec.SignatureName, "withRSA") {
			body["signature_algorithm"] = "pkcs1v15"
		}
	}
	body["input"] = base64.StdEncoding.EncodeToString(input)

	signPath := path.Join(b.mountPath, "sign", *req.Key.HSMAlias)
	if hashAlgorithm != "" {
		signPath = path.Join(signPath, hashAlgorithm)
	}
	secret, err := b.client.Logical().WriteWithContext(ctx, signPath, body)
	if err != nil {
		return nil, classifyVaultError("failed to sign with transit key", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, errors.ErrCrypto("empty sign response from vault", nil)
	}
	encoded, ok := secret.Data["signature"].(string)
	if !ok {
		return nil, errors.ErrCrypto("sign response has no signature", nil)
	}
	return decodeTransitSignature(encoded)
}

func (b *VaultTransitBackend) publicKey(ctx context.Context, name string) ([]byte, error) {
	secret, err := b.client.Logical().ReadWithContext(ctx, path.Join(b.mountPath, "keys", name))
	if err != nil {
		return nil, classifyVaultError("failed to read transit key", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, errors.ErrNotFound("transit key " + name + " not found")
	}
	keys, ok := secret.Data["keys"].(map[string]interface{})
	if !ok {
		return nil, errors.ErrCrypto("invalid transit key format", nil)
	}
	version, ok := keys["1"].(map[string]interface{})
	if !ok {
		return nil, errors.ErrCrypto("transit key has no version 1", nil)
	}
	encoded, ok := version["public_key"].(string)
	if !ok || encoded == "" {
		return nil, errors.ErrCrypto("transit key has no public key", nil)
	}

	// ECDSA and RSA keys are PEM encoded, ed25519 keys are base64 of the raw key.
	if block, _ := pem.Decode([]byte(encoded)); block != nil {
		if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
			return nil, errors.ErrCrypto("failed to parse transit public key", err)
		}
		return block.Bytes, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, errors.ErrCrypto("failed to decode transit public key", err)
	}
	return crypto.MarshalPublicKey(ed25519.PublicKey(raw))
}

func specHash(signatureName string) (string, error) {
	switch {
	case strings.HasPrefix(signatureName, "SHA256with"):
		return "sha2-256", nil
	case strings.HasPrefix(signatureName, "SHA384with"):
		return "sha2-384", nil
	case strings.HasPrefix(signatureName, "SHA512with"):
		return "sha2-512", nil
	}
	return "", errors.ErrInvalidArgument(fmt.Sprintf("signature spec %q is not supported by vault transit", signatureName))
}

// decodeTransitSignature strips the "vault:v<N>:" prefix.
func decodeTransitSignature(s string) ([]byte, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] != "vault" {
		return nil, errors.ErrCrypto("unexpected transit signature format", nil)
	}
	sig, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, errors.ErrCrypto("failed to decode transit signature", err)
	}
	return sig, nil
}

// Ping checks that Vault is reachable and unsealed.
func (b *VaultTransitBackend) Ping(ctx context.Context) error {
	health, err := b.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return classifyVaultError("vault health check failed", err)
	}
	if health.Sealed {
		return errors.ErrTransient("vault is sealed", nil)
	}
	return nil
}

// classifyVaultError maps server side and connectivity failures to transient errors.
func classifyVaultError(message string, err error) error {
	var respErr *vault.ResponseError
	if stderrors.As(err, &respErr) {
		switch {
		case respErr.StatusCode >= http.StatusInternalServerError, respErr.StatusCode == http.StatusTooManyRequests:
			return errors.ErrTransient(message, err)
		case respErr.StatusCode == http.StatusNotFound:
			return errors.ErrNotFound(message + ": " + err.Error())
		default:
			return errors.ErrCrypto(message, err)
		}
	}
	// no response at all: connection refused, timeout, TLS failure
	return errors.ErrTransient(message, err)
}

var _ service.CryptoBackend = (*VaultTransitBackend)(nil)
