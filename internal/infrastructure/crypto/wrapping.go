// Package crypto implements the wrapping key hierarchy, the supported signature
// schemes and the software crypto backend.
package crypto

import (
	"context"
	gocrypto "crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"math/big"

	"github.com/awnumar/memguard"
	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"github.com/hashicorp/go-kms-wrapping/v2/aead"
	"golang.org/x/crypto/pbkdf2"
	"google.golang.org/protobuf/proto"

	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/errors"
	"github.com/turtacn/cryptod/pkg/logger"
)

const (
	wrappingKeySize = 32
	// MasterKeyAlias is the alias of the passphrase derived root of the hierarchy.
	MasterKeyAlias = "master"
)

// WrappingKey is a symmetric AES-256-GCM key able to wrap private keys and other wrapping keys.
// Wrapped values are protobuf encoded wrapping.BlobInfo messages.
type WrappingKey struct {
	alias     string
	algorithm string
	key       []byte
	wrapper   *aead.Wrapper
}

func newWrappingKey(ctx context.Context, alias string, key []byte) (*WrappingKey, error) {
	w := aead.NewWrapper()
	if _, err := w.SetConfig(ctx, wrapping.WithKeyId(alias)); err != nil {
		return nil, errors.ErrCrypto("failed to configure wrapping key "+alias, err)
	}
	if err := w.SetAesGcmKeyBytes(key); err != nil {
		return nil, errors.ErrCrypto("failed to set wrapping key bytes for "+alias, err)
	}
	return &WrappingKey{
		alias:     alias,
		algorithm: constants.WrappingAlgorithmAESGCM,
		key:       key,
		wrapper:   w,
	}, nil
}

// DeriveMasterKey derives the root wrapping key from a passphrase and salt with PBKDF2-SHA256.
// Blank inputs fall back to a fixed development passphrase or salt and log a warning each time.
func DeriveMasterKey(ctx context.Context, passphrase, salt string, log logger.Logger) (*WrappingKey, error) {
	if passphrase == "" {
		log.Warn(ctx, "No master key passphrase configured, using the development passphrase. Do not use this in production")
		passphrase = constants.DevelopmentPassphrase
	}
	if salt == "" {
		log.Warn(ctx, "No master key salt configured, using the development salt. Do not use this in production")
		salt = constants.DevelopmentSalt
	}
	key := pbkdf2.Key([]byte(passphrase), []byte(salt), constants.MasterKeyIterations, wrappingKeySize, sha256.New)
	return newWrappingKey(ctx, MasterKeyAlias, key)
}

// CreateWrappingKey generates a fresh random wrapping key.
func CreateWrappingKey(ctx context.Context, alias string) (*WrappingKey, error) {
	key := make([]byte, wrappingKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.ErrCrypto("failed to generate wrapping key", err)
	}
	return newWrappingKey(ctx, alias, key)
}

// Alias returns the alias of the key.
func (w *WrappingKey) Alias() string { return w.alias }

// Algorithm returns the name of the algorithm needed to unwrap what this key wraps.
func (w *WrappingKey) Algorithm() string { return w.algorithm }

// Wrap encrypts another wrapping key under w.
func (w *WrappingKey) Wrap(ctx context.Context, other *WrappingKey) ([]byte, error) {
	return w.encrypt(ctx, other.key)
}

// UnwrapWrappingKey decrypts a wrapping key previously produced by Wrap. algorithm is the
// stored algorithm name of the wrapped key.
func (w *WrappingKey) UnwrapWrappingKey(ctx context.Context, alias, algorithm string, wrapped []byte) (*WrappingKey, error) {
	if algorithm != constants.WrappingAlgorithmAESGCM {
		return nil, errors.ErrUnwrapFailed(fmt.Sprintf("unsupported wrapping algorithm %q for key %s", algorithm, alias), nil)
	}
	key, err := w.decrypt(ctx, wrapped)
	if err != nil {
		return nil, err
	}
	if len(key) != wrappingKeySize {
		memguard.WipeBytes(key)
		return nil, errors.ErrUnwrapFailed(fmt.Sprintf("wrapping key %s has invalid length %d", alias, len(key)), nil)
	}
	return newWrappingKey(ctx, alias, key)
}

// WrapPrivateKey encrypts a private key in its PKCS#8 encoding.
func (w *WrappingKey) WrapPrivateKey(ctx context.Context, key gocrypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, errors.ErrCrypto("failed to encode private key", err)
	}
	defer memguard.WipeBytes(der)
	return w.encrypt(ctx, der)
}

// UnwrapPrivateKey decrypts a private key produced by WrapPrivateKey. The concrete key type
// is recovered from the PKCS#8 algorithm identifier.
func (w *WrappingKey) UnwrapPrivateKey(ctx context.Context, wrapped []byte) (gocrypto.Signer, error) {
	der, err := w.decrypt(ctx, wrapped)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(der)

	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, errors.ErrUnwrapFailed("failed to parse unwrapped private key", err)
	}
	signer, ok := key.(gocrypto.Signer)
	if !ok {
		return nil, errors.ErrUnwrapFailed(fmt.Sprintf("unwrapped key of type %T cannot sign", key), nil)
	}
	return signer, nil
}

// Destroy wipes the raw key bytes. The key must not be wrapped by another key afterwards.
// The AES-GCM state held by the aead wrapper is not reachable from here and stays in
// memory until it is collected.
func (w *WrappingKey) Destroy() {
	memguard.WipeBytes(w.key)
}

// WipePrivateKey zeroes the secret values of a key returned by UnwrapPrivateKey or a
// scheme's GenerateKey. Copies kept inside the standard library key types are not wiped.
func WipePrivateKey(key gocrypto.PrivateKey) {
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		wipeInt(k.D)
	case *rsa.PrivateKey:
		wipeInt(k.D)
		for _, p := range k.Primes {
			wipeInt(p)
		}
		wipeInt(k.Precomputed.Dp)
		wipeInt(k.Precomputed.Dq)
		wipeInt(k.Precomputed.Qinv)
	case ed25519.PrivateKey:
		memguard.WipeBytes(k)
	case *ed25519.PrivateKey:
		memguard.WipeBytes(*k)
	}
}

func wipeInt(n *big.Int) {
	if n != nil {
		clear(n.Bits())
	}
}

func (w *WrappingKey) encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	blob, err := w.wrapper.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, errors.ErrCrypto("failed to wrap with "+w.alias, err)
	}
	out, err := proto.Marshal(blob)
	if err != nil {
		return nil, errors.ErrCrypto("failed to encode wrapped blob", err)
	}
	return out, nil
}

func (w *WrappingKey) decrypt(ctx context.Context, wrapped []byte) ([]byte, error) {
	blob := new(wrapping.BlobInfo)
	if err := proto.Unmarshal(wrapped, blob); err != nil {
		return nil, errors.ErrUnwrapFailed("malformed wrapped blob", err)
	}
	pt, err := w.wrapper.Decrypt(ctx, blob)
	if err != nil {
		return nil, errors.ErrUnwrapFailed("failed to unwrap with "+w.alias, err)
	}
	return pt, nil
}
