package crypto

import (
	gocrypto "crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"strings"

	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/errors"
)

const fullKeyIDPrefix = "SHA-256:"

// FullKeyID returns the full secure hash of a DER encoded public key.
func FullKeyID(publicKeyDER []byte) string {
	sum := sha256.Sum256(publicKeyDER)
	return fullKeyIDPrefix + strings.ToUpper(hex.EncodeToString(sum[:]))
}

// ShortKeyID returns the short hash derived from a full key id.
func ShortKeyID(fullKeyID string) string {
	h := strings.TrimPrefix(fullKeyID, fullKeyIDPrefix)
	if len(h) > constants.ShortHashLength {
		return h[:constants.ShortHashLength]
	}
	return h
}

// KeyIDs returns the short and full ids of a DER encoded public key.
func KeyIDs(publicKeyDER []byte) (shortID, fullID string) {
	fullID = FullKeyID(publicKeyDER)
	return ShortKeyID(fullID), fullID
}

// MarshalPublicKey returns the X.509 SubjectPublicKeyInfo DER encoding of pub.
func MarshalPublicKey(pub gocrypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, errors.ErrCrypto("failed to encode public key", err)
	}
	return der, nil
}

// ParsePublicKey parses an X.509 SubjectPublicKeyInfo DER encoding.
func ParsePublicKey(der []byte) (gocrypto.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, errors.ErrInvalidArgument("malformed public key: " + err.Error())
	}
	return pub, nil
}
