package crypto

import (
	gocrypto "crypto"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"sort"

	"golang.org/x/crypto/sha3"

	"github.com/turtacn/cryptod/internal/domain/service"
	"github.com/turtacn/cryptod/pkg/errors"
)

// Digest names.
const (
	DigestSHA256   = "SHA-256"
	DigestSHA384   = "SHA-384"
	DigestSHA512   = "SHA-512"
	DigestSHA3_256 = "SHA3-256"
	DigestSHA3_512 = "SHA3-512"
)

var digestHashes = map[string]gocrypto.Hash{
	DigestSHA256:   gocrypto.SHA256,
	DigestSHA384:   gocrypto.SHA384,
	DigestSHA512:   gocrypto.SHA512,
	DigestSHA3_256: gocrypto.SHA3_256,
	DigestSHA3_512: gocrypto.SHA3_512,
}

var digestFactories = map[string]func() hash.Hash{
	DigestSHA256:   sha256.New,
	DigestSHA384:   sha512.New384,
	DigestSHA512:   sha512.New,
	DigestSHA3_256: sha3.New256,
	DigestSHA3_512: sha3.New512,
}

// DigestService hashes data with named digest algorithms.
type DigestService struct{}

// NewDigestService creates a DigestService.
func NewDigestService() *DigestService {
	return &DigestService{}
}

// Digest hashes data with the named algorithm.
func (d *DigestService) Digest(algorithm string, data []byte) ([]byte, error) {
	factory, ok := digestFactories[algorithm]
	if !ok {
		return nil, errors.ErrInvalidArgument(fmt.Sprintf("unsupported digest algorithm %q", algorithm))
	}
	h := factory()
	h.Write(data)
	return h.Sum(nil), nil
}

// SupportedDigests returns the supported digest names, sorted.
func (d *DigestService) SupportedDigests() []string {
	names := make([]string, 0, len(digestFactories))
	for name := range digestFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ service.DigestService = (*DigestService)(nil)
