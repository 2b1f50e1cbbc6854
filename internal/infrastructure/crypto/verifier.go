package crypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"

	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/internal/domain/service"
	"github.com/turtacn/cryptod/pkg/errors"
)

// SignatureVerifier verifies signatures for every supported scheme.
type SignatureVerifier struct {
	digests *DigestService
}

// NewSignatureVerifier creates a SignatureVerifier.
func NewSignatureVerifier(digests *DigestService) *SignatureVerifier {
	return &SignatureVerifier{digests: digests}
}

// Verify returns nil when signature is a valid signature of data by publicKey under spec.
// A zero spec means the default spec of the key scheme.
func (v *SignatureVerifier) Verify(publicKey []byte, spec models.SignatureSpec, signature, data []byte) error {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return err
	}
	schemeName, err := SchemeForPublicKey(pub)
	if err != nil {
		return err
	}
	scheme, err := LookupScheme(schemeName)
	if err != nil {
		return err
	}
	if spec, err = scheme.ResolveSpec(spec); err != nil {
		return err
	}
	input, hash, err := PrepareInput(v.digests, spec, data)
	if err != nil {
		return err
	}

	valid := false
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		valid = ecdsa.VerifyASN1(k, input, signature)
	case *rsa.PublicKey:
		if signatureSpecs[spec.SignatureName].pss {
			valid = rsa.VerifyPSS(k, hash, input, signature, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}) == nil
		} else {
			valid = rsa.VerifyPKCS1v15(k, hash, input, signature) == nil
		}
	case ed25519.PublicKey:
		valid = ed25519.Verify(k, input, signature)
	}
	if !valid {
		return errors.ErrCrypto(fmt.Sprintf("signature verification failed for %s", spec.String()), nil)
	}
	return nil
}

var _ service.SignatureVerificationService = (*SignatureVerifier)(nil)
