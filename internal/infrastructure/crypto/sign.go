package crypto

import (
	gocrypto "crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"fmt"

	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/pkg/errors"
)

// PrepareInput returns what the private key operation consumes for spec: the digest of data,
// or data itself for EdDSA. hash is the digest identity for RSA padding, zero for NONEwithRSA.
func PrepareInput(digests *DigestService, spec models.SignatureSpec, data []byte) (input []byte, hash gocrypto.Hash, err error) {
	info, ok := signatureSpecs[spec.SignatureName]
	if !ok {
		return nil, 0, errors.ErrInvalidArgument(fmt.Sprintf("unsupported signature spec %q", spec.String()))
	}
	switch {
	case info.family == familyEd25519:
		return data, 0, nil
	case info.custom:
		input, err = digests.Digest(spec.CustomDigestName, data)
		return input, 0, err
	default:
		input, err = digests.Digest(info.digest, data)
		return input, info.hash, err
	}
}

// Sign signs data with key according to spec. spec must already be resolved against the key scheme.
func Sign(digests *DigestService, key gocrypto.Signer, spec models.SignatureSpec, data []byte) ([]byte, error) {
	info, ok := signatureSpecs[spec.SignatureName]
	if !ok {
		return nil, errors.ErrInvalidArgument(fmt.Sprintf("unsupported signature spec %q", spec.String()))
	}
	input, hash, err := PrepareInput(digests, spec, data)
	if err != nil {
		return nil, err
	}

	var sig []byte
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		if info.family != familyEC {
			return nil, errors.ErrUnsupportedSpec(spec.String(), "ECDSA")
		}
		sig, err = ecdsa.SignASN1(rand.Reader, k, input)
	case *rsa.PrivateKey:
		if info.family != familyRSA {
			return nil, errors.ErrUnsupportedSpec(spec.String(), "RSA")
		}
		if info.pss {
			sig, err = rsa.SignPSS(rand.Reader, k, hash, input, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
		} else {
			sig, err = rsa.SignPKCS1v15(rand.Reader, k, hash, input)
		}
	case ed25519.PrivateKey:
		if info.family != familyEd25519 {
			return nil, errors.ErrUnsupportedSpec(spec.String(), "EdDSA")
		}
		sig = ed25519.Sign(k, input)
	default:
		return nil, errors.ErrCrypto(fmt.Sprintf("unsupported private key type %T", key), nil)
	}
	if err != nil {
		return nil, errors.ErrCrypto("failed to sign with "+spec.String(), err)
	}
	return sig, nil
}
