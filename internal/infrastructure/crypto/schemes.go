package crypto

import (
	gocrypto "crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"sort"

	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/errors"
)

// Signature names.
const (
	SHA256withECDSA      = "SHA256withECDSA"
	SHA384withECDSA      = "SHA384withECDSA"
	SHA512withECDSA      = "SHA512withECDSA"
	NONEwithECDSA        = "NONEwithECDSA"
	SHA256withRSA        = "SHA256withRSA"
	SHA384withRSA        = "SHA384withRSA"
	SHA512withRSA        = "SHA512withRSA"
	SHA256withRSAandMGF1 = "SHA256withRSAandMGF1"
	NONEwithRSA          = "NONEwithRSA"
	EdDSA                = "EdDSA"
)

const rsaKeyBits = 3072

type keyFamily int

const (
	familyEC keyFamily = iota
	familyRSA
	familyEd25519
)

// specInfo describes how a signature name is computed.
type specInfo struct {
	family keyFamily
	// digest is the digest applied to the data, empty for EdDSA and the NONEwith family.
	digest string
	hash   gocrypto.Hash
	pss    bool
	// custom means the caller must supply CustomDigestName.
	custom bool
}

var signatureSpecs = map[string]specInfo{
	SHA256withECDSA:      {family: familyEC, digest: DigestSHA256, hash: gocrypto.SHA256},
	SHA384withECDSA:      {family: familyEC, digest: DigestSHA384, hash: gocrypto.SHA384},
	SHA512withECDSA:      {family: familyEC, digest: DigestSHA512, hash: gocrypto.SHA512},
	NONEwithECDSA:        {family: familyEC, custom: true},
	SHA256withRSA:        {family: familyRSA, digest: DigestSHA256, hash: gocrypto.SHA256},
	SHA384withRSA:        {family: familyRSA, digest: DigestSHA384, hash: gocrypto.SHA384},
	SHA512withRSA:        {family: familyRSA, digest: DigestSHA512, hash: gocrypto.SHA512},
	SHA256withRSAandMGF1: {family: familyRSA, digest: DigestSHA256, hash: gocrypto.SHA256, pss: true},
	NONEwithRSA:          {family: familyRSA, custom: true},
	EdDSA:                {family: familyEd25519},
}

// Scheme is a supported key scheme.
type Scheme struct {
	CodeName    string
	DefaultSpec models.SignatureSpec
	family      keyFamily
	curve       elliptic.Curve
}

var schemes = map[string]*Scheme{
	constants.SchemeECDSASecp256r1: {
		CodeName:    constants.SchemeECDSASecp256r1,
		DefaultSpec: models.SignatureSpec{SignatureName: SHA256withECDSA},
		family:      familyEC,
		curve:       elliptic.P256(),
	},
	constants.SchemeECDSASecp384r1: {
		CodeName:    constants.SchemeECDSASecp384r1,
		DefaultSpec: models.SignatureSpec{SignatureName: SHA384withECDSA},
		family:      familyEC,
		curve:       elliptic.P384(),
	},
	constants.SchemeRSA: {
		CodeName:    constants.SchemeRSA,
		DefaultSpec: models.SignatureSpec{SignatureName: SHA256withRSA},
		family:      familyRSA,
	},
	constants.SchemeEdDSAEd25519: {
		CodeName:    constants.SchemeEdDSAEd25519,
		DefaultSpec: models.SignatureSpec{SignatureName: EdDSA},
		family:      familyEd25519,
	},
}

// LookupScheme returns the scheme for a code name.
func LookupScheme(codeName string) (*Scheme, error) {
	s, ok := schemes[codeName]
	if !ok {
		return nil, errors.ErrUnsupportedScheme(codeName)
	}
	return s, nil
}

// SchemeCodeNames returns every supported scheme code name, sorted.
func SchemeCodeNames() []string {
	names := make([]string, 0, len(schemes))
	for name := range schemes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GenerateKey creates a new private key for the scheme.
func (s *Scheme) GenerateKey() (gocrypto.Signer, error) {
	switch s.family {
	case familyEC:
		return ecdsa.GenerateKey(s.curve, rand.Reader)
	case familyRSA:
		return rsa.GenerateKey(rand.Reader, rsaKeyBits)
	case familyEd25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	default:
		return nil, errors.ErrUnsupportedScheme(s.CodeName)
	}
}

// ResolveSpec returns the default spec when spec is zero, otherwise validates that spec can be
// used with keys of this scheme.
func (s *Scheme) ResolveSpec(spec models.SignatureSpec) (models.SignatureSpec, error) {
	if spec.IsZero() {
		return s.DefaultSpec, nil
	}
	info, ok := signatureSpecs[spec.SignatureName]
	if !ok || info.family != s.family {
		return models.SignatureSpec{}, errors.ErrUnsupportedSpec(spec.String(), s.CodeName)
	}
	if info.custom {
		if _, ok := digestHashes[spec.CustomDigestName]; !ok {
			return models.SignatureSpec{}, errors.ErrUnsupportedSpec(spec.String(), s.CodeName)
		}
	} else if spec.CustomDigestName != "" {
		return models.SignatureSpec{}, errors.ErrUnsupportedSpec(spec.String(), s.CodeName)
	}
	return spec, nil
}

// SchemeForPublicKey returns the scheme code name of a parsed public key.
func SchemeForPublicKey(pub gocrypto.PublicKey) (string, error) {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return constants.SchemeECDSASecp256r1, nil
		case elliptic.P384():
			return constants.SchemeECDSASecp384r1, nil
		}
		return "", errors.ErrUnsupportedScheme("ECDSA " + k.Curve.Params().Name)
	case *rsa.PublicKey:
		return constants.SchemeRSA, nil
	case ed25519.PublicKey:
		return constants.SchemeEdDSAEd25519, nil
	default:
		return "", errors.ErrUnsupportedScheme(fmt.Sprintf("%T", pub))
	}
}
