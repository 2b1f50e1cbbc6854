package kms

import (
	"context"
	gocrypto "crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	stderrors "errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/miekg/pkcs11"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	"github.com/turtacn/cryptod/internal/config"
	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/internal/domain/service"
	"github.com/turtacn/cryptod/internal/infrastructure/crypto"
	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/errors"
	"github.com/turtacn/cryptod/pkg/logger"
)

// PKCS#11 v3.0 EdDSA identifiers.
const (
	ckkECEdwards           = 0x00000040
	ckmECEdwardsKeyPairGen = 0x00001055
	ckmEdDSA               = 0x00001057
)

var (
	oidPublicKeyECDSA = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidCurveP256      = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	oidCurveP384      = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
	oidEd25519        = asn1.ObjectIdentifier{1, 3, 101, 112}
)

type tokenKeyType struct {
	keyType   uint
	mechanism uint
	curve     asn1.ObjectIdentifier // nil for RSA
}

var tokenKeyTypes = map[string]tokenKeyType{
	constants.SchemeECDSASecp256r1: {keyType: pkcs11.CKK_EC, mechanism: pkcs11.CKM_EC_KEY_PAIR_GEN, curve: oidCurveP256},
	constants.SchemeECDSASecp384r1: {keyType: pkcs11.CKK_EC, mechanism: pkcs11.CKM_EC_KEY_PAIR_GEN, curve: oidCurveP384},
	constants.SchemeRSA:            {keyType: pkcs11.CKK_RSA, mechanism: pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN},
	constants.SchemeEdDSAEd25519:   {keyType: ckkECEdwards, mechanism: ckmECEdwardsKeyPairGen, curve: oidEd25519},
}

const rsaModulusBits = 3072

// DigestInfo prefixes of PKCS #1 v1.5 signatures, see RFC 8017 section 9.2.
var digestInfoPrefixes = map[gocrypto.Hash][]byte{
	gocrypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
	gocrypto.SHA384: {0x30, 0x41, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x02, 0x05, 0x00, 0x04, 0x30},
	gocrypto.SHA512: {0x30, 0x51, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x03, 0x05, 0x00, 0x04, 0x40},
}

// PKCS11Backend keeps private keys on a PKCS#11 token, labelled with the HSM alias of the
// signing key. Calls are serialized over a single logged-in session which is reopened
// after the token drops it.
type PKCS11Backend struct {
	p       *pkcs11.Ctx
	slot    uint
	pin     string
	digests *crypto.DigestService
	logger  logger.Logger

	mu      sync.Mutex
	session pkcs11.SessionHandle
	open    bool
}

// NewPKCS11Backend loads the PKCS#11 module, opens a session on the configured slot and logs in.
func NewPKCS11Backend(cfg *config.PKCS11Config, log logger.Logger) (*PKCS11Backend, error) {
	p := pkcs11.New(cfg.Library)
	if p == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 library %s", cfg.Library)
	}
	if err := p.Initialize(); err != nil {
		p.Destroy()
		return nil, fmt.Errorf("failed to initialize PKCS#11 library: %w", err)
	}

	slots, err := p.GetSlotList(true)
	if err != nil {
		p.Finalize()
		p.Destroy()
		return nil, fmt.Errorf("failed to get slot list: %w", err)
	}
	if int(cfg.Slot) >= len(slots) {
		p.Finalize()
		p.Destroy()
		return nil, fmt.Errorf("slot %d is out of range, %d slots have a token", cfg.Slot, len(slots))
	}

	b := &PKCS11Backend{
		p:       p,
		slot:    slots[cfg.Slot],
		pin:     cfg.PIN,
		digests: crypto.NewDigestService(),
		logger:  log.WithComponent("PKCS11Backend"),
	}
	if err := b.openSession(); err != nil {
		p.Finalize()
		p.Destroy()
		return nil, err
	}
	return b, nil
}

func (b *PKCS11Backend) Name() string                   { return constants.PKCS11ServiceName }
func (b *PKCS11Backend) KeyPolicy() constants.KeyPolicy { return constants.KeyPolicyAliased }

func (b *PKCS11Backend) SupportedSchemes() []string {
	return crypto.SchemeCodeNames()
}

// openSession must be called with mu held or before the backend is shared.
func (b *PKCS11Backend) openSession() error {
	session, err := b.p.OpenSession(b.slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return classifyPKCS11Error("failed to open session", err)
	}
	if err := b.p.Login(session, pkcs11.CKU_USER, b.pin); err != nil && !isPKCS11Code(err, pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
		_ = b.p.CloseSession(session)
		return classifyPKCS11Error("failed to log in", err)
	}
	b.session = session
	b.open = true
	return nil
}

// withSession runs fn on the shared session, reopening it first when it was lost.
func (b *PKCS11Backend) withSession(ctx context.Context, fn func(pkcs11.SessionHandle) error) error {
	if err := ctx.Err(); err != nil {
		return errors.ErrTransient("pkcs11 call cancelled", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		if err := b.openSession(); err != nil {
			return err
		}
		b.logger.Info(ctx, "Reopened PKCS#11 session")
	}
	err := fn(b.session)
	if sessionLost(err) {
		b.open = false
	}
	return err
}

// GenerateKeyPair creates a non-extractable key pair labelled req.HSMAlias. A retry after a
// partial failure returns the key already created under that label.
func (b *PKCS11Backend) GenerateKeyPair(ctx context.Context, req service.GenerateKeyRequest) (*service.GeneratedKey, error) {
	kt, ok := tokenKeyTypes[req.SchemeCodeName]
	if !ok {
		return nil, errors.ErrUnsupportedScheme(req.SchemeCodeName)
	}
	if req.HSMAlias == "" {
		return nil, errors.ErrInvalidArgument("an HSM alias is required for PKCS#11 keys")
	}

	var pub []byte
	err := b.withSession(ctx, func(s pkcs11.SessionHandle) error {
		handle, found, err := b.findObject(s, pkcs11.CKO_PUBLIC_KEY, req.HSMAlias)
		if err != nil {
			return err
		}
		if !found {
			pubTemplate, privTemplate, err := keyTemplates(kt, req.HSMAlias)
			if err != nil {
				return err
			}
			handle, _, err = b.p.GenerateKeyPair(s, []*pkcs11.Mechanism{pkcs11.NewMechanism(kt.mechanism, nil)}, pubTemplate, privTemplate)
			if err != nil {
				return classifyPKCS11Error("failed to generate key pair", err)
			}
		}
		pub, err = b.publicKey(s, handle, kt)
		return err
	})
	if err != nil {
		return nil, err
	}
	b.logger.Debug(ctx, "Generated token key pair", logger.String("hsm_alias", req.HSMAlias), logger.String("scheme", req.SchemeCodeName))
	return &service.GeneratedKey{PublicKey: pub}, nil
}

// Sign signs req.Data with the private key labelled with the key's HSM alias.
func (b *PKCS11Backend) Sign(ctx context.Context, req service.SignRequest) ([]byte, error) {
	if req.Key.HSMAlias == nil {
		return nil, errors.ErrIllegalState("signing key " + req.Key.KeyID + " has no HSM alias")
	}
	kt, ok := tokenKeyTypes[req.Key.SchemeCodeName]
	if !ok {
		return nil, errors.ErrUnsupportedScheme(req.Key.SchemeCodeName)
	}
	input, hash, err := crypto.PrepareInput(b.digests, req.Spec, req.Data)
	if err != nil {
		return nil, err
	}
	mech, input, err := signMechanism(kt, req.Spec, hash, input)
	if err != nil {
		return nil, err
	}

	var sig []byte
	err = b.withSession(ctx, func(s pkcs11.SessionHandle) error {
		handle, found, err := b.findObject(s, pkcs11.CKO_PRIVATE_KEY, *req.Key.HSMAlias)
		if err != nil {
			return err
		}
		if !found {
			return errors.ErrNotFound("token key " + *req.Key.HSMAlias + " not found")
		}
		if err := b.p.SignInit(s, []*pkcs11.Mechanism{mech}, handle); err != nil {
			return classifyPKCS11Error("failed to initialize signing", err)
		}
		sig, err = b.p.Sign(s, input)
		if err != nil {
			return classifyPKCS11Error("failed to sign with token key", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if kt.keyType == pkcs11.CKK_EC {
		return ecdsaRawToASN1(sig)
	}
	return sig, nil
}

func (b *PKCS11Backend) findObject(s pkcs11.SessionHandle, class uint, label string) (pkcs11.ObjectHandle, bool, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}
	if err := b.p.FindObjectsInit(s, template); err != nil {
		return 0, false, classifyPKCS11Error("failed to search token objects", err)
	}
	handles, _, err := b.p.FindObjects(s, 1)
	if ferr := b.p.FindObjectsFinal(s); err == nil {
		err = ferr
	}
	if err != nil {
		return 0, false, classifyPKCS11Error("failed to search token objects", err)
	}
	if len(handles) == 0 {
		return 0, false, nil
	}
	return handles[0], true, nil
}

func (b *PKCS11Backend) publicKey(s pkcs11.SessionHandle, handle pkcs11.ObjectHandle, kt tokenKeyType) ([]byte, error) {
	if kt.keyType == pkcs11.CKK_RSA {
		attrs, err := b.p.GetAttributeValue(s, handle, []*pkcs11.Attribute{
			pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
			pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
		})
		if err != nil {
			return nil, classifyPKCS11Error("failed to read public key", err)
		}
		return rsaPublicKeyDER(attrs[0].Value, attrs[1].Value)
	}

	attrs, err := b.p.GetAttributeValue(s, handle, []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil)})
	if err != nil {
		return nil, classifyPKCS11Error("failed to read public key", err)
	}
	if kt.keyType == ckkECEdwards {
		return ed25519PublicKeyDER(attrs[0].Value)
	}
	return ecPublicKeyDER(kt.curve, attrs[0].Value)
}

// Ping checks that the session is usable, reopening it if the token dropped it.
func (b *PKCS11Backend) Ping(ctx context.Context) error {
	return b.withSession(ctx, func(s pkcs11.SessionHandle) error {
		if _, err := b.p.GetSessionInfo(s); err != nil {
			return classifyPKCS11Error("pkcs11 health check failed", err)
		}
		return nil
	})
}

// Close logs out and unloads the module.
func (b *PKCS11Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		_ = b.p.Logout(b.session)
		_ = b.p.CloseSession(b.session)
		b.open = false
	}
	_ = b.p.Finalize()
	b.p.Destroy()
}

func keyTemplates(kt tokenKeyType, label string) (pub, priv []*pkcs11.Attribute, err error) {
	pub = []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, kt.keyType),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_ID, []byte(label)),
	}
	if kt.curve != nil {
		params, err := asn1.Marshal(kt.curve)
		if err != nil {
			return nil, nil, errors.ErrCrypto("failed to encode curve parameters", err)
		}
		pub = append(pub, pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, params))
	} else {
		pub = append(pub,
			pkcs11.NewAttribute(pkcs11.CKA_MODULUS_BITS, rsaModulusBits),
			pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, []byte{0x01, 0x00, 0x01}),
		)
	}
	priv = []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, kt.keyType),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
		pkcs11.NewAttribute(pkcs11.CKA_ID, []byte(label)),
	}
	return pub, priv, nil
}

// signMechanism picks the raw token mechanism for a resolved signature spec and returns
// the bytes the token has to sign.
func signMechanism(kt tokenKeyType, spec models.SignatureSpec, hash gocrypto.Hash, input []byte) (*pkcs11.Mechanism, []byte, error) {
	switch kt.keyType {
	case pkcs11.CKK_EC:
		return pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil), input, nil
	case ckkECEdwards:
		return pkcs11.NewMechanism(ckmEdDSA, nil), input, nil
	case pkcs11.CKK_RSA:
		if spec.SignatureName == crypto.SHA256withRSAandMGF1 {
			params := pkcs11.NewPSSParams(pkcs11.CKM_SHA256, pkcs11.CKG_MGF1_SHA256, uint(gocrypto.SHA256.Size()))
			return pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_PSS, params), input, nil
		}
		encoded, err := pkcs1DigestInfo(hash, input)
		if err != nil {
			return nil, nil, err
		}
		return pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil), encoded, nil
	}
	return nil, nil, errors.ErrCrypto(fmt.Sprintf("unsupported token key type %#x", kt.keyType), nil)
}

// pkcs1DigestInfo prepends the DigestInfo header of hash. Hash 0 signs the digest as is.
func pkcs1DigestInfo(hash gocrypto.Hash, digest []byte) ([]byte, error) {
	if hash == 0 {
		return digest, nil
	}
	prefix, ok := digestInfoPrefixes[hash]
	if !ok {
		return nil, errors.ErrInvalidArgument(fmt.Sprintf("hash %s is not supported for PKCS#1 signatures", hash))
	}
	if len(digest) != hash.Size() {
		return nil, errors.ErrInvalidArgument(fmt.Sprintf("digest length %d does not match %s", len(digest), hash))
	}
	return append(append(make([]byte, 0, len(prefix)+len(digest)), prefix...), digest...), nil
}

// ecdsaRawToASN1 converts the r||s signature of CKM_ECDSA to the ASN.1 form.
func ecdsaRawToASN1(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, errors.ErrCrypto(fmt.Sprintf("invalid raw ECDSA signature length %d", len(raw)), nil)
	}
	half := len(raw) / 2
	r := new(big.Int).SetBytes(raw[:half])
	s := new(big.Int).SetBytes(raw[half:])

	var builder cryptobyte.Builder
	builder.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	sig, err := builder.Bytes()
	if err != nil {
		return nil, errors.ErrCrypto("failed to encode ECDSA signature", err)
	}
	return sig, nil
}

// unwrapECPoint strips the DER OCTET STRING some tokens wrap CKA_EC_POINT in.
func unwrapECPoint(value []byte) []byte {
	var point []byte
	if rest, err := asn1.Unmarshal(value, &point); err == nil && len(rest) == 0 {
		return point
	}
	return value
}

func ecPublicKeyDER(curve asn1.ObjectIdentifier, ecPoint []byte) ([]byte, error) {
	params, err := asn1.Marshal(curve)
	if err != nil {
		return nil, errors.ErrCrypto("failed to encode curve parameters", err)
	}
	point := unwrapECPoint(ecPoint)
	spki, err := asn1.Marshal(struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: oidPublicKeyECDSA, Parameters: asn1.RawValue{FullBytes: params}},
		PublicKey: asn1.BitString{Bytes: point, BitLength: 8 * len(point)},
	})
	if err != nil {
		return nil, errors.ErrCrypto("failed to encode EC public key", err)
	}
	pub, err := x509.ParsePKIXPublicKey(spki)
	if err != nil {
		return nil, errors.ErrCrypto("token returned an invalid EC point", err)
	}
	return crypto.MarshalPublicKey(pub)
}

func ed25519PublicKeyDER(ecPoint []byte) ([]byte, error) {
	point := unwrapECPoint(ecPoint)
	if len(point) != ed25519.PublicKeySize {
		return nil, errors.ErrCrypto(fmt.Sprintf("invalid Ed25519 public key length %d", len(point)), nil)
	}
	return crypto.MarshalPublicKey(ed25519.PublicKey(point))
}

func rsaPublicKeyDER(modulus, exponent []byte) ([]byte, error) {
	e := new(big.Int).SetBytes(exponent)
	if len(modulus) == 0 || !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, errors.ErrCrypto("token returned an invalid RSA public key", nil)
	}
	return crypto.MarshalPublicKey(&rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: int(e.Int64())})
}

func isPKCS11Code(err error, code uint) bool {
	var perr pkcs11.Error
	return stderrors.As(err, &perr) && uint(perr) == code
}

func sessionLost(err error) bool {
	for _, code := range []uint{
		pkcs11.CKR_SESSION_HANDLE_INVALID,
		pkcs11.CKR_SESSION_CLOSED,
		pkcs11.CKR_USER_NOT_LOGGED_IN,
		pkcs11.CKR_DEVICE_REMOVED,
		pkcs11.CKR_TOKEN_NOT_PRESENT,
	} {
		if isPKCS11Code(err, code) {
			return true
		}
	}
	return false
}

// classifyPKCS11Error maps device and session failures to transient errors.
func classifyPKCS11Error(message string, err error) error {
	if sessionLost(err) {
		return errors.ErrTransient(message, err)
	}
	for _, code := range []uint{
		pkcs11.CKR_DEVICE_ERROR,
		pkcs11.CKR_DEVICE_MEMORY,
		pkcs11.CKR_HOST_MEMORY,
		pkcs11.CKR_SESSION_COUNT,
		pkcs11.CKR_FUNCTION_CANCELED,
	} {
		if isPKCS11Code(err, code) {
			return errors.ErrTransient(message, err)
		}
	}
	return errors.ErrCrypto(message, err)
}

var _ service.CryptoBackend = (*PKCS11Backend)(nil)
