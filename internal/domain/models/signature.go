package models

// SignatureSpec names a signature algorithm. CustomDigestName is only meaningful for the
// NONEwith* family, where the data is pre-hashed with that digest before signing.
type SignatureSpec struct {
	SignatureName    string `json:"signatureName"`
	CustomDigestName string `json:"customDigestName,omitempty"`
}

// String returns the signature spec in "NAME" or "NAME/DIGEST" form.
func (s SignatureSpec) String() string {
	if s.CustomDigestName == "" {
		return s.SignatureName
	}
	return s.SignatureName + "/" + s.CustomDigestName
}

// IsZero reports whether no spec was given.
func (s SignatureSpec) IsZero() bool {
	return s.SignatureName == ""
}

// DigitalSignature is a signature together with the public key that produced it.
type DigitalSignature struct {
	// By is the X.509 SubjectPublicKeyInfo DER encoding of the signer.
	By    []byte `json:"by"`
	Bytes []byte `json:"bytes"`
}
