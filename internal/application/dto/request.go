package dto

import "github.com/turtacn/cryptod/internal/domain/models"

// Request is one of the request variants below. The set is closed: only types of
// this package implement it.
type Request interface {
	// RequestType names the variant in metrics, spans and logs.
	RequestType() string
	// Context returns the request context.
	Context() RequestContext
	isRequest()
}

// GenerateKeyPairRequest asks for a new key in a category.
type GenerateKeyPairRequest struct {
	Ctx      RequestContext `json:"context"`
	Category string         `json:"category"`
	Alias    *string        `json:"alias,omitempty"`
	Scheme   string         `json:"scheme"`
}

// GenerateFreshKeyRequest asks for a new LEDGER key without a caller chosen alias.
type GenerateFreshKeyRequest struct {
	Ctx        RequestContext `json:"context"`
	ExternalID *string        `json:"externalId,omitempty"`
	Scheme     string         `json:"scheme"`
}

// SignRequest signs Data with the key of PublicKey under the default spec of its scheme.
type SignRequest struct {
	Ctx       RequestContext `json:"context"`
	PublicKey []byte         `json:"publicKey" validate:"required"`
	Data      []byte         `json:"data"`
}

// SignWithSpecRequest signs Data with the key of PublicKey under Spec.
type SignWithSpecRequest struct {
	Ctx       RequestContext       `json:"context"`
	PublicKey []byte               `json:"publicKey" validate:"required"`
	Spec      models.SignatureSpec `json:"spec"`
	Data      []byte               `json:"data"`
}

// SignWithAliasRequest signs Data with the key named Alias under the default spec of its scheme.
type SignWithAliasRequest struct {
	Ctx   RequestContext `json:"context"`
	Alias string         `json:"alias" validate:"notblank"`
	Data  []byte         `json:"data"`
}

// SignWithAliasSpecRequest signs Data with the key named Alias under Spec.
type SignWithAliasSpecRequest struct {
	Ctx   RequestContext       `json:"context"`
	Alias string               `json:"alias" validate:"notblank"`
	Spec  models.SignatureSpec `json:"spec"`
	Data  []byte               `json:"data"`
}

// FilterMyKeysRequest returns the candidates owned by the tenant.
type FilterMyKeysRequest struct {
	Ctx           RequestContext `json:"context"`
	CandidateKeys [][]byte       `json:"candidateKeys"`
}

// LookupByIDsRequest looks keys up by short id.
type LookupByIDsRequest struct {
	Ctx RequestContext `json:"context"`
	IDs []string       `json:"ids"`
}

// LookupByFullIDsRequest looks keys up by full id.
type LookupByFullIDsRequest struct {
	Ctx     RequestContext `json:"context"`
	FullIDs []string       `json:"fullIds"`
}

// LookupRequest pages through the tenant's keys matching Filter.
type LookupRequest struct {
	Ctx     RequestContext    `json:"context"`
	Skip    int               `json:"skip" validate:"min=0"`
	Take    int               `json:"take" validate:"min=0"`
	OrderBy string            `json:"orderBy,omitempty"`
	Filter  map[string]string `json:"filter,omitempty"`
}

// SupportedSchemesRequest lists the schemes available for a category.
type SupportedSchemesRequest struct {
	Ctx      RequestContext `json:"context"`
	Category string         `json:"category"`
}

func (r GenerateKeyPairRequest) RequestType() string   { return "GenerateKeyPair" }
func (r GenerateFreshKeyRequest) RequestType() string  { return "GenerateFreshKey" }
func (r SignRequest) RequestType() string              { return "Sign" }
func (r SignWithSpecRequest) RequestType() string      { return "SignWithSpec" }
func (r SignWithAliasRequest) RequestType() string     { return "SignWithAlias" }
func (r SignWithAliasSpecRequest) RequestType() string { return "SignWithAliasSpec" }
func (r FilterMyKeysRequest) RequestType() string      { return "FilterMyKeys" }
func (r LookupByIDsRequest) RequestType() string       { return "LookupByIds" }
func (r LookupByFullIDsRequest) RequestType() string   { return "LookupByFullIds" }
func (r LookupRequest) RequestType() string            { return "Lookup" }
func (r SupportedSchemesRequest) RequestType() string  { return "SupportedSchemes" }

func (r GenerateKeyPairRequest) Context() RequestContext   { return r.Ctx }
func (r GenerateFreshKeyRequest) Context() RequestContext  { return r.Ctx }
func (r SignRequest) Context() RequestContext              { return r.Ctx }
func (r SignWithSpecRequest) Context() RequestContext      { return r.Ctx }
func (r SignWithAliasRequest) Context() RequestContext     { return r.Ctx }
func (r SignWithAliasSpecRequest) Context() RequestContext { return r.Ctx }
func (r FilterMyKeysRequest) Context() RequestContext      { return r.Ctx }
func (r LookupByIDsRequest) Context() RequestContext       { return r.Ctx }
func (r LookupByFullIDsRequest) Context() RequestContext   { return r.Ctx }
func (r LookupRequest) Context() RequestContext            { return r.Ctx }
func (r SupportedSchemesRequest) Context() RequestContext  { return r.Ctx }

func (GenerateKeyPairRequest) isRequest()   {}
func (GenerateFreshKeyRequest) isRequest()  {}
func (SignRequest) isRequest()              {}
func (SignWithSpecRequest) isRequest()      {}
func (SignWithAliasRequest) isRequest()     {}
func (SignWithAliasSpecRequest) isRequest() {}
func (FilterMyKeysRequest) isRequest()      {}
func (LookupByIDsRequest) isRequest()       {}
func (LookupByFullIDsRequest) isRequest()   {}
func (LookupRequest) isRequest()            {}
func (SupportedSchemesRequest) isRequest()  {}
