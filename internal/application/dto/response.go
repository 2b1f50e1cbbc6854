package dto

import (
	"github.com/turtacn/cryptod/internal/domain/models"
	"github.com/turtacn/cryptod/pkg/errors"
)

// Response is one of the response variants below.
type Response interface {
	// Context returns the response context.
	Context() ResponseContext
	isResponse()
}

// PublicKeyResponse carries the X.509 encoded public key of a generated key.
type PublicKeyResponse struct {
	Ctx       ResponseContext `json:"context"`
	PublicKey []byte          `json:"bytes"`
}

// SignatureResponse carries a signature and the public key that produced it.
type SignatureResponse struct {
	Ctx   ResponseContext `json:"context"`
	By    []byte          `json:"by"`
	Bytes []byte          `json:"bytes"`
}

// SigningKeysResponse carries the keys found by a lookup.
type SigningKeysResponse struct {
	Ctx  ResponseContext         `json:"context"`
	Keys []models.SigningKeyInfo `json:"keys"`
}

// PublicKeysResponse carries the public keys kept by FilterMyKeys.
type PublicKeysResponse struct {
	Ctx  ResponseContext `json:"context"`
	Keys [][]byte        `json:"keys"`
}

// SupportedSchemesResponse carries scheme code names.
type SupportedSchemesResponse struct {
	Ctx   ResponseContext `json:"context"`
	Codes []string        `json:"codes"`
}

// NoContentResponse acknowledges a request that returns nothing.
type NoContentResponse struct {
	Ctx ResponseContext `json:"context"`
}

// ErrorResponse reports a failed request. ErrorType is the error kind; Retryable tells
// the caller it may re-submit the request later.
// ErrorResponse 表示请求失败，Retryable 表示调用方可以稍后重试。
type ErrorResponse struct {
	Ctx          ResponseContext `json:"context"`
	ErrorType    string          `json:"errorType"`
	ErrorCode    string          `json:"errorCode,omitempty"`
	ErrorMessage string          `json:"errorMessage"`
	Retryable    bool            `json:"retryable"`
}

// NewErrorResponse converts err into an ErrorResponse.
func NewErrorResponse(ctx ResponseContext, err error) *ErrorResponse {
	resp := &ErrorResponse{
		Ctx:          ctx,
		ErrorType:    string(errors.KindOf(err)),
		ErrorMessage: err.Error(),
		Retryable:    errors.IsRetryable(err),
	}
	if cErr, ok := errors.AsCryptoError(err); ok {
		resp.ErrorCode = string(cErr.Code())
	}
	return resp
}

func (r *PublicKeyResponse) Context() ResponseContext        { return r.Ctx }
func (r *SignatureResponse) Context() ResponseContext        { return r.Ctx }
func (r *SigningKeysResponse) Context() ResponseContext      { return r.Ctx }
func (r *PublicKeysResponse) Context() ResponseContext       { return r.Ctx }
func (r *SupportedSchemesResponse) Context() ResponseContext { return r.Ctx }
func (r *NoContentResponse) Context() ResponseContext        { return r.Ctx }
func (r *ErrorResponse) Context() ResponseContext            { return r.Ctx }

func (*PublicKeyResponse) isResponse()        {}
func (*SignatureResponse) isResponse()        {}
func (*SigningKeysResponse) isResponse()      {}
func (*PublicKeysResponse) isResponse()       {}
func (*SupportedSchemesResponse) isResponse() {}
func (*NoContentResponse) isResponse()        {}
func (*ErrorResponse) isResponse()            {}
