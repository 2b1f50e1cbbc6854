// Package errors defines the error taxonomy of the crypto worker.
// Every error that leaves a component is a CryptoError carrying a Kind, which the
// request processor uses to decide between retrying and failing the request.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ================================================================================
// Error Kinds
// ================================================================================

// Kind classifies an error for retry and reporting purposes.
type Kind string

const (
	// KindValidation covers bad input: duplicate alias, too many ids, unsupported scheme, unknown tenant
	KindValidation Kind = "validation"

	// KindNotFound covers absent keys, aliases and tenant associations
	KindNotFound Kind = "not_found"

	// KindTransient covers connectivity failures and lock contention; retried by the processor
	KindTransient Kind = "transient"

	// KindPermanentCrypto covers unwrap/decrypt failures and malformed key material; never retried
	KindPermanentCrypto Kind = "permanent_crypto"

	// KindUnknownRequest is returned for request variants the processor cannot route
	KindUnknownRequest Kind = "unknown_request"

	// KindIllegalState covers misuse of a component, e.g. a closed cache or an unknown HSM config
	KindIllegalState Kind = "illegal_state"

	// KindInternal covers everything that could not be classified
	KindInternal Kind = "internal"
)

// Code is a machine readable error code, finer grained than Kind.
type Code string

const (
	CodeDuplicateAlias      Code = "duplicate_alias"
	CodeTooManyIDs          Code = "too_many_ids"
	CodeUnsupportedScheme   Code = "unsupported_scheme"
	CodeUnsupportedSpec     Code = "unsupported_signature_spec"
	CodeInvalidArgument     Code = "invalid_argument"
	CodeUnknownTenant       Code = "unknown_tenant"
	CodeKeyNotFound         Code = "key_not_found"
	CodeAssociationNotFound Code = "association_not_found"
	CodeNotFound            Code = "not_found"
	CodeTransient           Code = "transient_failure"
	CodeUnwrapFailed        Code = "unwrap_failed"
	CodeCryptoFailure       Code = "crypto_failure"
	CodeUnknownRequest      Code = "unknown_request"
	CodeIllegalState        Code = "illegal_state"
	CodeInternal            Code = "internal_error"
)

// ================================================================================
// Base Error Interface
// ================================================================================

// CryptoError represents a structured error with additional metadata
type CryptoError interface {
	error

	// Kind returns the taxonomy bucket of the error
	Kind() Kind

	// Code returns the machine readable error code
	Code() Code

	// Description returns a human-readable description
	Description() string

	// Unwrap returns the underlying error for error chain support
	Unwrap() error

	// WithCause adds a cause error to the error chain
	WithCause(cause error) CryptoError

	// WithMetadata adds additional context metadata
	WithMetadata(key string, value interface{}) CryptoError

	// Metadata returns all metadata
	Metadata() map[string]interface{}
}

// ================================================================================
// Base Error Implementation
// ================================================================================

// baseError is the internal implementation of CryptoError
type baseError struct {
	kind        Kind
	code        Code
	description string
	message     string
	cause       error
	metadata    map[string]interface{}
}

// Error implements the error interface
func (e *baseError) Error() string {
	msg := e.message
	if msg == "" {
		msg = e.description
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *baseError) Kind() Kind          { return e.kind }
func (e *baseError) Code() Code          { return e.code }
func (e *baseError) Description() string { return e.description }
func (e *baseError) Unwrap() error       { return e.cause }

// WithCause adds a cause error to the error chain
func (e *baseError) WithCause(cause error) CryptoError {
	e.cause = cause
	return e
}

// WithMetadata adds additional context metadata
func (e *baseError) WithMetadata(key string, value interface{}) CryptoError {
	if e.metadata == nil {
		e.metadata = make(map[string]interface{})
	}
	e.metadata[key] = value
	return e
}

// Metadata returns all metadata
func (e *baseError) Metadata() map[string]interface{} {
	return e.metadata
}

// ================================================================================
// Error Constructor
// ================================================================================

// NewError creates a new CryptoError with the specified parameters
func NewError(kind Kind, code Code, description string, message string) CryptoError {
	return &baseError{
		kind:        kind,
		code:        code,
		description: description,
		message:     message,
		metadata:    make(map[string]interface{}),
	}
}

// ================================================================================
// Predefined Error Constructors
// ================================================================================

// ErrDuplicateAlias is returned when a tenant already owns a key with the alias
func ErrDuplicateAlias(tenantID, alias string) CryptoError {
	return NewError(KindValidation, CodeDuplicateAlias,
		"A signing key with the same alias already exists for the tenant.",
		fmt.Sprintf("alias %q already exists for tenant %s", alias, tenantID),
	).WithMetadata("tenant_id", tenantID).WithMetadata("alias", alias)
}

// ErrTooManyIDs is returned by batch lookups that exceed the per-call limit
func ErrTooManyIDs(got, limit int) CryptoError {
	return NewError(KindValidation, CodeTooManyIDs,
		"Too many ids were passed to a batch lookup.",
		fmt.Sprintf("tried to look up %d ids, the maximum per call is %d", got, limit),
	).WithMetadata("count", got).WithMetadata("limit", limit)
}

// ErrUnsupportedScheme is returned for unknown scheme code names or schemes a backend does not offer
func ErrUnsupportedScheme(scheme string) CryptoError {
	return NewError(KindValidation, CodeUnsupportedScheme,
		"The signature scheme is not supported.",
		fmt.Sprintf("unsupported signature scheme %q", scheme),
	).WithMetadata("scheme", scheme)
}

// ErrUnsupportedSpec is returned for a signature spec that does not fit the key scheme
func ErrUnsupportedSpec(spec, scheme string) CryptoError {
	return NewError(KindValidation, CodeUnsupportedSpec,
		"The signature spec cannot be used with the key scheme.",
		fmt.Sprintf("signature spec %q cannot be used with scheme %q", spec, scheme),
	).WithMetadata("spec", spec).WithMetadata("scheme", scheme)
}

// ErrInvalidArgument creates a generic validation error
func ErrInvalidArgument(message string) CryptoError {
	return NewError(KindValidation, CodeInvalidArgument, "The request contains an invalid argument.", message)
}

// ErrUnknownTenant is returned when no backing store is registered for a tenant
func ErrUnknownTenant(tenantID string) CryptoError {
	return NewError(KindValidation, CodeUnknownTenant,
		"No backing store is registered for the tenant.",
		fmt.Sprintf("unknown tenant %s", tenantID),
	).WithMetadata("tenant_id", tenantID)
}

// ErrKeyNotFound is returned when a tenant does not own the requested key
func ErrKeyNotFound(tenantID, ref string) CryptoError {
	return NewError(KindNotFound, CodeKeyNotFound,
		"The signing key was not found.",
		fmt.Sprintf("no signing key %s for tenant %s", ref, tenantID),
	).WithMetadata("tenant_id", tenantID).WithMetadata("key", ref)
}

// ErrAssociationNotFound is returned when a tenant has no HSM for a category
func ErrAssociationNotFound(tenantID, category string) CryptoError {
	return NewError(KindNotFound, CodeAssociationNotFound,
		"The tenant is not associated with an HSM for the category.",
		fmt.Sprintf("tenant %s has no HSM association for category %s", tenantID, category),
	).WithMetadata("tenant_id", tenantID).WithMetadata("category", category)
}

// ErrNotFound creates a generic not-found error
func ErrNotFound(message string) CryptoError {
	return NewError(KindNotFound, CodeNotFound, "The requested resource was not found.", message)
}

// ErrTransient wraps an infrastructure failure that may succeed when retried
func ErrTransient(message string, cause error) CryptoError {
	return NewError(KindTransient, CodeTransient,
		"A transient infrastructure failure occurred, the request can be retried.",
		message,
	).WithCause(cause)
}

// ErrUnwrapFailed is returned when wrapped key material cannot be decrypted or parsed
func ErrUnwrapFailed(message string, cause error) CryptoError {
	return NewError(KindPermanentCrypto, CodeUnwrapFailed,
		"Wrapped key material could not be decrypted or parsed.",
		message,
	).WithCause(cause)
}

// ErrCrypto creates a non-retryable cryptographic failure
func ErrCrypto(message string, cause error) CryptoError {
	return NewError(KindPermanentCrypto, CodeCryptoFailure, "A cryptographic operation failed.", message).WithCause(cause)
}

// ErrUnknownRequest is returned for request types the processor cannot handle
func ErrUnknownRequest(requestType string) CryptoError {
	return NewError(KindUnknownRequest, CodeUnknownRequest,
		"The request type is not recognized.",
		fmt.Sprintf("unknown request type %s", requestType),
	).WithMetadata("request_type", requestType)
}

// ErrIllegalState is returned when a component is used in a state that does not allow the call
func ErrIllegalState(message string) CryptoError {
	return NewError(KindIllegalState, CodeIllegalState, "The component is in an illegal state for the operation.", message)
}

// ErrInternal creates an unclassified internal error
func ErrInternal(message string, cause error) CryptoError {
	return NewError(KindInternal, CodeInternal, "An unexpected internal error occurred.", message).WithCause(cause)
}

// ================================================================================
// Error Validation Utilities
// ================================================================================

// AsCryptoError finds the first CryptoError in the error chain
func AsCryptoError(err error) (CryptoError, bool) {
	var cErr CryptoError
	if stderrors.As(err, &cErr) {
		return cErr, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal for unclassified errors
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if cErr, ok := AsCryptoError(err); ok {
		return cErr.Kind()
	}
	return KindInternal
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient checks if an error is transient and can be retried
func IsTransient(err error) bool {
	return Is(err, KindTransient)
}

// IsRetryable reports whether the caller may re-submit the request that produced err.
// Only transient infrastructure failures are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return Is(err, KindNotFound)
}

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool {
	return Is(err, KindValidation)
}

// Wrap prefixes the message of err while keeping its kind. Unclassified errors become internal.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	if cErr, ok := AsCryptoError(err); ok {
		return NewError(cErr.Kind(), cErr.Code(), cErr.Description(), message).WithCause(err)
	}
	return ErrInternal(message, err)
}
