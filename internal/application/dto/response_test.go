package dto

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/turtacn/cryptod/pkg/errors"
)

func TestRequestContext_Respond(t *testing.T) {
	req := RequestContext{
		TenantID:         "vnode-123",
		RequestID:        "req-1",
		RequestTimestamp: time.Unix(100, 0),
		Properties:       map[string]string{"origin": "flow"},
	}
	now := time.Unix(105, 0)
	resp := req.Respond(now)

	assert.Equal(t, "vnode-123", resp.TenantID)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, req.RequestTimestamp, resp.RequestTimestamp)
	assert.Equal(t, now, resp.ResponseTimestamp)
	assert.Equal(t, "flow", resp.Properties["origin"])
}

func TestNewErrorResponse(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		errorType string
		code      string
		retryable bool
	}{
		{"transient", errors.ErrTransient("db down", nil), "transient", "transient_failure", true},
		{"validation", errors.ErrTooManyIDs(21, 20), "validation", "too_many_ids", false},
		{"crypto", errors.ErrUnwrapFailed("bad tag", nil), "permanent_crypto", "unwrap_failed", false},
		{"unknown request", errors.ErrUnknownRequest("Bogus"), "unknown_request", "unknown_request", false},
		{"unclassified", stderrors.New("boom"), "internal", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := NewErrorResponse(ResponseContext{RequestID: "r"}, tt.err)
			assert.Equal(t, tt.errorType, resp.ErrorType)
			assert.Equal(t, tt.code, resp.ErrorCode)
			assert.Equal(t, tt.retryable, resp.Retryable)
			assert.Equal(t, tt.err.Error(), resp.ErrorMessage)
			assert.Equal(t, "r", resp.Context().RequestID)
		})
	}
}
