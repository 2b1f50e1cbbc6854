package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/cryptod/pkg/errors"
)

type inner struct {
	TenantID string `json:"tenantId" validate:"notblank"`
}

type outer struct {
	Ctx   inner  `json:"context"`
	Alias string `json:"alias" validate:"required"`
	Take  int    `json:"take" validate:"min=0"`
}

func TestValidateStruct(t *testing.T) {
	assert.NoError(t, ValidateStruct(outer{Ctx: inner{TenantID: "vnode-123"}, Alias: "a"}))

	err := ValidateStruct(outer{Ctx: inner{TenantID: " "}, Take: -1})
	require.Error(t, err)
	cErr, ok := errors.AsCryptoError(err)
	require.True(t, ok)
	assert.Equal(t, errors.KindValidation, cErr.Kind())
	assert.Equal(t, errors.CodeInvalidArgument, cErr.Code())
	assert.Contains(t, err.Error(), "context.tenantId must not be blank")
	assert.Contains(t, err.Error(), "alias is required")
	assert.Contains(t, err.Error(), "take must be at least 0")
}

func TestValidateStruct_NotAStruct(t *testing.T) {
	err := ValidateStruct("nope")
	assert.True(t, errors.IsValidation(err))
}
