package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeValue(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value interface{}
		want  interface{}
	}{
		{"plain field", "tenant_id", "vnode-123", "vnode-123"},
		{"short secret", "alias_secret", "abc", "***"},
		{"long passphrase", "Passphrase", "correct-horse-battery", "corr***tery"},
		{"non string material", "key_material", []byte{1, 2, 3}, "***REDACTED***"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeValue(tt.key, tt.value))
		})
	}
}

func TestErrField(t *testing.T) {
	assert.Nil(t, Err(nil).Value)
	assert.Equal(t, "boom", Err(errors.New("boom")).Value)
}
