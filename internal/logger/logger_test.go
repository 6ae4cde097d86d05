package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeKVs_RedactsCredentials(t *testing.T) {
	out := sanitizeKVs([]interface{}{"password_hash", "x", "aggregate_id", "r-1", "access_token", "y"})

	assert.Equal(t, []interface{}{"password_hash", "[REDACTED]", "aggregate_id", "r-1", "access_token", "[REDACTED]"}, out)
}

func TestSanitizeKVs_OddLength(t *testing.T) {
	out := sanitizeKVs([]interface{}{"component", "store", "dangling"})

	assert.Equal(t, []interface{}{"component", "store", "dangling"}, out)
}

func TestNew_Modes(t *testing.T) {
	for _, mode := range []string{"production", "development", ""} {
		l, err := New(mode)
		assert.NoError(t, err)
		assert.NotNil(t, l.With("component", "test"))
	}
}
