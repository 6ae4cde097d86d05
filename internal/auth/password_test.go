package auth

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/parking-es/internal/apperr"
)

func TestMain(m *testing.M) {
	BcryptCost = bcrypt.MinCost
	os.Exit(m.Run())
}

// ============================================
// Password Tests
// ============================================

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)

	assert.True(t, CheckPassword("correct horse", hash))
	assert.False(t, CheckPassword("correct horse ", hash))
	assert.False(t, CheckPassword("", hash))

	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	assert.Equal(t, bcrypt.MinCost, cost)
}

func TestHashPassword_Salted(t *testing.T) {
	first, err := HashPassword("parking123")
	require.NoError(t, err)
	second, err := HashPassword("parking123")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, CheckPassword("parking123", second))
}

func TestHashPassword_TooShort(t *testing.T) {
	for _, pw := range []string{"", "a", "1234567"} {
		hash, err := HashPassword(pw)
		assert.ErrorIs(t, err, ErrPasswordTooShort)
		assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
		assert.Empty(t, hash)
	}
}

func TestCheckPassword_MalformedHash(t *testing.T) {
	assert.False(t, CheckPassword("parking123", "not-a-bcrypt-hash"))
}
