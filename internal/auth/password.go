package auth

import (
	"github.com/example/parking-es/internal/apperr"
	"golang.org/x/crypto/bcrypt"
)

// ErrPasswordTooShort carries the validation code so the HTTP layer maps it
// to 400.
var ErrPasswordTooShort = apperr.Validation("auth.hash_password", "password must be at least 8 characters")

const minPasswordLength = 8

// BcryptCost is a variable so tests can lower it.
var BcryptCost = 12

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", ErrPasswordTooShort
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

// CheckPassword compares a password with its hash
func CheckPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
