package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	assert.Equal(t, "reservation.create: already exists (invariant_violation)",
		Invariant("reservation.create", "already exists").Error())
	assert.Equal(t, "op (internal)", New(CodeInternal, "op", "", nil).Error())
	assert.Equal(t, "validation", New(CodeValidation, "", "", nil).Error())
}

func TestWrap_KeepsExistingCode(t *testing.T) {
	inner := Invariant("slot.occupy", "occupied")
	wrapped := Wrap(CodeStoreUnavailable, "command", fmt.Errorf("execute: %w", inner))

	assert.Equal(t, CodeInvariant, CodeOf(wrapped))
}

func TestWrap_Nil(t *testing.T) {
	assert.NoError(t, Wrap(CodeInternal, "op", nil))
}

func TestConflict_UnwrapsCause(t *testing.T) {
	sentinel := errors.New("version mismatch")
	err := Conflict("append", sentinel)

	assert.ErrorIs(t, err, sentinel)
	assert.True(t, Retryable(err))
	assert.False(t, IsRejection(err))
}

func TestIsRejection(t *testing.T) {
	assert.True(t, IsRejection(Validation("op", "missing id")))
	assert.True(t, IsRejection(NotFound("op", "no such reservation")))
	assert.False(t, IsRejection(Wrap(CodeStoreUnavailable, "op", errors.New("dial tcp"))))
	assert.False(t, IsRejection(errors.New("plain")))
}
