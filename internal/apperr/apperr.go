// Package apperr defines the error taxonomy shared by the command and
// consumer sides. Callers branch on Code, never on message text.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies a failure so callers can decide whether retrying makes sense.
type Code string

const (
	CodeValidation        Code = "validation"
	CodeInvariant         Code = "invariant_violation"
	CodeConflict          Code = "conflict"
	CodeNotFound          Code = "not_found"
	CodeStoreUnavailable  Code = "store_unavailable"
	CodeBrokerUnavailable Code = "broker_unavailable"
	CodeProjectionFailure Code = "projection_failure"
	CodeInternal          Code = "internal"
)

// Error is the canonical structured error.
type Error struct {
	Code    Code
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	op := strings.TrimSpace(e.Op)
	msg := strings.TrimSpace(e.Message)
	switch {
	case op != "" && msg != "":
		return fmt.Sprintf("%s: %s (%s)", op, msg, e.Code)
	case op != "":
		return fmt.Sprintf("%s (%s)", op, e.Code)
	case msg != "":
		return fmt.Sprintf("%s (%s)", msg, e.Code)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an error with an explicit code and operation.
func New(code Code, op, message string, cause error) error {
	return &Error{
		Code:    code,
		Op:      strings.TrimSpace(op),
		Message: strings.TrimSpace(message),
		Cause:   cause,
	}
}

// Wrap annotates err with code. A nil err stays nil. An err that already
// carries a code keeps it.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return New(code, op, err.Error(), err)
}

func Validation(op, msg string) error { return New(CodeValidation, op, msg, nil) }
func Invariant(op, msg string) error  { return New(CodeInvariant, op, msg, nil) }
func NotFound(op, msg string) error   { return New(CodeNotFound, op, msg, nil) }

// Conflict tags cause as an optimistic concurrency conflict.
func Conflict(op string, cause error) error {
	msg := "concurrent modification"
	if cause != nil {
		msg = cause.Error()
	}
	return New(CodeConflict, op, msg, cause)
}

// CodeOf extracts the code of err, or "" when err is untagged.
func CodeOf(err error) Code {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}

// IsCode reports whether err (or anything it wraps) carries code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Retryable reports whether the caller may retry the operation with fresh
// state. Only concurrency conflicts qualify.
func Retryable(err error) bool {
	return IsCode(err, CodeConflict)
}

// IsRejection reports whether err is a business rejection (bad input or a
// broken rule) rather than an infrastructure failure.
func IsRejection(err error) bool {
	switch CodeOf(err) {
	case CodeValidation, CodeInvariant, CodeNotFound:
		return true
	}
	return false
}
