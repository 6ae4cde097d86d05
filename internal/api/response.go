package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/parking-es/internal/apperr"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeInvariant:
		return http.StatusUnprocessableEntity
	case apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeStoreUnavailable, apperr.CodeBrokerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RespondError writes err as a structured error. Internal failures are not
// echoed to the client.
func RespondError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	if code == "" {
		code = apperr.CodeInternal
	}
	status := StatusFor(code)

	msg := "internal error"
	var e *apperr.Error
	if status < http.StatusInternalServerError && errors.As(err, &e) && e.Message != "" {
		msg = e.Message
	} else if status == http.StatusServiceUnavailable {
		msg = "service temporarily unavailable"
	}
	_ = c.Error(err)
	c.JSON(status, ErrorEnvelope{Error: APIError{Code: string(code), Message: msg}})
}

// RespondStatus writes a structured error with an explicit status.
func RespondStatus(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorEnvelope{Error: APIError{Code: code, Message: message}})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// bindJSON decodes the request body, answering 400 on malformed input.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		RespondStatus(c, http.StatusBadRequest, string(apperr.CodeValidation), "invalid request body: "+err.Error())
		return false
	}
	return true
}
