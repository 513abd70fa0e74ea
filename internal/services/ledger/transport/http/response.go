package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/louisbranch/ledgerline/internal/platform/errors"
	"github.com/louisbranch/ledgerline/internal/services/ledger/domain/event"
)

// APIError is the body of every error response.
type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ErrorEnvelope wraps APIError as {"error": {...}}.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// AppendResponse is the body of a successful append.
type AppendResponse struct {
	Appended int            `json:"appended"`
	Events   []event.Stored `json:"events"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func respondError(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	respondCode(c, code.HTTPStatus(), code, err)
}

func respondCode(c *gin.Context, status int, code apperrors.Code, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	var appErr *apperrors.Error
	if status >= http.StatusInternalServerError && !errors.As(err, &appErr) {
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    string(code),
		},
	})
}
