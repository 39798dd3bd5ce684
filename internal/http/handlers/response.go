// Package handlers provides HTTP handler implementations for the payment and
// admin API.
//
// This file defines the response helpers shared by all endpoints: the error
// envelope, the mapping from service errors to status codes, and small
// success writers.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-keyshop-backend/internal/http/middleware"
	"github.com/tbourn/go-keyshop-backend/internal/services"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code"`
	// Human-readable message (safe to show to users)
	Message string `json:"message"`
}

// fail aborts the request with the error envelope. 5xx responses are logged
// with the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail is the exported variant of fail() for router fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failErr maps a service error onto a status and code.
func failErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrChatRequired), errors.Is(err, services.ErrInvalidStatus):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, services.ErrInvalidMethod):
		fail(c, http.StatusBadRequest, ErrCodeInvalidMethod, err.Error())
	case errors.Is(err, services.ErrMethodUnavailable):
		fail(c, http.StatusUnprocessableEntity, ErrCodeMethodUnavailable, err.Error())
	case errors.Is(err, services.ErrPaymentNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "payment not found")
	case errors.Is(err, services.ErrPricingUnavailable):
		fail(c, http.StatusServiceUnavailable, ErrCodePricingUnavailable, "price quote unavailable, try again later")
	case errors.Is(err, services.ErrStoreUnavailable):
		fail(c, http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "storage temporarily unavailable")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
