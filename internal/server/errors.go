package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	billingdomain "github.com/compstack/billing/internal/billing/domain"
	"github.com/compstack/billing/internal/checkout"
	providerdomain "github.com/compstack/billing/internal/provider/domain"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not_found")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{Field: field, Code: code, Message: message},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	var vErrs *ValidationErrors
	if errors.As(err, &vErrs) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErrs.Errors,
		}
	}

	var unsupportedCountry *providerdomain.UnsupportedCountryError
	var noProvider *providerdomain.NoProviderAvailableError
	var syncErr *billingdomain.SyncError

	switch {
	case errors.Is(err, checkout.ErrUserRequired),
		errors.Is(err, checkout.ErrTierRequired),
		errors.Is(err, checkout.ErrIntervalInvalid),
		errors.Is(err, providerdomain.ErrCountryRequired):
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: err.Error()}

	case errors.As(err, &unsupportedCountry),
		errors.As(err, &noProvider),
		errors.Is(err, providerdomain.ErrRegionNotConfigured),
		errors.Is(err, billingdomain.ErrPriceNotFound):
		return http.StatusBadRequest, errorPayload{Type: "routing_error", Message: err.Error()}

	case errors.Is(err, billingdomain.ErrInvalidSignature),
		errors.Is(err, billingdomain.ErrInvalidPayload):
		return http.StatusBadRequest, errorPayload{Type: "webhook_error", Message: err.Error()}

	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: "unauthorized"}

	case errors.Is(err, billingdomain.ErrTierNotFound),
		errors.Is(err, billingdomain.ErrEventNotFound),
		errors.Is(err, ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: err.Error()}

	case errors.As(err, &syncErr):
		return http.StatusInternalServerError, errorPayload{Type: "sync_error", Message: syncErr.Msg}

	// an unknown or unimplemented provider key means the deployment is wired
	// wrong, not that the caller asked for something invalid
	case errors.Is(err, billingdomain.ErrUnsupportedProvider),
		errors.Is(err, billingdomain.ErrAdapterNotImplemented),
		errors.Is(err, billingdomain.ErrInvalidConfig),
		errors.Is(err, checkout.ErrProviderInactive):
		return http.StatusInternalServerError, errorPayload{Type: "provider_error", Message: err.Error()}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}
