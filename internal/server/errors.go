package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/smallbiznis/tokenledger/internal/entitlement/domain"
	gatedomain "github.com/smallbiznis/tokenledger/internal/gate/domain"
	ownerdomain "github.com/smallbiznis/tokenledger/internal/owner/domain"
	webhookdomain "github.com/smallbiznis/tokenledger/internal/webhook/domain"
	"github.com/smallbiznis/tokenledger/pkg/db/pagination"
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
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Errors    []ValidationError `json:"errors,omitempty"`
	Required  *int64            `json:"required,omitempty"`
	Available *int64            `json:"available,omitempty"`
	ResetAt   string            `json:"reset_at,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrPayloadTooLarge    = errors.New("payload_too_large")
	ErrServiceUnavailable = errors.New("service_unavailable")
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
		if status == http.StatusTooManyRequests && payload.ResetAt != "" {
			c.Header("X-RateLimit-Reset", payload.ResetAt)
		}
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
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var insufficient *entitlementdomain.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		return http.StatusPaymentRequired, errorPayload{
			Type:      "insufficient_balance",
			Message:   "insufficient token balance",
			Required:  &insufficient.Required,
			Available: &insufficient.Available,
		}
	}

	var limited *gatedomain.RateLimitedError
	if errors.As(err, &limited) {
		payload := errorPayload{
			Type:    "rate_limited",
			Message: "rate limit exceeded",
		}
		if !limited.ResetAt.IsZero() {
			payload.ResetAt = limited.ResetAt.UTC().Format(time.RFC3339)
		}
		return http.StatusTooManyRequests, payload
	}

	for _, known := range invalidInputs {
		if errors.Is(err, known.err) {
			return http.StatusBadRequest, errorPayload{
				Type:    "validation_error",
				Message: "validation error",
				Errors: []ValidationError{{
					Field:   known.field,
					Code:    known.err.Error(),
					Message: known.message,
				}},
			}
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, webhookdomain.ErrMissingSignatureHeaders),
		errors.Is(err, webhookdomain.ErrInvalidSignature):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_signature",
			Message: "webhook signature verification failed",
		}
	case errors.Is(err, webhookdomain.ErrUnknownSource):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, errorPayload{
			Type:    "payload_too_large",
			Message: "payload too large",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, entitlementdomain.ErrTransientStoreFailure):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

// invalidInputs are domain errors caused by bad caller input. Each maps to
// a 400 naming the offending field.
var invalidInputs = []struct {
	err     error
	field   string
	message string
}{
	{ErrInvalidRequest, "request", "invalid request"},
	{pagination.ErrInvalidPageToken, "page_token", "page token is malformed or expired"},
	{ownerdomain.ErrInvalidOwnerKind, "owner_kind", "owner kind must be user or organization"},
	{ownerdomain.ErrInvalidOwnerID, "owner_id", "owner id is required"},
	{entitlementdomain.ErrInvalidAmount, "amount", "amount must be positive"},
	{gatedomain.ErrInvalidFeature, "feature", "feature is required"},
	{gatedomain.ErrInvalidEstimate, "estimate", "estimate must be positive"},
}

// classifyErrorForLog returns the error type and code attached to request logs.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError:
		return "server", payload.Type
	default:
		return "client", payload.Type
	}
}
