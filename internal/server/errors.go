package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/railtab/internal/audit/domain"
	"github.com/smallbiznis/railtab/internal/authorization"
	bgdomain "github.com/smallbiznis/railtab/internal/billinggroup/domain"
	paymentdomain "github.com/smallbiznis/railtab/internal/payment/domain"
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
	// Set only for refused deletions.
	Blockers     []bgdomain.Blocker            `json:"blockers,omitempty"`
	BillingGroup *bgdomain.BillingGroupSummary `json:"billingGroup,omitempty"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrOrgRequired        = errors.New("organization_required")
	ErrRateLimited        = errors.New("rate_limited")
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

		status, body := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, body)
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{{Field: field, Code: code, Message: message}},
	}
}

func mapError(err error) (int, errorResponse) {
	var blocked *bgdomain.DeletionBlockedError
	if errors.As(err, &blocked) {
		resp := errorResponse{Error: errorPayload{Type: "deletion_blocked", Message: blocked.Error()}}
		if blocked.Validation != nil {
			resp.Blockers = blocked.Validation.Blockers
			summary := blocked.Validation.BillingGroup
			resp.BillingGroup = &summary
		}
		return http.StatusConflict, resp
	}

	var vErr *ValidationErrors
	if errors.As(err, &vErr) {
		return http.StatusBadRequest, errorResponse{Error: errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}}
	}

	status, errType := classify(err)
	message := http.StatusText(status)
	var domainErr *bgdomain.Error
	if errors.As(err, &domainErr) && status < http.StatusInternalServerError {
		message = domainErr.Message
	} else if status < http.StatusInternalServerError {
		message = err.Error()
	}
	return status, errorResponse{Error: errorPayload{Type: errType, Message: message}}
}

// classify maps an error onto a status and a stable error type. Anything
// unknown is an internal error whose details stay in the logs.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, bgdomain.ErrNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, paymentdomain.ErrPaymentNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, bgdomain.ErrValidation),
		errors.Is(err, ErrOrgRequired),
		errors.Is(err, paymentdomain.ErrInvalidProvider),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidOrganization):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, paymentdomain.ErrInvalidSignature),
		errors.Is(err, authorization.ErrInvalidActor):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, bgdomain.ErrUnauthorized),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, paymentdomain.ErrEventInFlight):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, paymentdomain.ErrInvalidConfig):
		return http.StatusServiceUnavailable, "service_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	status, body := mapError(err)
	code := body.Error.Type
	if status < http.StatusInternalServerError {
		code = body.Error.Message
	}
	return body.Error.Type, code
}
