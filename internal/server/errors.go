package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	checkoutdomain "github.com/smallbiznis/billingsync/internal/checkout/domain"
	customerdomain "github.com/smallbiznis/billingsync/internal/customer/domain"
	"github.com/smallbiznis/billingsync/internal/lock"
	paymentdomain "github.com/smallbiznis/billingsync/internal/payment/domain"
	stripeprovider "github.com/smallbiznis/billingsync/internal/providers/stripe"
	subscriptiondomain "github.com/smallbiznis/billingsync/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/billingsync/internal/webhook/domain"
	"gorm.io/gorm"
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
	Retryable bool              `json:"retryable,omitempty"`
	Errors    []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrTenantRequired = errors.New("tenant_required")
	ErrInvalidRequest = errors.New("invalid_request")
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

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
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

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: "invalid value",
				},
			},
		}
	}

	switch {
	case errors.Is(err, webhookdomain.ErrInvalidSignature):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_signature",
			Message: "invalid webhook signature",
		}
	case errors.Is(err, ErrTenantRequired):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "tenant required",
		}
	case errors.Is(err, checkoutdomain.ErrPriceNotConfigured):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "configuration_error",
			Message: "no price configured for plan",
		}
	case errors.Is(err, checkoutdomain.ErrNoActiveSubscription),
		errors.Is(err, checkoutdomain.ErrSubscriptionExists),
		errors.Is(err, subscriptiondomain.ErrLinkedToOtherTenant):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case errors.Is(err, stripeprovider.ErrUpstream):
		return http.StatusBadGateway, errorPayload{
			Type:      "upstream_error",
			Message:   "payment platform unavailable",
			Retryable: true,
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, stripeprovider.ErrNotConfigured),
		errors.Is(err, lock.ErrNotAcquired):
		return http.StatusServiceUnavailable, errorPayload{
			Type:      "service_unavailable",
			Message:   "service unavailable",
			Retryable: true,
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog returns the response type and a stable code for request logs.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	if len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	return payload.Type, payload.Type
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, checkoutdomain.ErrInvalidTenant),
		errors.Is(err, checkoutdomain.ErrInvalidPlan),
		errors.Is(err, checkoutdomain.ErrInvalidReturnURL),
		errors.Is(err, checkoutdomain.ErrFreePlanCheckout),
		errors.Is(err, customerdomain.ErrInvalidTenant),
		errors.Is(err, subscriptiondomain.ErrInvalidTenant),
		errors.Is(err, subscriptiondomain.ErrInvalidPlan),
		errors.Is(err, paymentdomain.ErrInvalidStatus),
		errors.Is(err, paymentdomain.ErrInvalidType),
		errors.Is(err, paymentdomain.ErrInvalidPageSize),
		errors.Is(err, paymentdomain.ErrInvalidPageToken):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, customerdomain.ErrTenantNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, paymentdomain.ErrPaymentNotFound),
		errors.Is(err, stripeprovider.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	for _, target := range []error{
		ErrInvalidRequest,
		checkoutdomain.ErrInvalidTenant,
		checkoutdomain.ErrInvalidPlan,
		checkoutdomain.ErrInvalidReturnURL,
		checkoutdomain.ErrFreePlanCheckout,
		subscriptiondomain.ErrInvalidPlan,
		paymentdomain.ErrInvalidStatus,
		paymentdomain.ErrInvalidType,
		paymentdomain.ErrInvalidPageSize,
		paymentdomain.ErrInvalidPageToken,
	} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return err.Error()
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "invalid_return_url":
		return "success_url"
	case "free_plan_checkout":
		return "plan"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}
