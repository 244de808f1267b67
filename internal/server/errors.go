package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	balancedomain "github.com/storesuite/billing/internal/balance/domain"
	"github.com/storesuite/billing/internal/currency"
	ledgerdomain "github.com/storesuite/billing/internal/ledger/domain"
	merchantdomain "github.com/storesuite/billing/internal/merchant/domain"
	"github.com/storesuite/billing/internal/planswitch"
	subscriptiondomain "github.com/storesuite/billing/internal/subscription/domain"
	voucherdomain "github.com/storesuite/billing/internal/voucher/domain"
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
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrConflict       = errors.New("conflict")
	ErrInternal       = errors.New("internal_error")
	ErrNotFound       = errors.New("not_found")
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
					Message: err.Error(),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, merchantdomain.ErrInvalidAPIKey):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, balancedomain.ErrInsufficientBalance):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_balance",
			Message: "insufficient balance",
		}
	case errors.Is(err, voucherdomain.ErrVoucherExhausted):
		return http.StatusConflict, errorPayload{
			Type:    "voucher_exhausted",
			Message: "voucher usage limit reached",
		}
	case errors.Is(err, voucherdomain.ErrVoucherInactive):
		return http.StatusConflict, errorPayload{
			Type:    "voucher_inactive",
			Message: "voucher is not active",
		}
	case errors.Is(err, voucherdomain.ErrVoucherCurrency):
		return http.StatusConflict, errorPayload{
			Type:    "currency_mismatch",
			Message: "voucher currency does not match merchant currency",
		}
	case errors.Is(err, subscriptiondomain.ErrInvalidTransition),
		errors.Is(err, subscriptiondomain.ErrSwitchNotAllowed),
		errors.Is(err, planswitch.ErrSubscriptionNotActive),
		errors.Is(err, planswitch.ErrPlanNotDeposit):
		return http.StatusConflict, errorPayload{
			Type:    "subscription_state",
			Message: err.Error(),
		}
	case errors.Is(err, balancedomain.ErrConcurrencyConflict),
		errors.Is(err, subscriptiondomain.ErrStaleVersion),
		errors.Is(err, ErrConflict),
		errors.Is(err, voucherdomain.ErrDuplicateVoucherCode):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
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

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ledgerdomain.ErrInvalidMerchant),
		errors.Is(err, ledgerdomain.ErrInvalidKind),
		errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, ledgerdomain.ErrInvalidIdempotencyKey),
		errors.Is(err, balancedomain.ErrInvalidAmount),
		errors.Is(err, merchantdomain.ErrInvalidName),
		errors.Is(err, merchantdomain.ErrInvalidCurrency),
		errors.Is(err, merchantdomain.ErrInvalidOrderFee),
		errors.Is(err, voucherdomain.ErrInvalidCode),
		errors.Is(err, voucherdomain.ErrInvalidCreditAmount),
		errors.Is(err, voucherdomain.ErrInvalidMaxUsage),
		errors.Is(err, voucherdomain.ErrInvalidVoucherType),
		errors.Is(err, subscriptiondomain.ErrInvalidPlanType),
		errors.Is(err, currency.ErrUnknownCurrency):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, merchantdomain.ErrMerchantNotFound),
		errors.Is(err, balancedomain.ErrBalanceNotFound),
		errors.Is(err, ledgerdomain.ErrTransactionNotFound),
		errors.Is(err, voucherdomain.ErrVoucherNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ledgerdomain.ErrInvalidAmount),
		errors.Is(err, balancedomain.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ledgerdomain.ErrInvalidIdempotencyKey):
		return "invalid_idempotency_key"
	case errors.Is(err, voucherdomain.ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, subscriptiondomain.ErrInvalidPlanType):
		return "invalid_plan_type"
	case errors.Is(err, currency.ErrUnknownCurrency),
		errors.Is(err, merchantdomain.ErrInvalidCurrency):
		return "invalid_currency"
	default:
		return "invalid_request"
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	return strings.TrimPrefix(code, "invalid_")
}

func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := ""
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}
