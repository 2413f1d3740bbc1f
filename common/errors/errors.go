package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind groups error codes by how a caller should react to them.
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindPreconditionFailed Kind = "precondition_failed"
	KindExternalService    Kind = "external_service_error"
	KindInternal           Kind = "internal_error"
	KindUnauthorized       Kind = "unauthorized"
)

// Error represents an application error
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Code so that wrapped copies of a sentinel compare equal to it.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// JSON returns the error as a JSON string
func (e *Error) JSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// StatusCode maps the error kind to an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindValidation, KindPreconditionFailed:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindExternalService:
		return http.StatusBadGateway
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new Error
func New(kind Kind, code, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// With returns a copy of e carrying a more specific message.
func (e *Error) With(message string) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: message, Err: e.Err}
}

// Wrap returns a copy of e wrapping cause.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Err: cause}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is is errors.Is re-exported for callers that import this package under the errors name.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// Request validation
var (
	ErrInvalidRequest = New(KindValidation, "INVALID_REQUEST", "Invalid request", nil)
	ErrInvalidItem    = New(KindValidation, "INVALID_ITEM", "One or more products do not exist", nil)
	ErrInvalidPromo   = New(KindValidation, "INVALID_PROMO", "Invalid or inactive promo code", nil)
	ErrInvalidAmount  = New(KindValidation, "INVALID_AMOUNT", "Order amount must be greater than zero", nil)
)

// Business rules
var (
	ErrInsufficientStock = New(KindPreconditionFailed, "INSUFFICIENT_STOCK", "Insufficient stock", nil)
	ErrPromoExpired      = New(KindPreconditionFailed, "PROMO_EXPIRED", "Promo code has expired", nil)
	ErrPromoAlreadyUsed  = New(KindConflict, "PROMO_ALREADY_USED", "Promo code already used by this user", nil)
	ErrPromoLimitReached = New(KindPreconditionFailed, "PROMO_LIMIT_REACHED", "Promo code usage limit reached", nil)
	ErrOrderCancelled    = New(KindPreconditionFailed, "ORDER_CANCELLED", "Order has been cancelled", nil)
	ErrOrderNotPending   = New(KindPreconditionFailed, "ORDER_NOT_PENDING", "Order is not pending", nil)
	ErrPaymentExpired    = New(KindPreconditionFailed, "PAYMENT_EXPIRED", "Payment QR has expired, order cancelled", nil)
	ErrPaymentIncomplete = New(KindPreconditionFailed, "PAYMENT_INCOMPLETE", "Payment not completed, order cancelled", nil)
)

// Conflicts
var (
	ErrTotalMismatch      = New(KindConflict, "TOTAL_MISMATCH", "Total amount mismatch", nil)
	ErrDuplicatePayment   = New(KindConflict, "DUPLICATE_PAYMENT", "Payment already exists for this order", nil)
	ErrSettlementConflict = New(KindConflict, "SETTLEMENT_CONFLICT", "Order was cancelled while the payment settled", nil)
	ErrAmountMismatch     = New(KindConflict, "AMOUNT_MISMATCH", "Transaction amount does not match payment", nil)
)

var (
	ErrNotFound     = New(KindNotFound, "NOT_FOUND", "Not found", nil)
	ErrGateway      = New(KindExternalService, "GATEWAY_ERROR", "Payment gateway unavailable", nil)
	ErrInternal     = New(KindInternal, "INTERNAL", "Internal server error", nil)
	ErrUnauthorized = New(KindUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
)

type errorBody struct {
	Success bool   `json:"success"`
	Error   *Error `json:"error"`
}

// Error middleware for Gin
func ErrorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		appErr, ok := As(err)
		if !ok || appErr.Kind == KindInternal {
			appErr = ErrInternal
		}

		c.JSON(appErr.StatusCode(), errorBody{Success: false, Error: appErr})
		c.Abort()
	}
}
