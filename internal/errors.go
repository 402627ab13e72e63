package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorType string

const (
	ErrorTypeValidation ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeConflict   ErrorType = "CONFLICT"
	ErrorTypeInternal   ErrorType = "INTERNAL_ERROR"
	ErrorTypeExternal   ErrorType = "EXTERNAL_ERROR"
	// ErrorTypeTransient marks failures that may succeed when attempted again.
	ErrorTypeTransient ErrorType = "TRANSIENT_ERROR"
)

type ErrorCode string

const (
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidAmount    ErrorCode = "INVALID_AMOUNT"
	ErrCodeInvalidCurrency  ErrorCode = "INVALID_CURRENCY"

	ErrCodeInvalidSignature ErrorCode = "INVALID_SIGNATURE"
	ErrCodeMalformedPayload ErrorCode = "MALFORMED_PAYLOAD"
	ErrCodeUnknownProvider  ErrorCode = "UNKNOWN_PROVIDER"

	ErrCodeInvalidTransition     ErrorCode = "INVALID_TRANSITION"
	ErrCodeRefundExceedsBalance  ErrorCode = "REFUND_EXCEEDS_BALANCE"
	ErrCodeNotRefundable         ErrorCode = "NOT_REFUNDABLE"
	ErrCodePaymentNotFound       ErrorCode = "PAYMENT_NOT_FOUND"
	ErrCodeRefundNotFound        ErrorCode = "REFUND_NOT_FOUND"
	ErrCodeDuplicateIdempotency  ErrorCode = "DUPLICATE_IDEMPOTENCY_KEY"
	ErrCodeProviderRejected      ErrorCode = "PROVIDER_REJECTED"
	ErrCodeProviderUnavailable   ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrCodeProviderTimeout       ErrorCode = "PROVIDER_TIMEOUT"
	ErrCodeStorageContention     ErrorCode = "STORAGE_CONTENTION"
	ErrCodeRetriesExhausted      ErrorCode = "RETRIES_EXHAUSTED"
	ErrCodeReconciliationRunning ErrorCode = "RECONCILIATION_RUNNING"
)

type AppError struct {
	Type       ErrorType   `json:"type"`
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	StatusCode int         `json:"-"`
	Cause      error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok && len(validationErrors.Errors) > 0 {

			return validationErrors.Errors[0].Message
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) GetDetailedMessage() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok {
			if len(validationErrors.Errors) == 1 {
				return validationErrors.Errors[0].Message
			} else if len(validationErrors.Errors) > 1 {
				messages := make([]string, len(validationErrors.Errors))
				for i, err := range validationErrors.Errors {
					messages[i] = err.Message
				}
				return strings.Join(messages, "; ")
			}
		}
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches on Code so sentinel errors survive WithCause/WithDetails copies.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Type == t.Type
}

// WithCause returns a copy carrying cause; sentinels are never mutated.
func (e *AppError) WithCause(cause error) *AppError {
	cp := *e
	cp.Cause = cause
	return &cp
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

func (e *AppError) WithMessage(message string) *AppError {
	cp := *e
	cp.Message = message
	return &cp
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewValidationFieldError(field, message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       ErrCodeValidationFailed,
		Message:    "Validation failed",
		StatusCode: http.StatusBadRequest,
		Details: ValidationErrors{
			Errors: []ValidationError{
				{Field: field, Message: message, Code: string(code)},
			},
		},
	}
}

func NewNotFoundError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

func NewConflictError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

// NewExternalError is a non-retryable rejection by a remote collaborator.
func NewExternalError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadGateway,
	}
}

func NewTransientError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeTransient,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
	}
}

var (
	ErrInvalidSignature = NewValidationError("invalid webhook signature", ErrCodeInvalidSignature)
	ErrMalformedPayload = NewValidationError("malformed webhook payload", ErrCodeMalformedPayload)
	ErrUnknownProvider  = NewNotFoundError("unknown payment provider", ErrCodeUnknownProvider)

	ErrInvalidTransition    = NewConflictError("invalid status transition", ErrCodeInvalidTransition)
	ErrRefundExceedsBalance = NewValidationError("refund amount exceeds remaining balance", ErrCodeRefundExceedsBalance)
	ErrNotRefundable        = NewConflictError("payment is not in a refundable status", ErrCodeNotRefundable)
	ErrPaymentNotFound      = NewNotFoundError("payment not found", ErrCodePaymentNotFound)
	ErrRefundNotFound       = NewNotFoundError("refund not found", ErrCodeRefundNotFound)
	ErrDuplicateIdempotency = NewConflictError("idempotency key already used for a different request", ErrCodeDuplicateIdempotency)

	ErrProviderUnavailable = NewTransientError("payment provider unavailable", ErrCodeProviderUnavailable)
	ErrProviderTimeout     = NewTransientError("payment provider timed out", ErrCodeProviderTimeout)
	ErrProviderRejected    = NewExternalError("payment provider rejected the request", ErrCodeProviderRejected)
	ErrConcurrentUpdate    = NewTransientError("concurrent update on the same record", ErrCodeStorageContention)
	ErrRetriesExhausted    = &AppError{Type: ErrorTypeInternal, Code: ErrCodeRetriesExhausted, Message: "retries exhausted", StatusCode: http.StatusInternalServerError}

	ErrReconciliationRunning = NewConflictError("a reconciliation run is already in progress", ErrCodeReconciliationRunning)
)

func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is classified as transient. Unclassified
// errors are treated as fatal so they never burn retry budget silently.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	appErr, ok := IsAppError(err)
	if !ok {
		return false
	}
	return appErr.Type == ErrorTypeTransient
}

type Response struct {
	Error *AppError `json:"error"`
}

func (e *AppError) ToHTTPResponse() (int, interface{}) {
	return e.StatusCode, Response{Error: e}
}

func (e *AppError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    ErrorType   `json:"type"`
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details,omitempty"`
	}{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	})
}
