package types

import "errors"

// StoreError is the error type returned across the storefront packages.
type StoreError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewError builds a StoreError without a cause.
func NewError(code, message string) *StoreError {
	return &StoreError{Code: code, Message: message}
}

// WrapError builds a StoreError around cause.
func WrapError(code, message string, cause error) *StoreError {
	return &StoreError{Code: code, Message: message, Err: cause}
}

// IsCode reports whether err, or anything it wraps, is a StoreError with code.
func IsCode(err error, code string) bool {
	var se *StoreError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == code
}

// CodeOf returns the code of the outermost StoreError in err's chain.
func CodeOf(err error) string {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// Common error codes
const (
	ErrInvalidQuantity     = "INVALID_QUANTITY"
	ErrInvalidAmount       = "INVALID_AMOUNT"
	ErrMissingTarget       = "MISSING_TARGET"
	ErrNotFound            = "NOT_FOUND"
	ErrSubmission          = "SUBMISSION_ERROR"
	ErrConfirmationTimeout = "CONFIRMATION_TIMEOUT"
	ErrCancelled           = "CANCELLED"

	ErrInvalidProduct    = "INVALID_PRODUCT"
	ErrInvalidMethod     = "INVALID_METHOD"
	ErrAttemptInFlight   = "ATTEMPT_IN_FLIGHT"
	ErrStatusUnavailable = "STATUS_UNAVAILABLE"
	ErrTxFailed          = "TX_FAILED"
	ErrConfigError       = "CONFIG_ERROR"
	ErrNetworkError      = "NETWORK_ERROR"
)
