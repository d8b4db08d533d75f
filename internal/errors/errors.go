// Package errors provides the error-code taxonomy shared by the sync core.
// The scheduler keys its retry decision off these codes: transient delivery
// failures are retried with backoff, permanent ones short-circuit to a
// terminal Failed state, and upload failures never enter the queue at all.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a classified failure kind.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Delivery errors
	ErrDeliveryTransient ErrorCode = "DELIVERY_TRANSIENT" // timeout, 5xx, connection reset
	ErrDeliveryPermanent ErrorCode = "DELIVERY_PERMANENT" // 4xx validation, malformed request
	ErrRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"    // retry ceiling reached

	// Transport errors
	ErrNotConnected       ErrorCode = "NOT_CONNECTED"
	ErrReconnectExhausted ErrorCode = "RECONNECT_EXHAUSTED"

	// Media errors
	ErrUploadFailed     ErrorCode = "UPLOAD_FAILED"
	ErrUnsupportedMedia ErrorCode = "UNSUPPORTED_MEDIA"

	// Queue errors
	ErrQueueStore ErrorCode = "QUEUE_STORE_ERROR"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Code extracts the error code from an error chain. Unclassified errors
// report ErrInternal.
func Code(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsTransient reports whether a delivery failure should be retried.
// Unclassified errors count as transient so that a flaky network path is
// never promoted to a terminal failure by accident.
func IsTransient(err error) bool {
	switch Code(err) {
	case ErrDeliveryPermanent, ErrUploadFailed, ErrUnsupportedMedia, ErrInvalid:
		return false
	default:
		return true
	}
}

// IsPermanent reports whether a delivery failure must not be retried.
func IsPermanent(err error) bool {
	return err != nil && !IsTransient(err)
}

// FromHTTPStatus classifies an HTTP response status for the retry policy.
// 4xx is a permanent delivery failure, everything else transient.
func FromHTTPStatus(status int, body string) *AppError {
	if status >= 400 && status < 500 {
		return New(ErrDeliveryPermanent, fmt.Sprintf("request rejected with status %d: %s", status, body))
	}
	return New(ErrDeliveryTransient, fmt.Sprintf("delivery failed with status %d", status))
}
