package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies failures for transport mapping and retry decisions.
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeTransient    ErrorType = "transient"
	ErrorTypeInternal     ErrorType = "internal"
)

// AppError is the structured application error used at domain boundaries.
// HTTP and WebSocket layers map it exactly once; services never inspect
// status codes.
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: 400,
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
		StatusCode: 401,
	}
}

func NewForbiddenError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       "FORBIDDEN",
		Message:    message,
		StatusCode: 403,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: 404,
	}
}

func NewConflictError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: 409,
	}
}

func NewTransientError(service, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeTransient,
		Code:       "SERVICE_UNAVAILABLE",
		Message:    fmt.Sprintf("%s: %s", service, message),
		Retryable:  true,
		StatusCode: 503,
		Details:    map[string]interface{}{"service": service},
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

// Auction-specific constructors. Messages name the condition the caller can
// act on, never the internal fault.

func NewAuctionNotFoundError(auctionID string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "AUCTION_NOT_FOUND",
		Message:    "Auction not found",
		StatusCode: 404,
		Details:    map[string]interface{}{"auction_id": auctionID},
	}
}

func NewAuctionClosedError(auctionID string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       "AUCTION_CLOSED",
		Message:    "Auction ended",
		StatusCode: 409,
		Details:    map[string]interface{}{"auction_id": auctionID},
	}
}

func NewInvalidBidError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       "INVALID_BID",
		Message:    message,
		StatusCode: 400,
	}
}

var (
	ErrHostCannotBid  = NewForbiddenError("Host cannot place bids on their own auction")
	ErrNotAuctionHost = NewForbiddenError("Only the host can close this auction")
)

// Wrap wraps an error with a message using %w semantics.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType reports whether err carries the given ErrorType.
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable reports whether err is safe to retry.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetStatusCode extracts the HTTP status code, defaulting to 500.
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}
