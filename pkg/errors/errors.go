package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for the security core.
var (
	ErrValidation          = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInvalidCredentials  = New("INVALID_CREDENTIALS", http.StatusUnauthorized, "invalid username or password")
	ErrAccountLocked       = New("ACCOUNT_LOCKED", http.StatusForbidden, "account is locked")
	ErrAccountDisabled     = New("ACCOUNT_DISABLED", http.StatusForbidden, "account is disabled")
	ErrInvalidMFA          = New("INVALID_MFA", http.StatusUnauthorized, "invalid one-time code")
	ErrTokenExpired        = New("TOKEN_EXPIRED", http.StatusUnauthorized, "token has expired")
	ErrTokenInvalid        = New("TOKEN_INVALID", http.StatusUnauthorized, "token is invalid")
	ErrAuthorizationDenied = New("AUTHORIZATION_DENIED", http.StatusForbidden, "authorization denied")
	ErrIntegrityViolation  = New("INTEGRITY_VIOLATION", http.StatusConflict, "audit log integrity violation")
	ErrStorageFailure      = New("STORAGE_FAILURE", http.StatusInternalServerError, "storage operation failed")
	ErrConfiguration       = New("CONFIGURATION_ERROR", http.StatusInternalServerError, "invalid configuration")
	ErrNotFound            = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrConflict            = New("CONFLICT", http.StatusConflict, "conflict")
	ErrUnauthorized        = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrInternal            = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// HasCode reports whether err carries the same code as target.
func HasCode(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == target.Code
}
