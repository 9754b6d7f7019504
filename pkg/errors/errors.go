package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// AppError provides a structured error that can be rendered to API consumers.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// Is matches AppErrors by code so sentinel comparisons survive WithInternal copies.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if !errors.As(target, &other) {
		return false
	}
	return e != nil && other != nil && e.Code == other.Code
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// WithMessage returns a copy of the AppError carrying a more specific message.
func (e *AppError) WithMessage(message string) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Message = message
	return &cpy
}

// Authentication and account errors. Unknown identifier and wrong password
// deliberately share ErrInvalidCredentials to prevent user enumeration.
var (
	ErrInvalidCredentials = &AppError{
		Code:       "auth.invalid_credentials",
		Message:    "Invalid username or password",
		StatusCode: http.StatusUnauthorized,
	}

	ErrAccountLocked = &AppError{
		Code:       "auth.account_locked",
		Message:    "Account is locked due to too many failed attempts",
		StatusCode: http.StatusForbidden,
	}

	ErrAccountDisabled = &AppError{
		Code:       "auth.account_disabled",
		Message:    "Account is disabled",
		StatusCode: http.StatusForbidden,
	}

	ErrTokenInvalid = &AppError{
		Code:       "auth.token_invalid",
		Message:    "Invalid authentication token",
		StatusCode: http.StatusUnauthorized,
	}

	ErrTokenExpired = &AppError{
		Code:       "auth.token_expired",
		Message:    "Authentication token has expired",
		StatusCode: http.StatusUnauthorized,
	}

	ErrSessionRevoked = &AppError{
		Code:       "auth.session_revoked",
		Message:    "Session has been revoked",
		StatusCode: http.StatusUnauthorized,
	}

	ErrTwoFactorRequired = &AppError{
		Code:       "auth.two_factor_required",
		Message:    "Two-factor authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrTwoFactorInvalid = &AppError{
		Code:       "auth.two_factor_invalid",
		Message:    "Invalid two-factor authentication code",
		StatusCode: http.StatusUnauthorized,
	}
)

// Resource and validation errors.
var (
	ErrValidation = &AppError{
		Code:       "validation_error",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrNotFound = &AppError{
		Code:       "not_found",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrConflict = &AppError{
		Code:       "conflict",
		Message:    "Resource already exists",
		StatusCode: http.StatusConflict,
	}

	ErrForbidden = &AppError{
		Code:       "forbidden",
		Message:    "Permission denied",
		StatusCode: http.StatusForbidden,
	}

	ErrInternalServer = &AppError{
		Code:       "internal_server_error",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}
)

// AccountLocked builds an ErrAccountLocked carrying the remaining wait time.
// Disclosing the window is acceptable: the caller already proved knowledge of
// a valid identifier by triggering the lockout.
func AccountLocked(remaining time.Duration) *AppError {
	minutes := int(remaining.Minutes()) + 1
	return ErrAccountLocked.WithMessage(fmt.Sprintf(
		"Account is locked due to too many failed attempts. Try again in %d minute(s).", minutes))
}

// NewValidation wraps a validation failure with a caller-facing message.
func NewValidation(message string) *AppError {
	return ErrValidation.WithMessage(message)
}

// NewConflict reports a uniqueness or state conflict on a named field.
func NewConflict(message string) *AppError {
	return ErrConflict.WithMessage(message)
}

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       "internal_error",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}
