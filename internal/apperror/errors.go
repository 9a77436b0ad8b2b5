// Package apperror provides domain-specific error types for Gatekeeper.
// These errors carry an HTTP status code and a user-safe message. The Echo
// error handler maps them to appropriate HTTP responses automatically.
//
// NEVER return raw crypto, store, or provider errors to the client. Always
// wrap them in an apperror type or return a generic internal error.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is the base error type for all domain errors. It carries an
// HTTP status code, a machine-readable error type, and a human-readable
// message safe to show to the client.
type AppError struct {
	// Code is the HTTP status code (e.g., 404, 400, 500).
	Code int `json:"-"`

	// Type is a machine-readable error classifier (e.g., "not_found").
	Type string `json:"type"`

	// Message is a human-readable description safe for the client.
	Message string `json:"message"`

	// Internal holds the underlying error for logging. Never exposed to client.
	Internal error `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Internal != nil {
		return fmt.Sprintf("%s: %s (internal: %v)", e.Type, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Internal
}

// --- Auth taxonomy ---
// Lower layers (fieldcrypt, csrf, session, oauth) return these sentinels
// wrapped with context. The auth service turns them into AppErrors.

var (
	// ErrInvalidToken covers malformed, forged, replayed or expired CSRF and
	// state tokens, and unparseable session tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrProviderError means the identity provider rejected or failed a call.
	ErrProviderError = errors.New("identity provider error")

	// ErrSessionNotFound means no live session exists for the token.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired means the session exists but is past expires-at.
	ErrSessionExpired = errors.New("session expired")

	// ErrFingerprintMismatch means the client fingerprint changed (possible hijack).
	ErrFingerprintMismatch = errors.New("session fingerprint mismatch")

	// ErrRateLimited means the caller exceeded its request budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrConfig means required configuration is missing or unsafe.
	ErrConfig = errors.New("configuration error")

	// ErrDecryptionFailed means ciphertext was tampered or the key is wrong.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// --- Constructors for common error types ---

// NewNotFound creates a 404 Not Found error.
func NewNotFound(message string) *AppError {
	return &AppError{
		Code:    http.StatusNotFound,
		Type:    "not_found",
		Message: message,
	}
}

// NewBadRequest creates a 400 Bad Request error.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:    http.StatusBadRequest,
		Type:    "bad_request",
		Message: message,
	}
}

// NewUnauthorized creates a 401 Unauthorized error.
func NewUnauthorized(message string) *AppError {
	return &AppError{
		Code:    http.StatusUnauthorized,
		Type:    "unauthorized",
		Message: message,
	}
}

// NewForbidden creates a 403 Forbidden error.
func NewForbidden(message string) *AppError {
	return &AppError{
		Code:    http.StatusForbidden,
		Type:    "forbidden",
		Message: message,
	}
}

// NewAuthFailed creates the generic 401 returned for every credential,
// token, crypto or fingerprint failure. The cause is kept in Internal for
// audit logging only; the client always sees the same message.
func NewAuthFailed(cause error) *AppError {
	return &AppError{
		Code:     http.StatusUnauthorized,
		Type:     "authentication_failed",
		Message:  "authentication failed",
		Internal: cause,
	}
}

// NewProviderFailed creates a 502 for identity-provider failures. The user
// has to restart the login; nothing is retried server-side.
func NewProviderFailed(cause error) *AppError {
	return &AppError{
		Code:     http.StatusBadGateway,
		Type:     "provider_error",
		Message:  "the identity provider could not complete the sign-in, please try again",
		Internal: cause,
	}
}

// NewRateLimited creates a 429 Too Many Requests error. Kept distinct from
// authentication failures so clients can back off instead of re-prompting.
func NewRateLimited() *AppError {
	return &AppError{
		Code:     http.StatusTooManyRequests,
		Type:     "rate_limited",
		Message:  "too many requests, try again later",
		Internal: ErrRateLimited,
	}
}

// errMissingContext is the shared internal error for nil precondition checks.
var errMissingContext = errors.New("missing required context")

// NewMissingContext creates a 500 error for handler nil-context guards
// (e.g. user context not set, dependency not wired).
func NewMissingContext() *AppError {
	return NewInternal(errMissingContext)
}

// NewInternal creates a 500 Internal Server Error. The real error is stored
// in Internal for logging but the client only sees a generic message.
func NewInternal(err error) *AppError {
	return &AppError{
		Code:     http.StatusInternalServerError,
		Type:     "internal_error",
		Message:  "An unexpected error occurred. Please try again.",
		Internal: err,
	}
}

// SafeMessage returns the client-safe error message from an error. If the
// error is an AppError, returns its Message field (which is safe to expose).
// For any other error type, returns a generic message to prevent leaking
// internal details.
func SafeMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "an unexpected error occurred"
}

// SafeCode returns the HTTP status code from an AppError, or 500 for
// any other error type.
func SafeCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return http.StatusInternalServerError
}

// NewValidation creates a 422 Unprocessable Entity error for validation failures.
func NewValidation(message string) *AppError {
	return &AppError{
		Code:    http.StatusUnprocessableEntity,
		Type:    "validation_error",
		Message: message,
	}
}
