package auth

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error code surfaced to callers. Codes
// are part of the public contract and never change meaning.
type Code string

// Stable error codes.
const (
	CodeMissingHMAC               Code = "missing_hmac"
	CodeInvalidHMAC               Code = "invalid_hmac"
	CodeMissingConnection         Code = "missing_connection"
	CodeUnknownProviderConfig     Code = "unknown_provider_config"
	CodeUnknownProviderTemplate   Code = "unknown_provider_template"
	CodeInvalidAuthMode           Code = "invalid_auth_mode"
	CodeInvalidConnectionConfig   Code = "invalid_connection_config"
	CodeUnknownGrantType          Code = "unknown_grant_type"
	CodeInvalidCallbackOAuth2     Code = "invalid_callback_oauth2"
	CodeInvalidCallbackOAuth1     Code = "invalid_callback_oauth1"
	CodeInvalidState              Code = "invalid_state"
	CodeTokenExternalError        Code = "token_external_error"
	CodeTokenParsingError         Code = "token_parsing_error"
	CodeRefreshTokenExternalError Code = "refresh_token_external_error"
	CodeRefreshTokenParsingError  Code = "refresh_token_parsing_error"
	CodeConnectionTestFailed      Code = "connection_test_failed"
	CodeUpstreamTimeout           Code = "upstream_timeout"
	CodeOAuth2CCError             Code = "oauth2_cc_error"
	CodeUnknownError              Code = "unknown_error"
)

// Error is a per-request failure returned as a value. Code is stable,
// Message is user-facing, Detail optionally carries the upstream response
// body, and Cause preserves the wrapped error chain.
type Error struct {
	Code    Code
	Message string
	Detail  string
	Cause   error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates an error with a stable code and a user-facing message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates an error with a formatted user-facing message.
func NewErrorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an error with a stable code around an underlying cause.
func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithDetail attaches an upstream response body (or similar context) to the
// error and returns it for chaining.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// CodeOf extracts the stable code from an error chain; errors that carry no
// *Error resolve to unknown_error.
func CodeOf(err error) Code {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Code
	}
	return CodeUnknownError
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
