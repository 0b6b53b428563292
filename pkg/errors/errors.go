package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents an error code
type ErrorCode string

const (
	// General errors
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeConflict     ErrorCode = "CONFLICT"

	// Call errors
	ErrCodePermissionDenied     ErrorCode = "PERMISSION_DENIED"
	ErrCodeDeviceError          ErrorCode = "DEVICE_ERROR"
	ErrCodeNegotiationTimeout   ErrorCode = "NEGOTIATION_TIMEOUT"
	ErrCodeTransientNetworkLoss ErrorCode = "TRANSIENT_NETWORK_LOSS"
	ErrCodeSignalingChannelLost ErrorCode = "SIGNALING_CHANNEL_LOST"
	ErrCodePeerHangup           ErrorCode = "PEER_HANGUP"
	ErrCodeSessionActive        ErrorCode = "SESSION_ACTIVE"
	ErrCodeSessionEnded         ErrorCode = "SESSION_ENDED"

	// Protocol errors
	ErrCodeInvalidMessage ErrorCode = "INVALID_MESSAGE"
	ErrCodeInvalidRole    ErrorCode = "INVALID_ROLE"

	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
)

// AppError represents an application error
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AppError with the same code, so
// errors.Is(err, NewAppError(ErrCodeDeviceError, "")) matches any device error.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying cause
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Terminal reports whether the error ends a call session. Transient network
// loss is the only call error the engine retries on its own.
func (e *AppError) Terminal() bool {
	return e.Code != ErrCodeTransientNetworkLoss
}

// Recoverable is the inverse of Terminal.
func (e *AppError) Recoverable() bool {
	return !e.Terminal()
}

// UserActionable reports whether the user can fix the condition (grant
// permission, plug in or free a device).
func (e *AppError) UserActionable() bool {
	return e.Code == ErrCodePermissionDenied || e.Code == ErrCodeDeviceError
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: getHTTPStatus(code),
	}
}

// NewAppErrorf creates a new application error with formatting
func NewAppErrorf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: getHTTPStatus(code),
	}
}

// getHTTPStatus returns the HTTP status code for an error code
func getHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodePermissionDenied:
		return http.StatusForbidden
	case ErrCodeConflict, ErrCodeSessionActive:
		return http.StatusConflict
	case ErrCodeSessionEnded:
		return http.StatusGone
	case ErrCodeInvalidInput, ErrCodeInvalidMessage, ErrCodeInvalidRole, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeNegotiationTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeSignalingChannelLost, ErrCodeTransientNetworkLoss:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to AppError
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// WrapError wraps a standard error as an AppError
func WrapError(code ErrorCode, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    err.Error(),
		HTTPStatus: getHTTPStatus(code),
		Cause:      err,
	}
}
