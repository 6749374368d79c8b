package errors

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
)

// Kind tells the caller whether repeating the failed operation can help.
type Kind string

const (
	KindFatal     Kind = "fatal"
	KindRetryable Kind = "retryable"
)

type AppError struct {
	Code    int    // HTTP status code or custom error code
	Kind    Kind   // Retryable or fatal
	Message string // User-facing message
	Err     error  // Underlying error (optional)
}

const (
	ErrLotNotFound        = 1002
	ErrLotClosed          = 1004
	ErrWebSocketUpgrade   = 1005
	ErrBadMessageFormat   = 1006
	ErrUnknownMessageType = 1007
	ErrRateLimited        = 1008
	ErrValidation         = 1009
	ErrStateConflict      = 1010
	ErrUpstream           = 1011
	ErrDecode             = 1012

	ErrInternalServer = 500
)

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// ToJSON renders the error as a bridge message.
func (e *AppError) ToJSON() string {
	payload := struct {
		Type    string `json:"type"`
		Code    int    `json:"code"`
		Kind    Kind   `json:"kind,omitempty"`
		Message string `json:"message"`
	}{
		Type:    "error",
		Code:    e.Code,
		Kind:    e.Kind,
		Message: e.Message,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return `{"type":"error","message":"internal error"}`
	}
	return string(raw)
}

// Wrapping utility
func Wrap(err error, message string) *AppError {
	kind := KindFatal
	var inner *AppError
	if stdErrors.As(err, &inner) {
		kind = inner.Kind
	}
	return &AppError{Code: codeOf(err), Kind: kind, Message: message, Err: err}
}

// Error creation utility
func New(code int, message string) *AppError {
	return &AppError{Code: code, Kind: KindFatal, Message: message}
}

func Retryable(code int, err error, message string) *AppError {
	return &AppError{Code: code, Kind: KindRetryable, Message: message, Err: err}
}

func Fatal(code int, err error, message string) *AppError {
	return &AppError{Code: code, Kind: KindFatal, Message: message, Err: err}
}

// IsRetryable reports whether any AppError in the chain is retryable.
func IsRetryable(err error) bool {
	var appErr *AppError
	if !stdErrors.As(err, &appErr) {
		return false
	}
	return appErr.Kind == KindRetryable
}

// Classify returns err as an AppError. Errors that never passed through this
// package are treated as fatal internal errors.
func Classify(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr
	}
	return Fatal(ErrInternalServer, err, "internal error")
}

func codeOf(err error) int {
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternalServer
}
