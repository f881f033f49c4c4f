// Package errors carries the error codes the relay reports over signaling
// and HTTP. Each code has one HTTP status; an AppError never disagrees
// with its code.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidEvent       ErrorCode = "INVALID_EVENT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeStaleReference     ErrorCode = "STALE_REFERENCE"
	ErrCodeConnectionLost     ErrorCode = "CONNECTION_LOST"
	ErrCodeTransferAborted    ErrorCode = "TRANSFER_ABORTED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

var statuses = map[ErrorCode]int{
	ErrCodeInvalidInput:       http.StatusBadRequest,
	ErrCodeInvalidEvent:       http.StatusBadRequest,
	ErrCodeNotFound:           http.StatusNotFound,
	ErrCodeConflict:           http.StatusConflict,
	ErrCodeRateLimit:          http.StatusTooManyRequests,
	ErrCodeStaleReference:     http.StatusGone,
	ErrCodeConnectionLost:     http.StatusServiceUnavailable,
	ErrCodeTransferAborted:    http.StatusBadRequest,
	ErrCodeServiceUnavailable: http.StatusServiceUnavailable,
}

// Status is the HTTP status reported for code. Unknown codes are 500.
func (c ErrorCode) Status() int {
	if s, ok := statuses[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	// Fields are rendered as "details" in HTTP error bodies.
	Fields map[string]any
}

func (e *AppError) Error() string {
	if e.Cause == nil {
		return string(e.Code) + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *AppError) Unwrap() error { return e.Cause }

// With sets a detail field and returns e.
func (e *AppError) With(key string, value any) *AppError {
	if e.Fields == nil {
		e.Fields = make(map[string]any, 1)
	}
	e.Fields[key] = value
	return e
}

// New builds an AppError with a formatted message.
func New(code ErrorCode, format string, args ...any) *AppError {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &AppError{Code: code, Message: msg, HTTPStatus: code.Status()}
}

// Wrap is New with a cause kept for errors.Is and errors.As.
func Wrap(err error, code ErrorCode, message string) *AppError {
	e := New(code, message)
	e.Cause = err
	return e
}

func NotFound(what string) *AppError { return New(ErrCodeNotFound, "%s not found", what) }

func RateLimited() *AppError { return New(ErrCodeRateLimit, "rate limit exceeded") }

// Mapping reports errors matching Sentinel under Code.
type Mapping struct {
	Sentinel error
	Code     ErrorCode
}

// As returns the first AppError in err's chain, or nil.
func As(err error) *AppError {
	var appErr *AppError
	if err != nil && stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// Classify returns the AppError already in err's chain, or builds one from
// the first matching mapping. Unmatched errors become INTERNAL_ERROR with a
// generic message so internals do not leak to clients.
func Classify(err error, mappings []Mapping) *AppError {
	if err == nil {
		return nil
	}
	if appErr := As(err); appErr != nil {
		return appErr
	}
	for _, m := range mappings {
		if stderrors.Is(err, m.Sentinel) {
			return Wrap(err, m.Code, err.Error())
		}
	}
	return Wrap(err, ErrCodeInternal, "internal error")
}
