package models

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the stable machine-readable error identifier sent to clients.
type Code string

const (
	CodeInsufficientCredits Code = "INSUFFICIENT_CREDITS"
	CodeSessionUnavailable  Code = "SESSION_UNAVAILABLE"
	CodeNavigationFailed    Code = "NAVIGATION_FAILED"
	CodeExtractionFailed    Code = "EXTRACTION_FAILED"
	CodeValidationFailed    Code = "VALIDATION_FAILED"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInternal            Code = "INTERNAL"

	// Never sent to clients; used in logs and metrics.
	CodeCacheUnavailable  Code = "CACHE_UNAVAILABLE"
	CodePersistenceFailed Code = "PERSISTENCE_FAILED"
)

// HTTPStatus maps a code to its response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInsufficientCredits:
		return http.StatusPaymentRequired
	case CodeSessionUnavailable:
		return http.StatusServiceUnavailable
	case CodeNavigationFailed, CodeExtractionFailed:
		return http.StatusBadGateway
	case CodeValidationFailed:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// Error is the typed failure every layer above the adapters returns.
type Error struct {
	Code    Code
	Message string
	// Required and Available are set for INSUFFICIENT_CREDITS.
	Required  int64
	Available int64
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that keeps err as its cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) *Error {
	return Errorf(CodeValidationFailed, format, args...)
}

func InsufficientCredits(required, available int64) *Error {
	return &Error{
		Code:      CodeInsufficientCredits,
		Message:   fmt.Sprintf("insufficient credits: %d required, %d available", required, available),
		Required:  required,
		Available: available,
	}
}

// AsError returns err as an *Error, classifying unknown errors as INTERNAL.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternal, err, "internal error")
}

// HasCode reports whether err is an *Error with the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
