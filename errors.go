/*
Package store – error types.

The core only raises BadRequest. Backends raise the storage-semantic codes
(NotFound, Conflict, PreconditionFailed, …) after consulting real state.
*/
package store

import (
	"errors"
	"fmt"

	"github.com/cloudxsgmbh/storage-core-go/ql"
)

// ErrorCode is a well-known error category string.
type ErrorCode string

const (
	ErrBadRequest         ErrorCode = "BadRequest"
	ErrNotFound           ErrorCode = "NotFound"
	ErrConflict           ErrorCode = "Conflict"
	ErrPreconditionFailed ErrorCode = "PreconditionFailed"
	ErrNotModified        ErrorCode = "NotModified"
	ErrNotSupported       ErrorCode = "NotSupported"
	ErrInternal           ErrorCode = "Internal"
)

// StoreError is the error type returned by the core and by providers. It
// carries a Code and a free-form Context map for extra debugging data.
type StoreError struct {
	Message string
	Code    ErrorCode
	Context map[string]any
	Cause   error
}

func (e *StoreError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	if e.Code != "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return e.Message
}

func (e *StoreError) Unwrap() error { return e.Cause }

// NewError constructs a StoreError.
func NewError(msg string, opts ...func(*StoreError)) *StoreError {
	err := &StoreError{Message: msg}
	for _, o := range opts {
		o(err)
	}
	return err
}

// WithCode sets the error code.
func WithCode(c ErrorCode) func(*StoreError) {
	return func(e *StoreError) { e.Code = c }
}

// WithContext attaches a context map.
func WithContext(ctx map[string]any) func(*StoreError) {
	return func(e *StoreError) { e.Context = ctx }
}

// WithCause wraps an underlying error.
func WithCause(cause error) func(*StoreError) {
	return func(e *StoreError) { e.Cause = cause }
}

func NewBadRequest(format string, args ...any) *StoreError {
	return NewError(fmt.Sprintf(format, args...), WithCode(ErrBadRequest))
}

func NewNotFound(format string, args ...any) *StoreError {
	return NewError(fmt.Sprintf(format, args...), WithCode(ErrNotFound))
}

func NewConflict(format string, args ...any) *StoreError {
	return NewError(fmt.Sprintf(format, args...), WithCode(ErrConflict))
}

func NewPreconditionFailed(format string, args ...any) *StoreError {
	return NewError(fmt.Sprintf(format, args...), WithCode(ErrPreconditionFailed))
}

func NewNotSupported(format string, args ...any) *StoreError {
	return NewError(fmt.Sprintf(format, args...), WithCode(ErrNotSupported))
}

// CodeOf returns the code of the first StoreError in err's chain. Expression
// errors from package ql count as BadRequest. Other errors have no code.
func CodeOf(err error) ErrorCode {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code
	}
	var qe *ql.Error
	if errors.As(err, &qe) {
		return ErrBadRequest
	}
	return ""
}

// IsCode reports whether err carries code c.
func IsCode(err error, c ErrorCode) bool { return err != nil && CodeOf(err) == c }

func IsBadRequest(err error) bool         { return IsCode(err, ErrBadRequest) }
func IsNotFound(err error) bool           { return IsCode(err, ErrNotFound) }
func IsConflict(err error) bool           { return IsCode(err, ErrConflict) }
func IsPreconditionFailed(err error) bool { return IsCode(err, ErrPreconditionFailed) }
func IsNotSupported(err error) bool       { return IsCode(err, ErrNotSupported) }

// badRequest converts expression errors into BadRequest StoreErrors and
// passes everything else through.
func badRequest(err error) error {
	if err == nil {
		return nil
	}
	var qe *ql.Error
	if errors.As(err, &qe) {
		return NewError(qe.Message, WithCode(ErrBadRequest), WithCause(err))
	}
	return err
}
