package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code is the stable, client-visible error discriminator.
type Code string

const (
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInvalidState        Code = "INVALID_STATE"
	CodeInvalidPrecondition Code = "INVALID_PRECONDITION"
	CodeConflict            Code = "CONFLICT"
	CodePermissionDenied    Code = "PERMISSION_DENIED"
	CodeStoreFailure        Code = "STORE_FAILURE"
	CodeInternal            Code = "INTERNAL"
)

var code2http = map[Code]int{
	CodeInvalidArgument:     http.StatusBadRequest,
	CodeNotFound:            http.StatusNotFound,
	CodeInvalidState:        http.StatusConflict,
	CodeInvalidPrecondition: http.StatusUnprocessableEntity,
	CodeConflict:            http.StatusConflict,
	CodePermissionDenied:    http.StatusForbidden,
	CodeStoreFailure:        http.StatusServiceUnavailable,
	CodeInternal:            http.StatusInternalServerError,
}

var code2grpc = map[Code]codes.Code{
	CodeInvalidArgument:     codes.InvalidArgument,
	CodeNotFound:            codes.NotFound,
	CodeInvalidState:        codes.FailedPrecondition,
	CodeInvalidPrecondition: codes.FailedPrecondition,
	CodeConflict:            codes.AlreadyExists,
	CodePermissionDenied:    codes.PermissionDenied,
	CodeStoreFailure:        codes.Unavailable,
	CodeInternal:            codes.Internal,
}

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Message: strings.ToLower(strings.ReplaceAll(string(code), "_", " ")),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %s, message: %s", e.Code, e.Message)
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) GRPCStatus() *status.Status {
	c, ok := code2grpc[e.Code]
	if !ok {
		c = codes.Internal
	}

	return status.New(c, e.Message)
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

// Convert returns err as *Error, wrapping anything untyped as internal.
func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

// CodeOf returns the code of err, or an empty code when err is nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	return Convert(err).Code
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, WithMessagef(format, args...))
}

func InvalidArgument(format string, args ...any) *Error {
	return New(CodeInvalidArgument, WithMessagef(format, args...))
}

func InvalidState(format string, args ...any) *Error {
	return New(CodeInvalidState, WithMessagef(format, args...))
}

func StoreFailure(err error, format string, args ...any) *Error {
	return New(CodeStoreFailure, WithMessagef(format, args...), WithCause(err))
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}
