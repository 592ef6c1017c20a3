package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Code codes.Code

const (
	CodeInvalidArgument    = Code(codes.InvalidArgument)
	CodeNotFound           = Code(codes.NotFound)
	CodeAlreadyExists      = Code(codes.AlreadyExists)
	CodeFailedPrecondition = Code(codes.FailedPrecondition)
	CodeInternal           = Code(codes.Internal)
	CodeUnavailable        = Code(codes.Unavailable)
	CodeUnauthenticated    = Code(codes.Unauthenticated)
)

var code2http = map[Code]int{
	CodeInvalidArgument:    http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeAlreadyExists:      http.StatusConflict,
	CodeFailedPrecondition: http.StatusPreconditionFailed,
	CodeInternal:           http.StatusInternalServerError,
	CodeUnavailable:        http.StatusServiceUnavailable,
	CodeUnauthenticated:    http.StatusUnauthorized,
}

// Reasons narrow a code down to a failure the caller can act on.
const (
	ReasonMalformedQuestion      = "MALFORMED_QUESTION"
	ReasonInvalidStateTransition = "INVALID_STATE_TRANSITION"
	ReasonPersistenceUnavailable = "PERSISTENCE_UNAVAILABLE"
)

var (
	// ErrMalformedQuestion matches any catalog validation failure.
	ErrMalformedQuestion = New(CodeInvalidArgument, WithReason(ReasonMalformedQuestion))
	// ErrInvalidStateTransition matches a session operation called in the wrong state.
	ErrInvalidStateTransition = New(CodeFailedPrecondition, WithReason(ReasonInvalidStateTransition))
	// ErrPersistenceUnavailable matches a failed load or save against the progress store.
	ErrPersistenceUnavailable = New(CodeUnavailable, WithReason(ReasonPersistenceUnavailable))
)

type Error struct {
	Code    Code   `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Message: codes.Code(code).String(),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
	if e.Reason != "" {
		s += fmt.Sprintf(", reason: %s", e.Reason)
	}
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is reports whether target has the same code and, when target carries one, the same reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return e.Code == t.Code && (t.Reason == "" || e.Reason == t.Reason)
}

func (e *Error) GRPCStatus() *status.Status {
	return status.New(codes.Code(e.Code), e.Message)
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
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

func MalformedQuestion(format string, args ...any) *Error {
	return New(CodeInvalidArgument,
		WithReason(ReasonMalformedQuestion),
		WithMessagef(format, args...),
	)
}

func InvalidStateTransition(format string, args ...any) *Error {
	return New(CodeFailedPrecondition,
		WithReason(ReasonInvalidStateTransition),
		WithMessagef(format, args...),
	)
}

func PersistenceUnavailable(err error) *Error {
	return New(CodeUnavailable,
		WithReason(ReasonPersistenceUnavailable),
		WithMessagef("progress store unavailable"),
		WithCause(err),
	)
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

func WithReason(reason string) Option {
	return optionFunc(func(e *Error) {
		e.Reason = reason
	})
}
