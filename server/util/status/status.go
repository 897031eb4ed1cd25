package status

import (
	"flag"
	"fmt"
	"runtime"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var LogErrorStackTraces = flag.Bool("app.log_error_stack_traces", false, "If true, stack traces will be printed for errors that have them.")

const stackDepth = 10

type wrappedError struct {
	error
	*stack
}

func (w *wrappedError) GRPCStatus() *status.Status {
	if se, ok := w.error.(interface {
		GRPCStatus() *status.Status
	}); ok {
		return se.GRPCStatus()
	}
	return status.New(codes.Unknown, "")
}

func (w *wrappedError) Unwrap() error {
	return w.error
}

type StackTrace = errors.StackTrace
type stack []uintptr

func (s *stack) StackTrace() StackTrace {
	f := make([]errors.Frame, len(*s))
	for i := 0; i < len(f); i++ {
		f[i] = errors.Frame((*s)[i])
	}
	return f
}

func callers() *stack {
	var pcs [stackDepth]uintptr
	n := runtime.Callers(4, pcs[:])
	var st stack = pcs[0:n]
	return &st
}

// statusError carries a gRPC status code while keeping the underlying error
// reachable for errors.Is() and errors.As().
type statusError struct {
	code codes.Code
	err  error
}

func (e *statusError) Error() string {
	return e.GRPCStatus().String()
}

func (e *statusError) Unwrap() error {
	return e.err
}

func (e *statusError) GRPCStatus() *status.Status {
	return status.New(e.code, e.err.Error())
}

func makeStatusError(code codes.Code, err error) error {
	statusErr := &statusError{code: code, err: err}
	if !*LogErrorStackTraces {
		return statusErr
	}
	return &wrappedError{statusErr, callers()}
}

func newError(code codes.Code, msg string) error {
	return makeStatusError(code, errors.New(msg))
}

func newErrorf(code codes.Code, format string, a ...interface{}) error {
	return makeStatusError(code, fmt.Errorf(format, a...))
}

// Code returns the status code of err, codes.OK for a nil error and
// codes.Unknown for errors that carry no code.
func Code(err error) codes.Code {
	return status.Code(err)
}

func InvalidArgumentError(msg string) error {
	return newError(codes.InvalidArgument, msg)
}
func IsInvalidArgumentError(err error) bool {
	return status.Code(err) == codes.InvalidArgument
}
func InvalidArgumentErrorf(format string, a ...interface{}) error {
	return newErrorf(codes.InvalidArgument, format, a...)
}
func NotFoundError(msg string) error {
	return newError(codes.NotFound, msg)
}
func IsNotFoundError(err error) bool {
	return status.Code(err) == codes.NotFound
}
func NotFoundErrorf(format string, a ...interface{}) error {
	return newErrorf(codes.NotFound, format, a...)
}
func IsAlreadyExistsError(err error) bool {
	return status.Code(err) == codes.AlreadyExists
}
func AlreadyExistsErrorf(format string, a ...interface{}) error {
	return newErrorf(codes.AlreadyExists, format, a...)
}
func FailedPreconditionError(msg string) error {
	return newError(codes.FailedPrecondition, msg)
}
func IsFailedPreconditionError(err error) bool {
	return status.Code(err) == codes.FailedPrecondition
}
func FailedPreconditionErrorf(format string, a ...interface{}) error {
	return newErrorf(codes.FailedPrecondition, format, a...)
}
func UnimplementedError(msg string) error {
	return newError(codes.Unimplemented, msg)
}
func IsUnimplementedError(err error) bool {
	return status.Code(err) == codes.Unimplemented
}
func UnimplementedErrorf(format string, a ...interface{}) error {
	return newErrorf(codes.Unimplemented, format, a...)
}
func InternalError(msg string) error {
	return newError(codes.Internal, msg)
}
func IsInternalError(err error) bool {
	return status.Code(err) == codes.Internal
}
func InternalErrorf(format string, a ...interface{}) error {
	return newErrorf(codes.Internal, format, a...)
}
func UnavailableError(msg string) error {
	return newError(codes.Unavailable, msg)
}
func IsUnavailableError(err error) bool {
	return status.Code(err) == codes.Unavailable
}
func UnavailableErrorf(format string, a ...interface{}) error {
	return newErrorf(codes.Unavailable, format, a...)
}

// WrapError prepends additional context to an error description, preserving
// the underlying status code.
func WrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return makeStatusError(statusErr.code, fmt.Errorf("%s: %w", msg, statusErr.err))
	}
	return makeStatusError(status.Code(err), fmt.Errorf("%s: %w", msg, err))
}

// WrapErrorf is the "Printf" version of `WrapError`.
func WrapErrorf(err error, format string, a ...interface{}) error {
	return WrapError(err, fmt.Sprintf(format, a...))
}

// Message extracts the error message from a given error, which for status
// errors is just the "desc" part of the error.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.err.Error()
	}
	if s, ok := status.FromError(err); ok {
		return s.Message()
	}
	return err.Error()
}
