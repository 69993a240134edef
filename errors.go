package upa

import (
	"context"
	"errors"
	"fmt"
)

// =====================================
// Error Handling
// =====================================

// Error is the error type returned by every upa operation.
// Entity and Operation are filled in by the Repository before the error
// reaches the caller.
type Error struct {
	Type      ErrorType
	Message   string
	Cause     error
	Code      string
	Entity    string
	Operation string
	Backend   string
	// Transient marks backend failures that may succeed on retry,
	// such as connectivity loss.
	Transient bool
}

// Error implements the error interface
func (e Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (caused by: %v)", msg, e.Cause)
	}
	if e.Operation != "" {
		msg = fmt.Sprintf("%s.%s: %s", e.Entity, e.Operation, msg)
	}
	return msg
}

// Unwrap returns the underlying error
func (e Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an Error of the same type.
func (e Error) Is(target error) bool {
	if t, ok := target.(Error); ok {
		return e.Type == t.Type
	}
	if t, ok := target.(*Error); ok && t != nil {
		return e.Type == t.Type
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrSchema          = Error{Type: ErrorTypeSchema}
	ErrEncoding        = Error{Type: ErrorTypeEncoding}
	ErrDecoding        = Error{Type: ErrorTypeDecoding}
	ErrUnsupported     = Error{Type: ErrorTypeUnsupported}
	ErrPoolExhausted   = Error{Type: ErrorTypePoolExhausted}
	ErrTimeout         = Error{Type: ErrorTypeTimeout}
	ErrBackend         = Error{Type: ErrorTypeBackend}
	ErrNotFound        = Error{Type: ErrorTypeNotFound}
	ErrDuplicate       = Error{Type: ErrorTypeDuplicate}
	ErrInvalidArgument = Error{Type: ErrorTypeInvalidArgument}
)

// NewError creates a new Error
func NewError(errorType ErrorType, message string) Error {
	return Error{
		Type:    errorType,
		Message: message,
	}
}

// NewErrorWithCause creates a new Error with a cause
func NewErrorWithCause(errorType ErrorType, message string, cause error) Error {
	return Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewErrorWithCode creates a new Error with a backend specific code
func NewErrorWithCode(errorType ErrorType, message string, code string) Error {
	return Error{
		Type:    errorType,
		Message: message,
		Code:    code,
	}
}

// Errorf creates a new Error with a formatted message.
func Errorf(errorType ErrorType, format string, args ...interface{}) Error {
	return NewError(errorType, fmt.Sprintf(format, args...))
}

// Unsupported builds the error returned when a backend cannot express a construct.
func Unsupported(backend string, construct string) Error {
	return Error{
		Type:    ErrorTypeUnsupported,
		Message: fmt.Sprintf("%s is not supported by %s", construct, backend),
		Backend: backend,
	}
}

// AsError extracts an Error from err's chain.
func AsError(err error) (Error, bool) {
	var e Error
	if errors.As(err, &e) {
		return e, true
	}
	var pe *Error
	if errors.As(err, &pe) && pe != nil {
		return *pe, true
	}
	return Error{}, false
}

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errorType ErrorType) bool {
	e, ok := AsError(err)
	return ok && e.Type == errorType
}

// IsSchema checks if an error is a malformed entity declaration
func IsSchema(err error) bool { return IsErrorType(err, ErrorTypeSchema) }

// IsEncoding checks if an error is an entity encoding failure
func IsEncoding(err error) bool { return IsErrorType(err, ErrorTypeEncoding) }

// IsDecoding checks if an error is a record decoding failure
func IsDecoding(err error) bool { return IsErrorType(err, ErrorTypeDecoding) }

// IsUnsupported checks if an error is an "unsupported" error
func IsUnsupported(err error) bool { return IsErrorType(err, ErrorTypeUnsupported) }

// IsPoolExhausted checks if no session was available within the borrow timeout
func IsPoolExhausted(err error) bool { return IsErrorType(err, ErrorTypePoolExhausted) }

// IsTimeout checks if an error is a "timeout" error
func IsTimeout(err error) bool { return IsErrorType(err, ErrorTypeTimeout) }

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool { return IsErrorType(err, ErrorTypeNotFound) }

// IsDuplicate checks if an error is a "duplicate" error
func IsDuplicate(err error) bool { return IsErrorType(err, ErrorTypeDuplicate) }

// IsConnection checks if an error is a "connection" error
func IsConnection(err error) bool { return IsErrorType(err, ErrorTypeConnection) }

// IsTransaction checks if an error is a "transaction" error
func IsTransaction(err error) bool { return IsErrorType(err, ErrorTypeTransaction) }

// IsBackend reports whether err wraps a native driver failure.
// Not-found, duplicate and connection errors are backend errors too.
func IsBackend(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Type {
	case ErrorTypeBackend, ErrorTypeNotFound, ErrorTypeDuplicate, ErrorTypeConnection:
		return true
	}
	return false
}

// IsRetryable reports whether a caller may retry the failed operation with backoff.
// Nothing in upa retries on its own.
func IsRetryable(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	return e.Type == ErrorTypePoolExhausted || e.Type == ErrorTypeConnection || e.Transient
}

// annotate stamps err with the entity and operation it came from. Errors not
// produced by upa are wrapped as backend errors; context expiry becomes a timeout.
func annotate(ctx context.Context, err error, entity, operation, backend string) Error {
	e, ok := AsError(err)
	if !ok {
		e = NewErrorWithCause(ErrorTypeBackend, "backend operation failed", err)
	}
	if (e.Type == ErrorTypeBackend || e.Type == ErrorTypeConnection) && isContextErr(ctx, err) {
		e = Error{
			Type:    ErrorTypeTimeout,
			Message: "operation exceeded caller deadline",
			Cause:   err,
		}
	}
	if e.Entity == "" {
		e.Entity = entity
	}
	if e.Operation == "" {
		e.Operation = operation
	}
	if e.Backend == "" {
		e.Backend = backend
	}
	return e
}

func isContextErr(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return ctx.Err() != nil
}
