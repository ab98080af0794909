// Package errors provides enhanced error handling for the parzen optimizer.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// Error kinds. Every error surfaced by the optimizer wraps one of these so
// callers can branch with errors.Is.
var (
	// ErrConfiguration reports a malformed search space or optimizer config.
	ErrConfiguration = stderrors.New("configuration error")
	// ErrInvalidStateTransition reports misuse of the trial store.
	ErrInvalidStateTransition = stderrors.New("invalid state transition")
	// ErrUnknownTrial reports a trial id that was never issued.
	ErrUnknownTrial = stderrors.New("unknown trial")
	// ErrNoSuccessfulTrials is returned when a run ends without an OK trial.
	ErrNoSuccessfulTrials = stderrors.New("no successful trials")
	// ErrObjective marks a failed objective evaluation.
	ErrObjective = stderrors.New("objective evaluation failed")
	// ErrExhausted is returned by strategies that have nothing left to suggest.
	ErrExhausted = stderrors.New("search space exhausted")
)

// Error represents an error with context and stack trace.
type Error struct {
	// The underlying error that was returned
	Err error
	// A human-readable message describing the error
	Message string
	// The operation that was being performed when the error occurred
	Operation string
	// The component or package where the error occurred
	Component string
	// The stack trace
	Stack []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var builder strings.Builder

	if e.Component != "" {
		builder.WriteString(e.Component)
	}

	if e.Operation != "" {
		if builder.Len() > 0 {
			builder.WriteString(".")
		}
		builder.WriteString(e.Operation)
	}

	if e.Message != "" {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString(e.Message)
	}

	if e.Err != nil {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString(e.Err.Error())
	}

	return builder.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithMessage adds a message to the error.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithOperation adds an operation to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithComponent adds a component to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// StackTrace returns the stack trace as a slice of strings.
func (e *Error) StackTrace() []string {
	return e.Stack
}

// New creates a new error with a message.
func New(msg string) *Error {
	return &Error{
		Message: msg,
		Stack:   getStackTrace(),
	}
}

// Errorf creates a new error with a formatted message.
func Errorf(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Stack:   getStackTrace(),
	}
}

// Wrap wraps an error with additional context. Unlike errors created with
// New, the wrapped error stays reachable through errors.Is and errors.As.
func Wrap(err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Err:     err,
		Message: msg,
		Stack:   getStackTrace(),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Err:     err,
		Message: fmt.Sprintf(format, args...),
		Stack:   getStackTrace(),
	}
}

// Configurationf builds an ErrConfiguration for the given component.
func Configurationf(component, format string, args ...interface{}) *Error {
	e := Wrapf(ErrConfiguration, format, args...)
	e.Component = component
	return e
}

// Objective marks err as an objective failure. Both ErrObjective and err
// stay matchable with Is and As.
func Objective(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Err:   fmt.Errorf("%w: %w", ErrObjective, err),
		Stack: getStackTrace(),
	}
}

// FromPanic converts a recovered panic value into an ErrObjective.
func FromPanic(rec interface{}) *Error {
	if err, ok := rec.(error); ok {
		return Objective(fmt.Errorf("panic: %w", err))
	}
	return Wrapf(ErrObjective, "panic: %v", rec)
}

// getStackTrace returns the current stack trace as a slice of strings.
func getStackTrace() []string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // Skip runtime.Callers, getStackTrace, and the constructor
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]string, 0, n)

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") && !strings.Contains(frame.File, "internal/errors") {
			stack = append(stack, fmt.Sprintf("%s\n\t%s:%d", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}

	return stack
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if err's
// type contains an Unwrap method returning error.
// Otherwise, Unwrap returns nil.
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}
