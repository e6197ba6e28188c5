package main

import (
	"fmt"
	"sort"
	"strings"
)

// ErrorCode classifies a failure by the point in a scope's life where it happened.
type ErrorCode string

const (
	// Reported before any side effect.
	ErrValidation ErrorCode = "validation_failed"
	ErrConflict   ErrorCode = "root_conflict"

	// Reported after rolling back whatever the failing open acquired.
	ErrAcquisition ErrorCode = "acquisition_failed"

	// Reported per run; the scope stays usable.
	ErrExecution ErrorCode = "execution_failed"
	ErrTimeout   ErrorCode = "timeout"

	// The scope is not in a state that allows the request.
	ErrInvalidState ErrorCode = "invalid_state"

	// A mount or file could not be released.
	ErrTeardown ErrorCode = "teardown_failed"
)

// GuestError is a structured error carrying a code and the resource it concerns.
type GuestError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Cause     error                  `json:"-"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Component string                 `json:"component,omitempty"`
}

func (e *GuestError) Error() string {
	var parts []string

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Component))
	}

	parts = append(parts, fmt.Sprintf("%s: %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("(%s)", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("caused by: %v", e.Cause))
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying cause.
func (e *GuestError) Unwrap() error {
	return e.Cause
}

// NewGuestError creates a new structured error
func NewGuestError(code ErrorCode, message string) *GuestError {
	return &GuestError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewGuestErrorWithCause creates a new structured error with a cause
func NewGuestErrorWithCause(code ErrorCode, message string, cause error) *GuestError {
	return &GuestError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext attaches a key/value pair shown in Error.
func (e *GuestError) WithContext(key string, value interface{}) *GuestError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func (e *GuestError) WithComponent(component string) *GuestError {
	e.Component = component
	return e
}

// IsErrorCode reports whether any GuestError reachable from err has the
// given code. Joined errors and ErrorChains are searched branch by branch.
func IsErrorCode(err error, code ErrorCode) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *GuestError:
		if e.Code == code {
			return true
		}
		return IsErrorCode(e.Cause, code)
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if IsErrorCode(inner, code) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		return IsErrorCode(e.Unwrap(), code)
	}
	return false
}

// ErrorChain collects independent failures of one operation, such as the
// individual unmounts of a teardown.
type ErrorChain struct {
	Errors    []error `json:"errors"`
	Operation string  `json:"operation"`
}

func (ec *ErrorChain) Error() string {
	switch len(ec.Errors) {
	case 0:
		return ec.Operation + ": no errors recorded"
	case 1:
		return fmt.Sprintf("%s: %v", ec.Operation, ec.Errors[0])
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d errors", ec.Operation, len(ec.Errors))
	for _, err := range ec.Errors {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (ec *ErrorChain) Unwrap() []error {
	return ec.Errors
}

// Add records err; nil is ignored.
func (ec *ErrorChain) Add(err error) {
	if err != nil {
		ec.Errors = append(ec.Errors, err)
	}
}

// Merge appends every error of other to ec.
func (ec *ErrorChain) Merge(other *ErrorChain) {
	if other == nil {
		return
	}
	for _, err := range other.Errors {
		ec.Add(err)
	}
}

func (ec *ErrorChain) HasErrors() bool {
	return len(ec.Errors) > 0
}

// ToError returns ec, or nil when nothing was recorded.
func (ec *ErrorChain) ToError() error {
	if ec.HasErrors() {
		return ec
	}
	return nil
}

func NewErrorChain(operation string) *ErrorChain {
	return &ErrorChain{Operation: operation}
}

// Helpers for the common shapes.

func validationError(field, message string) *GuestError {
	return NewGuestError(ErrValidation, message).
		WithContext("field", field).
		WithComponent("config")
}

func teardownError(resource, path string, cause error) *GuestError {
	return NewGuestErrorWithCause(ErrTeardown,
		fmt.Sprintf("failed to release %s", resource), cause).
		WithContext("path", path).
		WithComponent(resource)
}
