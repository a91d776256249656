// Package errors provides structured error types for rangescan.
// All errors carry a category (the component that failed), a code (what kind
// of failure it was), a message and a retryable flag.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryManifest   ErrorCategory = "MANIFEST"
	ErrCategoryReader     ErrorCategory = "READER"
	ErrCategoryQuery      ErrorCategory = "QUERY"
	ErrCategoryCompaction ErrorCategory = "COMPACTION"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryConfig     ErrorCategory = "CONFIG"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes. These are shared by all categories.
const (
	CodeNotFound        = "NOT_FOUND"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeCorruption      = "CORRUPTION"
	CodeIOError         = "IO_ERROR"
	CodeBufferFull      = "BUFFER_FULL"
	CodeUnexpected      = "UNEXPECTED"
)

// Error is the structured error type used throughout the system.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether any error in the chain carries code, regardless of
// category.
func HasCode(err error, code string) bool {
	return GetCode(err) == code
}

func IsNotFound(err error) bool        { return HasCode(err, CodeNotFound) }
func IsInvalidArgument(err error) bool { return HasCode(err, CodeInvalidArgument) }
func IsCorruption(err error) bool      { return HasCode(err, CodeCorruption) }
func IsIOError(err error) bool         { return HasCode(err, CodeIOError) }
func IsBufferFull(err error) bool      { return HasCode(err, CodeBufferFull) }

// isRetryable marks transient storage failures. Everything the reader or
// compactor reports is deterministic for a given directory.
func isRetryable(category ErrorCategory, code string) bool {
	return category == ErrCategoryStorage && code == CodeIOError
}

// Convenience constructors for the taxonomy.

func NotFound(category ErrorCategory, format string, args ...interface{}) *Error {
	return New(category, CodeNotFound, fmt.Sprintf(format, args...))
}

func InvalidArgument(category ErrorCategory, format string, args ...interface{}) *Error {
	return New(category, CodeInvalidArgument, fmt.Sprintf(format, args...))
}

func Corruption(category ErrorCategory, format string, args ...interface{}) *Error {
	return New(category, CodeCorruption, fmt.Sprintf(format, args...))
}

func BufferFull(category ErrorCategory, format string, args ...interface{}) *Error {
	return New(category, CodeBufferFull, fmt.Sprintf(format, args...))
}

func IOError(category ErrorCategory, message string, cause error) *Error {
	return Wrap(category, CodeIOError, message, cause)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
