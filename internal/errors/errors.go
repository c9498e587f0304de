// Package errors provides structured error types for the delite rewrite
// pipeline. All errors carry a category, code, and message so callers can
// distinguish configuration faults from state guards, schema rejections,
// I/O failures, and post-publish verification failures.
package errors

import (
	"errors"
	"fmt"
)

// Category classifies errors by failure domain.
type Category string

const (
	CategoryConfig   Category = "CONFIG"
	CategoryState    Category = "STATE"
	CategorySchema   Category = "SCHEMA"
	CategoryIO       Category = "IO"
	CategoryVerify   Category = "VERIFY"
	CategoryInternal Category = "INTERNAL"
)

// Error codes for each category.
const (
	// Config codes
	CodeMalformedMapping = "MALFORMED_MAPPING"
	CodeMalformedDrop    = "MALFORMED_DROP"
	CodeInvalidConfig    = "INVALID_CONFIG"

	// State codes
	CodeAlreadyProcessed = "ALREADY_PROCESSED"
	CodeMissingMetadata  = "MISSING_METADATA"
	CodeNodeNotFound     = "NODE_NOT_FOUND"

	// Schema codes
	CodeSchemaRejected = "SCHEMA_REJECTED"

	// IO codes
	CodeReadFailed    = "READ_FAILED"
	CodeWriteFailed   = "WRITE_FAILED"
	CodeCommitFailed  = "COMMIT_FAILED"
	CodeCopyFailed    = "COPY_FAILED"
	CodeColumnMissing = "COLUMN_MISSING"

	// Verify codes
	CodeValidateFailed = "VALIDATE_FAILED"
	CodeDiffFailed     = "DIFF_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// DeliteError is the structured error type used throughout the rewriter.
type DeliteError struct {
	Category Category
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error returns a formatted error string.
func (e *DeliteError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *DeliteError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *DeliteError) Is(target error) bool {
	var t *DeliteError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new DeliteError.
func New(category Category, code, message string) *DeliteError {
	return &DeliteError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// Wrap creates a new DeliteError wrapping an existing error.
func Wrap(category Category, code, message string, cause error) *DeliteError {
	return &DeliteError{
		Category: category,
		Code:     code,
		Message:  message,
		Cause:    cause,
	}
}

// WithDetails returns a copy of the error with additional details attached.
// Details identify the failing object, row id, or column name for diagnosis.
func (e *DeliteError) WithDetails(details map[string]interface{}) *DeliteError {
	cp := *e
	cp.Details = details
	return &cp
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a DeliteError.
func GetCategory(err error) Category {
	var de *DeliteError
	if errors.As(err, &de) {
		return de.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a DeliteError.
func GetCode(err error) string {
	var de *DeliteError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// Convenience constructors for common errors.

func NewConfigError(code, message string) *DeliteError {
	return New(CategoryConfig, code, message)
}

func NewStateError(code, message string) *DeliteError {
	return New(CategoryState, code, message)
}

func NewSchemaError(message string) *DeliteError {
	return New(CategorySchema, CodeSchemaRejected, message)
}

func NewIOError(code, message string, cause error) *DeliteError {
	return Wrap(CategoryIO, code, message, cause)
}

func NewVerifyError(code, message string, cause error) *DeliteError {
	return Wrap(CategoryVerify, code, message, cause)
}

func NewInternalError(message string, cause error) *DeliteError {
	return Wrap(CategoryInternal, CodeUnexpected, message, cause)
}
