// Package errors provides structured error types for trendbridge.
// All errors carry a category, code, message, and retryable flag so callers
// (the HTTP layer in particular) can classify failures without string matching.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCategory classifies errors by failure domain.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryConnection ErrorCategory = "CONNECTION"
	ErrCategoryAttach     ErrorCategory = "ATTACH"
	ErrCategoryDecode     ErrorCategory = "DECODE"
	ErrCategoryMigration  ErrorCategory = "MIGRATION"
	ErrCategoryLock       ErrorCategory = "LOCK"
	ErrCategoryCatalog    ErrorCategory = "CATALOG"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeConfigInvalid = "CONFIG_INVALID"
	CodeInvalidQuery  = "INVALID_QUERY"
	CodeInvalidSample = "INVALID_SAMPLE"

	// Connection codes
	CodeConnectionFailed = "CONNECTION_FAILED"

	// Attach codes
	CodeAttachFailed = "ATTACH_FAILED"

	// Decode codes
	CodeRowDecode = "ROW_DECODE_ERROR"

	// Migration codes
	CodeIntegrityWarning = "INTEGRITY_WARNING"
	CodeMigrationFailed  = "MIGRATION_FAILED"

	// Lock codes
	CodeLockContention = "LOCK_CONTENTION"

	// Catalog codes
	CodeDuplicatePartition = "DUPLICATE_PARTITION"
	CodePartitionNotFound  = "PARTITION_NOT_FOUND"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeDeleteFailed   = "DELETE_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
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
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var te *Error
	if errors.As(err, &te) {
		return te.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// HTTPStatus maps an error chain to the response class the route layer returns.
func HTTPStatus(err error) int {
	switch GetCategory(err) {
	case ErrCategoryValidation:
		return http.StatusBadRequest
	case ErrCategoryConnection, ErrCategoryAttach, ErrCategoryLock:
		return http.StatusServiceUnavailable
	case ErrCategoryCatalog:
		switch GetCode(err) {
		case CodePartitionNotFound:
			return http.StatusNotFound
		case CodeDuplicatePartition:
			return http.StatusConflict
		}
	}
	return http.StatusInternalServerError
}

// isRetryable determines if an error code is retryable.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryLock && code == CodeLockContention:
		return true
	case category == ErrCategoryConnection && code == CodeConnectionFailed:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *Error {
	return New(ErrCategoryValidation, code, message)
}

// NewConfigValidationError reports an invalid partition configuration.
func NewConfigValidationError(message string) *Error {
	return New(ErrCategoryValidation, CodeConfigInvalid, message)
}

func NewConnectionError(message string, cause error) *Error {
	return Wrap(ErrCategoryConnection, CodeConnectionFailed, message, cause)
}

// NewAttachError reports a partition file that could not be attached.
func NewAttachError(path string, cause error) *Error {
	return Wrap(ErrCategoryAttach, CodeAttachFailed, fmt.Sprintf("cannot attach partition %s", path), cause).
		WithDetails(map[string]interface{}{"path": path})
}

// NewRowDecodeError names the column that could not be extracted.
func NewRowDecodeError(column string, cause error) *Error {
	msg := fmt.Sprintf("cannot decode column %q", column)
	var e *Error
	if cause != nil {
		e = Wrap(ErrCategoryDecode, CodeRowDecode, msg, cause)
	} else {
		e = New(ErrCategoryDecode, CodeRowDecode, msg)
	}
	return e.WithDetails(map[string]interface{}{"column": column})
}

func NewMigrationError(message string, cause error) *Error {
	return Wrap(ErrCategoryMigration, CodeMigrationFailed, message, cause)
}

// NewIntegrityWarning builds the non-fatal record attached to migration reports.
func NewIntegrityWarning(message string) *Error {
	return New(ErrCategoryMigration, CodeIntegrityWarning, message)
}

func NewLockContentionError(attempts int, cause error) *Error {
	return Wrap(ErrCategoryLock, CodeLockContention,
		fmt.Sprintf("database still locked after %d attempts", attempts), cause)
}

func NewCatalogError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryCatalog, code, message, cause)
}

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
