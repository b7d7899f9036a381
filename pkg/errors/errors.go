// Package errors provides a structured error system for tiercache with error codes, categories, and context.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for cache operations.
type ErrorCode string

// Error code constants grouped by category.
const (
	// Remote source errors
	ErrCodeFetchFailed  ErrorCode = "FETCH_FAILED"
	ErrCodeFetchTimeout ErrorCode = "FETCH_TIMEOUT"
	ErrCodeNoFetcher    ErrorCode = "NO_FETCHER"

	// Local store errors
	ErrCodePersistenceFailed ErrorCode = "PERSISTENCE_FAILED"
	ErrCodeSchemaMismatch    ErrorCode = "SCHEMA_MISMATCH"
	ErrCodeCorruptEntry      ErrorCode = "CORRUPT_ENTRY"

	// Asset errors
	ErrCodeAssetLoadFailed ErrorCode = "ASSET_LOAD_FAILED"

	// Contract violations
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	ErrCodeInvalidConfig   ErrorCode = "INVALID_CONFIG"

	// Operation errors
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeInternalError     ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryRemote    ErrorCategory = "remote"
	CategoryStorage   ErrorCategory = "storage"
	CategoryAsset     ErrorCategory = "asset"
	CategoryContract  ErrorCategory = "contract"
	CategoryOperation ErrorCategory = "operation"
	CategoryInternal  ErrorCategory = "internal"
)

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrFetchFailed       = &CacheError{Code: ErrCodeFetchFailed}
	ErrFetchTimeout      = &CacheError{Code: ErrCodeFetchTimeout}
	ErrNoFetcher         = &CacheError{Code: ErrCodeNoFetcher}
	ErrPersistenceFailed = &CacheError{Code: ErrCodePersistenceFailed}
	ErrSchemaMismatch    = &CacheError{Code: ErrCodeSchemaMismatch}
	ErrCorruptEntry      = &CacheError{Code: ErrCodeCorruptEntry}
	ErrInvalidArgument   = &CacheError{Code: ErrCodeInvalidArgument}
	ErrCanceled          = &CacheError{Code: ErrCodeOperationCanceled}
)

// CacheError represents a structured error with context and metadata.
type CacheError struct {
	Code      ErrorCode     `json:"code"`
	Category  ErrorCategory `json:"category"`
	Message   string        `json:"message"`
	Key       string        `json:"key,omitempty"`
	Component string        `json:"component,omitempty"`
	Operation string        `json:"operation,omitempty"`
	Cause     error         `json:"-"`
	Timestamp time.Time     `json:"timestamp"`
	Retryable bool          `json:"retryable"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString("[")
		b.WriteString(e.Component)
		if e.Operation != "" {
			b.WriteString(":")
			b.WriteString(e.Operation)
		}
		b.WriteString("] ")
	}
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Key != "" {
		fmt.Fprintf(&b, " (key=%s)", e.Key)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *CacheError) Is(target error) bool {
	if t, ok := target.(*CacheError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewError creates a new error with default values.
func NewError(code ErrorCode, message string) *CacheError {
	return &CacheError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: IsRetryableByDefault(code),
	}
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeFetchFailed, ErrCodeFetchTimeout, ErrCodeNoFetcher:
		return CategoryRemote
	case ErrCodePersistenceFailed, ErrCodeSchemaMismatch, ErrCodeCorruptEntry:
		return CategoryStorage
	case ErrCodeAssetLoadFailed:
		return CategoryAsset
	case ErrCodeInvalidArgument, ErrCodeInvalidConfig:
		return CategoryContract
	case ErrCodeOperationCanceled:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeFetchFailed, ErrCodeFetchTimeout, ErrCodePersistenceFailed:
		return true
	}
	return false
}

// WithKey sets the cache key the error refers to
func (e *CacheError) WithKey(key string) *CacheError {
	e.Key = key
	return e
}

// WithComponent sets the component for an error
func (e *CacheError) WithComponent(component string) *CacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *CacheError) WithOperation(operation string) *CacheError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *CacheError) WithCause(cause error) *CacheError {
	e.Cause = cause
	return e
}

// NewFetchFailure wraps a remote source error. An error that is already a
// CacheError is returned as is so codes like FETCH_TIMEOUT survive.
func NewFetchFailure(key string, cause error) error {
	var ce *CacheError
	if stderrors.As(cause, &ce) {
		return cause
	}
	if stderrors.Is(cause, context.DeadlineExceeded) {
		return NewError(ErrCodeFetchTimeout, "remote fetch timed out").WithKey(key).WithCause(cause)
	}
	return NewError(ErrCodeFetchFailed, "remote fetch failed").WithKey(key).WithCause(cause)
}

// NewPersistenceFailure wraps a local store error.
func NewPersistenceFailure(key, operation string, cause error) *CacheError {
	return NewError(ErrCodePersistenceFailed, "persistent tier unavailable").
		WithKey(key).WithOperation(operation).WithCause(cause)
}

// NewInvalidArgument reports a programming-contract violation at a call boundary.
func NewInvalidArgument(format string, args ...interface{}) *CacheError {
	return NewError(ErrCodeInvalidArgument, fmt.Sprintf(format, args...))
}

// NewCanceled reports that a caller stopped waiting.
func NewCanceled(key string, cause error) *CacheError {
	return NewError(ErrCodeOperationCanceled, "caller stopped waiting").WithKey(key).WithCause(cause)
}

// NewAssetFailure reports that a prefetch load for url did not succeed.
func NewAssetFailure(url string, cause error) *CacheError {
	return NewError(ErrCodeAssetLoadFailed, "asset load failed").WithKey(url).WithCause(cause)
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	var ce *CacheError
	if stderrors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// IsFetchFailure reports whether err came from the remote source, including timeouts.
func IsFetchFailure(err error) bool {
	return IsCode(err, ErrCodeFetchFailed) || IsCode(err, ErrCodeFetchTimeout)
}

// IsRetryable reports whether err is a CacheError flagged retryable.
func IsRetryable(err error) bool {
	var ce *CacheError
	if stderrors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetCode returns the code of err, or INTERNAL_ERROR for foreign errors.
func GetCode(err error) ErrorCode {
	var ce *CacheError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternalError
}
