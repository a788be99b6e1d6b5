// Package errors provides structured error types for tabledeck.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across the engine, orchestrator and transports.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation    ErrorCategory = "VALIDATION"
	ErrCategoryConfiguration ErrorCategory = "CONFIGURATION"
	ErrCategoryPlanning      ErrorCategory = "PLANNING"
	ErrCategoryCompilation   ErrorCategory = "COMPILATION"
	ErrCategoryRender        ErrorCategory = "RENDER"
	ErrCategoryProject       ErrorCategory = "PROJECT"
	ErrCategoryStorage       ErrorCategory = "STORAGE"
	ErrCategoryInternal      ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeUnknownField       = "UNKNOWN_FIELD"
	CodeTypeMismatch       = "TYPE_MISMATCH"
	CodeFilterTypeMismatch = "FILTER_TYPE_MISMATCH"
	CodeInvalidDataset     = "INVALID_DATASET"

	// Configuration codes
	CodeInvalidRowSpec      = "INVALID_ROW_SPEC"
	CodeUnresolvedComponent = "UNRESOLVED_COMPONENT"
	CodeComponentCycle      = "COMPONENT_CYCLE"
	CodeDuplicateLabel      = "DUPLICATE_LABEL"

	// Planning codes
	CodePlanningFailed = "PLANNING_FAILED"

	// Compilation codes
	CodeSlideCompilationFailed = "SLIDE_COMPILATION_FAILED"

	// Render codes
	CodeRenderFailed = "RENDER_FAILED"

	// Project codes
	CodeProjectNotFound   = "PROJECT_NOT_FOUND"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeProjectFailed     = "PROJECT_FAILED"
	CodeProjectClosed     = "PROJECT_CLOSED"
	CodeUnknownSlide      = "UNKNOWN_SLIDE"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Detail keys carried by engine and compilation errors.
const (
	DetailField = "field"
	DetailRow   = "row"
	DetailSlide = "slide"
)

// DeckError is the structured error type used throughout the system.
type DeckError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *DeckError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *DeckError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *DeckError) Is(target error) bool {
	var t *DeckError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new DeckError.
func New(category ErrorCategory, code, message string) *DeckError {
	return &DeckError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new DeckError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *DeckError {
	return &DeckError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DeckError) WithDetails(details map[string]interface{}) *DeckError {
	cp := *e
	cp.Details = details
	return &cp
}

// Sentinels for errors.Is. Matching is by category and code only.
var (
	ErrUnknownField        = New(ErrCategoryValidation, CodeUnknownField, "unknown field")
	ErrTypeMismatch        = New(ErrCategoryValidation, CodeTypeMismatch, "aggregation type mismatch")
	ErrFilterTypeMismatch  = New(ErrCategoryValidation, CodeFilterTypeMismatch, "filter type mismatch")
	ErrInvalidRowSpec      = New(ErrCategoryConfiguration, CodeInvalidRowSpec, "invalid row spec")
	ErrUnresolvedComponent = New(ErrCategoryConfiguration, CodeUnresolvedComponent, "unresolved component row")
	ErrComponentCycle      = New(ErrCategoryConfiguration, CodeComponentCycle, "component cycle")
	ErrDuplicateLabel      = New(ErrCategoryConfiguration, CodeDuplicateLabel, "duplicate row label")
	ErrPlanningFailed      = New(ErrCategoryPlanning, CodePlanningFailed, "planning failed")
	ErrSlideCompilation    = New(ErrCategoryCompilation, CodeSlideCompilationFailed, "slide compilation failed")
	ErrRenderFailed        = New(ErrCategoryRender, CodeRenderFailed, "render failed")
	ErrProjectNotFound     = New(ErrCategoryProject, CodeProjectNotFound, "project not found")
	ErrInvalidTransition   = New(ErrCategoryProject, CodeInvalidTransition, "invalid transition")
	ErrProjectFailed       = New(ErrCategoryProject, CodeProjectFailed, "project failed")
	ErrProjectClosed       = New(ErrCategoryProject, CodeProjectClosed, "project closed")
	ErrUnknownSlide        = New(ErrCategoryProject, CodeUnknownSlide, "unknown slide")
	ErrObjectNotFound      = New(ErrCategoryStorage, CodeObjectNotFound, "object not found")
)

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var de *DeckError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a DeckError.
func GetCategory(err error) ErrorCategory {
	var de *DeckError
	if errors.As(err, &de) {
		return de.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a DeckError.
func GetCode(err error) string {
	var de *DeckError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// Detail returns a string detail from the first DeckError in the chain that
// carries key.
func Detail(err error, key string) string {
	for err != nil {
		var de *DeckError
		if !errors.As(err, &de) {
			return ""
		}
		if v, ok := de.Details[key]; ok {
			return fmt.Sprint(v)
		}
		err = de.Cause
	}
	return ""
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryRender && code == CodeRenderFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *DeckError {
	return New(ErrCategoryValidation, code, message)
}

// NewUnknownFieldError reports a metric or filter field missing from the schema.
func NewUnknownFieldError(field, row string) *DeckError {
	return New(ErrCategoryValidation, CodeUnknownField,
		fmt.Sprintf("row %q references unknown field %q", row, field)).
		WithDetails(map[string]interface{}{DetailField: field, DetailRow: row})
}

// NewTypeMismatchError reports an aggregation or filter incompatible with the
// field's declared type.
func NewTypeMismatchError(code, field, row, message string) *DeckError {
	return New(ErrCategoryValidation, code, message).
		WithDetails(map[string]interface{}{DetailField: field, DetailRow: row})
}

func NewConfigurationError(code, row, message string) *DeckError {
	return New(ErrCategoryConfiguration, code, message).
		WithDetails(map[string]interface{}{DetailRow: row})
}

func NewPlanningError(message string, cause error) *DeckError {
	return Wrap(ErrCategoryPlanning, CodePlanningFailed, message, cause)
}

// NewSlideCompilationError wraps an engine error with the failing slide. The
// field and row details of the cause are lifted onto the new error.
func NewSlideCompilationError(slide int, cause error) *DeckError {
	details := map[string]interface{}{DetailSlide: slide}
	if f := Detail(cause, DetailField); f != "" {
		details[DetailField] = f
	}
	if r := Detail(cause, DetailRow); r != "" {
		details[DetailRow] = r
	}
	return Wrap(ErrCategoryCompilation, CodeSlideCompilationFailed,
		fmt.Sprintf("slide %d failed to compile", slide), cause).WithDetails(details)
}

func NewRenderError(message string, cause error) *DeckError {
	return Wrap(ErrCategoryRender, CodeRenderFailed, message, cause)
}

func NewProjectError(code, message string) *DeckError {
	return New(ErrCategoryProject, code, message)
}

func NewStorageError(code, message string, cause error) *DeckError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *DeckError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
