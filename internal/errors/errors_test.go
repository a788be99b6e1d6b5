package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestDeckError_Error(t *testing.T) {
	err := New(ErrCategoryStorage, CodeUploadFailed, "upload failed")
	expected := "[STORAGE:UPLOAD_FAILED] upload failed"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestDeckError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(ErrCategoryStorage, CodeUploadFailed, "upload failed", cause)
	expected := "[STORAGE:UPLOAD_FAILED] upload failed: connection refused"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestDeckError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := NewPlanningError("planner crashed", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestDeckError_Is(t *testing.T) {
	err1 := New(ErrCategoryConfiguration, CodeComponentCycle, "first")
	err2 := New(ErrCategoryConfiguration, CodeComponentCycle, "second")
	err3 := New(ErrCategoryConfiguration, CodeDuplicateLabel, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestSentinels(t *testing.T) {
	if !errors.Is(NewUnknownFieldError("loss", "Total"), ErrUnknownField) {
		t.Error("unknown field error should match ErrUnknownField")
	}
	if !errors.Is(NewConfigurationError(CodeUnresolvedComponent, "Total", "missing"), ErrUnresolvedComponent) {
		t.Error("configuration error should match ErrUnresolvedComponent")
	}
	if errors.Is(NewTypeMismatchError(CodeFilterTypeMismatch, "lob", "A", "bad"), ErrTypeMismatch) {
		t.Error("filter mismatch should not match aggregation mismatch")
	}

	wrapped := fmt.Errorf("pass failed: %w", NewSlideCompilationError(3, NewUnknownFieldError("loss", "Total")))
	if !errors.Is(wrapped, ErrSlideCompilation) {
		t.Error("wrapped slide compilation error should match sentinel")
	}
	if !errors.Is(wrapped, ErrUnknownField) {
		t.Error("slide compilation error should expose its cause")
	}
}

func TestSlideCompilationErrorDetails(t *testing.T) {
	err := NewSlideCompilationError(2, NewUnknownFieldError("paid_loss", "Property"))

	if got := Detail(err, DetailSlide); got != "2" {
		t.Errorf("slide detail = %q, want 2", got)
	}
	if got := Detail(err, DetailField); got != "paid_loss" {
		t.Errorf("field detail = %q, want paid_loss", got)
	}
	if got := Detail(err, DetailRow); got != "Property" {
		t.Errorf("row detail = %q, want Property", got)
	}
	if got := Detail(fmt.Errorf("plain"), DetailField); got != "" {
		t.Errorf("plain error detail = %q, want empty", got)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStorage, CodeUploadFailed, true},
		{ErrCategoryStorage, CodeDownloadFailed, true},
		{ErrCategoryStorage, CodeObjectNotFound, false},
		{ErrCategoryRender, CodeRenderFailed, true},
		{ErrCategoryValidation, CodeUnknownField, false},
		{ErrCategoryConfiguration, CodeComponentCycle, false},
		{ErrCategoryPlanning, CodePlanningFailed, false},
		{ErrCategoryCompilation, CodeSlideCompilationFailed, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestGetCategory(t *testing.T) {
	err := NewProjectError(CodeProjectNotFound, "no such project")
	if GetCategory(err) != ErrCategoryProject {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryProject)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-DeckError should return empty category")
	}
}

func TestGetCode(t *testing.T) {
	err := NewProjectError(CodeUnknownSlide, "slide 9")
	if GetCode(err) != CodeUnknownSlide {
		t.Errorf("got %q, want %q", GetCode(err), CodeUnknownSlide)
	}
	if GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("non-DeckError should return empty code")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrCategoryValidation, CodeUnknownField, "bad field")
	detailed := err.WithDetails(map[string]interface{}{"field": "tenant_id"})

	if detailed.Details["field"] != "tenant_id" {
		t.Error("WithDetails should set details")
	}
	// Original should be unmodified
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	s := NewStorageError(CodeUploadFailed, "s3 down", cause)
	if s.Category != ErrCategoryStorage || !errors.Is(s, cause) {
		t.Error("NewStorageError mismatch")
	}

	r := NewRenderError("encode", cause)
	if r.Category != ErrCategoryRender || r.Code != CodeRenderFailed {
		t.Error("NewRenderError mismatch")
	}

	v := NewValidationError(CodeInvalidDataset, "bad csv")
	if v.Category != ErrCategoryValidation {
		t.Error("NewValidationError mismatch")
	}

	i := NewInternalError("unexpected", cause)
	if i.Category != ErrCategoryInternal || i.Code != CodeUnexpected {
		t.Error("NewInternalError mismatch")
	}
}
