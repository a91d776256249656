package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := New(ErrCategoryReader, CodeNotFound, "rank 3 not found")
	expected := "[READER:NOT_FOUND] rank 3 not found"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("permission denied")
	err := IOError(ErrCategoryReader, "open RDB-00000000.tbl", cause)
	expected := "[READER:IO_ERROR] open RDB-00000000.tbl: permission denied"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := IOError(ErrCategoryCompaction, "append", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestError_Is(t *testing.T) {
	err1 := Corruption(ErrCategoryManifest, "seq %d", 1)
	err2 := Corruption(ErrCategoryManifest, "seq %d", 2)
	err3 := InvalidArgument(ErrCategoryManifest, "kv sizes")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestHasCode(t *testing.T) {
	wrapped := fmt.Errorf("query: %w", NotFound(ErrCategoryReader, "rank %d", 9))

	if !IsNotFound(wrapped) {
		t.Error("IsNotFound should see through fmt.Errorf wrapping")
	}
	if IsCorruption(wrapped) {
		t.Error("IsCorruption should be false for a not-found error")
	}
	if GetCategory(wrapped) != ErrCategoryReader {
		t.Errorf("got category %q, want %q", GetCategory(wrapped), ErrCategoryReader)
	}
	if HasCode(fmt.Errorf("plain"), CodeNotFound) {
		t.Error("plain errors carry no code")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err       error
		retryable bool
	}{
		{IOError(ErrCategoryStorage, "download", nil), true},
		{IOError(ErrCategoryReader, "read", nil), false},
		{NotFound(ErrCategoryStorage, "object"), false},
		{Corruption(ErrCategoryManifest, "bad footer"), false},
		{BufferFull(ErrCategoryReader, "block too large"), false},
		{fmt.Errorf("plain"), false},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.retryable)
		}
	}
}

func TestWithDetails(t *testing.T) {
	base := InvalidArgument(ErrCategoryCompaction, "cutoff")
	withDetails := base.WithDetails(map[string]interface{}{"cutoff": 4.0})

	if base.Details != nil {
		t.Error("WithDetails must not mutate the receiver")
	}
	if withDetails.Details["cutoff"] != 4.0 {
		t.Errorf("got details %v", withDetails.Details)
	}
}
