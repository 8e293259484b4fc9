package common

import (
	"errors"
	"fmt"
	"testing"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorCategory
	}{
		{"nil", nil, ""},
		{"unauthorized", ErrUnauthorized, CategoryUnauthorized},
		{"wrapped not found", fmt.Errorf("failed to load folder: %w", ErrNotFound), CategoryNotFound},
		{"permission", fmt.Errorf("drive: %w", ErrPermissionDenied), CategoryPermissionDenied},
		{"mime", fmt.Errorf("upload: %w", ErrUnsupportedMimeType), CategoryValidation},
		{"cycle", ErrFolderCycle, CategoryValidation},
		{"other", errors.New("connection reset"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Categorize(tt.err); got != tt.expected {
				t.Errorf("Categorize(%v) = %q, want %q", tt.err, got, tt.expected)
			}
		})
	}
}

func TestUserMessage_HidesInternalErrors(t *testing.T) {
	msg := UserMessage(errors.New("pq: password authentication failed"))
	if msg != "Something went wrong. Please try again." {
		t.Errorf("internal error leaked: %q", msg)
	}
}

func TestUserMessage_ValidationKeepsText(t *testing.T) {
	err := fmt.Errorf("%w: file is required", ErrValidation)
	if got := UserMessage(err); got != err.Error() {
		t.Errorf("UserMessage() = %q, want %q", got, err.Error())
	}
}
