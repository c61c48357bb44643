package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassSurvivesWrapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation", fmt.Errorf("submit: %w", Validation("content", "must not be empty")), "validation"},
		{"permanent", fmt.Errorf("stage parse: %w", Permanent("parse", errors.New("bad pdf"))), "permanent"},
		{"transient", fmt.Errorf("stage index: %w", Transient("index", context.DeadlineExceeded)), "transient"},
		{"degraded", &DegradedError{Feature: "rewrite", Err: errors.New("timeout")}, "degraded"},
		{"other", errors.New("boom"), "*errors.errorString"},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Class(tt.err); got != tt.want {
				t.Errorf("Class() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTransientUnwrap(t *testing.T) {
	err := Transient("index", context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("errors.Is(Transient(..., DeadlineExceeded), DeadlineExceeded) = false")
	}
	if Transient("x", nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
	if Permanent("x", nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestValidationMessage(t *testing.T) {
	err := Validation("scopes", "tag %q contains whitespace", "a b")
	want := `validation: scopes: tag "a b" contains whitespace`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
