package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestOpErrorMessage(t *testing.T) {
	err := NewOpError(ClassCritical, "create_dataset", "grafana", fmt.Errorf("boom"))
	if got := err.Error(); got != "create_dataset failed on grafana: boom" {
		t.Fatalf("Error() = %q", got)
	}
	err = NewOpError(ClassFatal, "stop_runtime", "", fmt.Errorf("boom"))
	if got := err.Error(); got != "stop_runtime failed: boom" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestOpErrorIs(t *testing.T) {
	transient := Transient("pg_restore", "immich", fmt.Errorf("ERROR: deadlock detected"))
	if !errors.Is(transient, ErrDeadlock) {
		t.Fatal("transient errors should match ErrDeadlock")
	}

	wrapped := fmt.Errorf("restore: %w", Critical("wait", "app", ErrTimeout))
	if !errors.Is(wrapped, ErrTimeout) {
		t.Fatal("expected wrapped timeout to match")
	}
	if errors.Is(wrapped, ErrDeadlock) {
		t.Fatal("critical error must not match ErrDeadlock")
	}
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ""},
		{"plain", errors.New("x"), ClassCritical},
		{"aborted", fmt.Errorf("plan: %w", ErrAborted), ClassFatal},
		{"recoverable", Recoverable("apply_secret", "a", errors.New("x")), ClassRecoverable},
		{"wrapped fatal", fmt.Errorf("outer: %w", Fatal("start", errors.New("x"))), ClassFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassOf(tt.err); got != tt.want {
				t.Fatalf("ClassOf() = %q, want %q", got, tt.want)
			}
		})
	}

	if !IsTransient(Transient("op", "", errors.New("x"))) || IsFatal(errors.New("x")) {
		t.Fatal("unexpected helper classification")
	}
}
