package upa

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorError(t *testing.T) {
	err := Error{
		Type:    ErrorTypeNotFound,
		Message: "user not found",
	}

	expected := "not_found: user not found"
	if err.Error() != expected {
		t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
	}
}

func TestErrorWithCauseAndOperation(t *testing.T) {
	cause := errors.New("database connection failed")
	err := Error{
		Type:      ErrorTypeConnection,
		Message:   "failed to connect",
		Cause:     cause,
		Entity:    "User",
		Operation: "Create",
	}

	expected := "User.Create: connection: failed to connect (caused by: database connection failed)"
	if err.Error() != expected {
		t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
	}
	if err.Unwrap() != cause {
		t.Error("Expected unwrapped error to match original cause")
	}
}

func TestErrorIs(t *testing.T) {
	err1 := Error{Type: ErrorTypeDuplicate, Message: "duplicate key"}
	err2 := Error{Type: ErrorTypeNotFound, Message: "not found error"}

	if !errors.Is(err1, ErrDuplicate) {
		t.Error("Expected errors with same type to match")
	}
	if errors.Is(err1, err2) {
		t.Error("Expected errors with different types to not match")
	}

	wrapped := fmt.Errorf("outer: %w", err2)
	if !errors.Is(wrapped, ErrNotFound) {
		t.Error("Expected wrapped error to match its type")
	}
	if !IsNotFound(wrapped) {
		t.Error("IsNotFound should see through wrapping")
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		err       error
		backend   bool
		retryable bool
	}{
		{NewError(ErrorTypeBackend, "x"), true, false},
		{NewError(ErrorTypeNotFound, "x"), true, false},
		{NewError(ErrorTypeDuplicate, "x"), true, false},
		{NewError(ErrorTypeConnection, "x"), true, true},
		{NewError(ErrorTypePoolExhausted, "x"), false, true},
		{Error{Type: ErrorTypeBackend, Transient: true}, true, true},
		{NewError(ErrorTypeSchema, "x"), false, false},
		{errors.New("plain"), false, false},
	}

	for _, tt := range tests {
		if got := IsBackend(tt.err); got != tt.backend {
			t.Errorf("IsBackend(%v) = %v, want %v", tt.err, got, tt.backend)
		}
		if got := IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.retryable)
		}
	}
}

func TestUnsupportedNamesConstructAndBackend(t *testing.T) {
	err := Unsupported("cassandra", "operator LIKE")
	if !IsUnsupported(err) {
		t.Fatal("expected unsupported")
	}
	if err.Error() != "unsupported: operator LIKE is not supported by cassandra" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if err.Backend != "cassandra" {
		t.Errorf("expected backend cassandra, got %q", err.Backend)
	}
}

func TestAnnotate(t *testing.T) {
	ctx := context.Background()

	e := annotate(ctx, errors.New("driver exploded"), "User", "FindByID", "postgres")
	if e.Type != ErrorTypeBackend || e.Entity != "User" || e.Operation != "FindByID" || e.Backend != "postgres" {
		t.Errorf("unexpected annotation %+v", e)
	}

	kept := annotate(ctx, Error{Type: ErrorTypeDuplicate, Entity: "Order"}, "User", "Create", "mysql")
	if kept.Entity != "Order" || kept.Operation != "Create" {
		t.Errorf("existing fields must be kept, got %+v", kept)
	}

	expired, cancel := context.WithCancel(ctx)
	cancel()
	timeout := annotate(expired, NewErrorWithCause(ErrorTypeBackend, "query failed", context.Canceled), "User", "Count", "mysql")
	if timeout.Type != ErrorTypeTimeout {
		t.Errorf("expected timeout after caller cancellation, got %s", timeout.Type)
	}

	decoding := annotate(expired, NewError(ErrorTypeDecoding, "bad row"), "User", "Count", "mysql")
	if decoding.Type != ErrorTypeDecoding {
		t.Errorf("deterministic errors keep their type, got %s", decoding.Type)
	}
}
