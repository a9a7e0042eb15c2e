package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEngineError_Message(t *testing.T) {
	err := NewBusyError("distribution deploying", errors.New("InProgress")).
		WithResource("cdn:E123").
		WithOperation(string(OpAddAlias))

	msg := err.Error()
	for _, want := range []string{"[busy]", "distribution deploying: InProgress", "resource=cdn:E123", "operation=AddAlias"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in %q", want, msg)
		}
	}
	if err.Reason() != "distribution deploying" {
		t.Errorf("Unexpected reason %q", err.Reason())
	}
}

func TestEngineError_Chain(t *testing.T) {
	cause := errors.New("503")
	wrapped := fmt.Errorf("apply: %w", NewThrottledError("slow down", cause))

	if !errors.Is(wrapped, cause) {
		t.Error("Expected the cause to stay in the chain")
	}
	if !errors.Is(wrapped, &EngineError{Class: ErrorClassThrottled, Code: ErrCodeRateLimited}) {
		t.Error("Expected class and code to match")
	}
	if !IsThrottled(wrapped) || !IsRetryable(wrapped) || IsPermanent(wrapped) {
		t.Error("Unexpected classification")
	}
}

func TestAsEngineError(t *testing.T) {
	if AsEngineError(nil) != nil {
		t.Error("Expected nil for a nil error")
	}

	timeout := AsEngineError(fmt.Errorf("read: %w", context.DeadlineExceeded))
	if timeout.Class != ErrorClassTransient || timeout.Code != ErrCodeTimeout {
		t.Errorf("Unexpected timeout classification: %s %s", timeout.Class, timeout.Code)
	}

	if e := AsEngineError(errors.New("boom")); !IsTransient(e) {
		t.Error("Expected unclassified errors to be transient")
	}

	perm := NewPermanentError("quota", nil).WithCode(ErrCodeQuotaExceeded)
	if AsEngineError(perm) != perm {
		t.Error("Expected the classified error itself")
	}
	if IsRetryable(perm) {
		t.Error("Permanent errors are not retryable")
	}
}

func TestConflictVersion(t *testing.T) {
	err := fmt.Errorf("update: %w", NewConflictError("stale etag", "E2", nil))
	if !IsConflict(err) || CurrentVersion(err) != "E2" {
		t.Errorf("Expected a conflict carrying E2, got %v", err)
	}
	if CurrentVersion(NewConflictError("stale", "", nil)) != "" {
		t.Error("Expected no version when none is known")
	}
	if CurrentVersion(errors.New("x")) != "" {
		t.Error("Expected no version for an unclassified error")
	}
}

func TestNotFound(t *testing.T) {
	err := NewNotFoundError(CertificateRef("arn:cert"))
	if !IsNotFound(err) || !IsPermanent(err) {
		t.Error("Expected a permanent not-found error")
	}
	if err.Resource != CertificateRef("arn:cert").Key() {
		t.Errorf("Unexpected resource %q", err.Resource)
	}
}
