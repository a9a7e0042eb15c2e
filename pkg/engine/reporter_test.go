package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sitebind/sitebind/pkg/engine"
	"github.com/sitebind/sitebind/pkg/providers/memory"
)

func seedRecord(t *testing.T, store *memory.Store, id string, status engine.ConvergenceStatus, lastErr *engine.BindingError) {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &engine.BindingRecord{
		BindingID: id,
		Desired: engine.DesiredState{
			Domain:  id,
			Aliases: []string{id},
		},
		Status:      status,
		LastError:   lastErr,
		NextRetryAt: now.Add(time.Minute),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.CreateBinding(context.Background(), rec); err != nil {
		t.Fatalf("CreateBinding failed: %v", err)
	}
}

func TestReporter_Summary(t *testing.T) {
	store := memory.NewStore()
	seedRecord(t, store, "a.example.com", engine.StatusAvailable, nil)
	seedRecord(t, store, "b.example.com", engine.StatusAvailable, nil)
	seedRecord(t, store, "c.example.com", engine.StatusBlocked, &engine.BindingError{Code: engine.ErrCodeQuotaExceeded, Reason: "limit reached"})

	r := engine.NewReporter(store)
	summary, err := r.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if summary.Total != 3 {
		t.Errorf("Expected 3 bindings, got %d", summary.Total)
	}
	if summary.ByStatus[engine.StatusAvailable] != 2 || summary.ByStatus[engine.StatusBlocked] != 1 {
		t.Errorf("Unexpected counts: %v", summary.ByStatus)
	}
	if _, ok := summary.ByStatus[engine.StatusFailed]; !ok {
		t.Error("Expected every status to be present in the summary")
	}

	if err := r.Healthy(context.Background()); err != nil {
		t.Errorf("Expected blocked bindings not to fail the health check, got %v", err)
	}

	seedRecord(t, store, "d.example.com", engine.StatusFailed, &engine.BindingError{Code: engine.ErrCodeConvergenceTimeout})
	if err := r.Healthy(context.Background()); err == nil {
		t.Error("Expected a failed binding to fail the health check")
	}
}

func TestReporter_GetAndList(t *testing.T) {
	store := memory.NewStore()
	seedRecord(t, store, "a.example.com", engine.StatusPendingCertificateIssuance, nil)
	seedRecord(t, store, "b.example.com", engine.StatusBlocked, &engine.BindingError{
		Class:     engine.ErrorClassPermanent,
		Code:      engine.ErrCodeQuotaExceeded,
		Reason:    "certificate limit reached",
		Operation: engine.OpRequestCertificate,
	})

	r := engine.NewReporter(store)
	ctx := context.Background()

	blocked, err := r.Get(ctx, "B.Example.com.")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if blocked.Reason != "certificate limit reached" || blocked.ErrorCode != engine.ErrCodeQuotaExceeded {
		t.Errorf("Unexpected projection: %+v", blocked)
	}
	if blocked.NextRetryAt != nil {
		t.Error("Expected no next retry for a blocked binding")
	}
	if !strings.Contains(blocked.Remediation, "quota") {
		t.Errorf("Expected a quota remediation, got %q", blocked.Remediation)
	}

	pending, err := r.Get(ctx, "a.example.com")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if pending.NextRetryAt == nil {
		t.Error("Expected a next retry for a pending binding")
	}
	if pending.Remediation == "" {
		t.Error("Expected a hint for a pending binding")
	}

	list, err := r.List(ctx, engine.BindingFilter{Statuses: []engine.ConvergenceStatus{engine.StatusBlocked}})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].BindingID != "b.example.com" {
		t.Errorf("Expected only the blocked binding, got %d", len(list))
	}

	if _, err := r.Get(ctx, "missing.example.com"); err == nil {
		t.Error("Expected an error for a missing binding")
	}
}
