package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/sitebind/sitebind/pkg/engine"
)

// Audit actions recorded for operator commands.
const (
	AuditActionSubmit   = "binding.submitted"
	AuditActionRetry    = "binding.retried"
	AuditActionTeardown = "binding.torn_down"
	AuditActionImport   = "bindings.imported"
)

// AuditEntry is one row of the audit table. TargetID is the binding
// acted on, nil for bulk actions; Details is a JSON document.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	TargetID  *string   `json:"target_id,omitempty"`
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ImportResult summarizes a bulk import.
type ImportResult struct {
	Created     int `json:"created"`
	Overwritten int `json:"overwritten"`
	Skipped     int `json:"skipped"`
}

// Store is the binding state store used by the reconciler and bindctl.
type Store interface {
	engine.BindingStore

	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Close() error

	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// ImportBindings restores exported records. Existing IDs are skipped
	// unless overwrite is set.
	ImportBindings(ctx context.Context, recs []*engine.BindingRecord, overwrite bool) (*ImportResult, error)

	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, targetID *string, limit, offset int) ([]*AuditEntry, error)
}
