package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Provider normalizes one external system into a read/apply contract.
//
// Read must be side-effect free. It returns an error for which IsNotFound
// is true when the resource is absent.
//
// Apply must be safe to retry: either the provider is idempotent or the
// adapter reads first and skips a no-op change. Failures are returned as
// *EngineError: ErrorClassConflict (stale expectedVersion, carrying the
// current version), ErrorClassBusy (retry later unchanged),
// ErrorClassPermanent (never succeeds as specified) or
// ErrorClassTransient/ErrorClassThrottled.
type Provider interface {
	// Name returns the adapter name, e.g. "cloudfront".
	Name() string

	// Kinds returns the resource kinds the adapter manages.
	Kinds() []ResourceKind

	// Read returns the observed state of a resource.
	Read(ctx context.Context, ref ResourceRef) (*ObservedState, error)

	// Apply applies an operation, conditionally on expectedVersion when non-empty.
	Apply(ctx context.Context, op *Operation, expectedVersion string) (*ApplyResult, error)
}

// ProviderSet maps resource kinds to the adapters that own them.
type ProviderSet struct {
	providers map[ResourceKind]Provider
}

// NewProviderSet creates a provider set from adapters. Later adapters win for
// kinds claimed twice.
func NewProviderSet(providers ...Provider) *ProviderSet {
	ps := &ProviderSet{providers: make(map[ResourceKind]Provider)}
	for _, p := range providers {
		ps.Register(p)
	}
	return ps
}

// Register adds an adapter for every kind it reports.
func (ps *ProviderSet) Register(p Provider) {
	if p == nil {
		return
	}
	for _, k := range p.Kinds() {
		ps.providers[k] = p
	}
}

// For returns the adapter for a resource kind.
func (ps *ProviderSet) For(kind ResourceKind) (Provider, error) {
	p, ok := ps.providers[kind]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("no provider configured for %s", kind), nil).
			WithCode(ErrCodeProviderFailed)
	}
	return p, nil
}

// Has reports whether a kind has an adapter.
func (ps *ProviderSet) Has(kind ResourceKind) bool {
	_, ok := ps.providers[kind]
	return ok
}

// Store errors.
var (
	ErrBindingNotFound = errors.New("binding not found")
	ErrBindingExists   = errors.New("binding already exists")
	ErrVersionConflict = errors.New("binding was modified concurrently")
)

// BindingFilter selects bindings for listing.
type BindingFilter struct {
	// Statuses restricts the result to these statuses. Empty means all.
	Statuses []ConvergenceStatus

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// BindingStore is the durable source of truth for binding records.
type BindingStore interface {
	// CreateBinding inserts a new record. Returns ErrBindingExists on duplicates.
	CreateBinding(ctx context.Context, rec *BindingRecord) error

	// GetBinding returns a record or ErrBindingNotFound.
	GetBinding(ctx context.Context, bindingID string) (*BindingRecord, error)

	// ListBindings returns records matching the filter ordered by binding ID.
	ListBindings(ctx context.Context, filter BindingFilter) ([]*BindingRecord, error)

	// UpdateBinding writes rec if the stored version equals rec.Version, then
	// increments rec.Version. Returns ErrVersionConflict otherwise.
	UpdateBinding(ctx context.Context, rec *BindingRecord) error

	// DeleteBinding removes a record.
	DeleteBinding(ctx context.Context, bindingID string) error

	// DueBindings returns pending and available records whose NextRetryAt is not after now.
	DueBindings(ctx context.Context, now time.Time, limit int) ([]*BindingRecord, error)

	// CountByStatus returns the number of records per status.
	CountByStatus(ctx context.Context) (map[ConvergenceStatus]int, error)

	// AppendEvent records an audit event.
	AppendEvent(ctx context.Context, event *BindingEvent) error

	// ListEvents returns the most recent events of a binding, newest first.
	ListEvents(ctx context.Context, bindingID string, limit int) ([]*BindingEvent, error)
}

// PolicyEvaluator admits desired states. A denial is returned as a permanent
// *EngineError with code ErrCodePolicyDenied.
type PolicyEvaluator interface {
	Admit(ctx context.Context, desired *DesiredState) error
}

// Notifier receives binding events after they are persisted.
type Notifier interface {
	Notify(ctx context.Context, event *BindingEvent)
}

// Clock abstracts wall-clock time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
