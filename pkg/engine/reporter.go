package engine

import (
	"context"
	"fmt"
	"time"
)

// BindingStatus is the operator-facing projection of a binding record.
type BindingStatus struct {
	BindingID           string            `json:"binding_id" yaml:"binding_id"`
	Domain              string            `json:"domain" yaml:"domain"`
	Aliases             []string          `json:"aliases" yaml:"aliases"`
	Status              ConvergenceStatus `json:"status" yaml:"status"`
	Reason              string            `json:"reason,omitempty" yaml:"reason,omitempty"`
	ErrorCode           string            `json:"error_code,omitempty" yaml:"error_code,omitempty"`
	Remediation         string            `json:"remediation,omitempty" yaml:"remediation,omitempty"`
	FailingOperation    OperationKind     `json:"failing_operation,omitempty" yaml:"failing_operation,omitempty"`
	FailingResource     string            `json:"failing_resource,omitempty" yaml:"failing_resource,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures" yaml:"consecutive_failures"`
	Attempts            int               `json:"attempts" yaml:"attempts"`
	CertificateRef      string            `json:"certificate_ref,omitempty" yaml:"certificate_ref,omitempty"`
	DistributionRef     string            `json:"distribution_ref,omitempty" yaml:"distribution_ref,omitempty"`
	NextRetryAt         *time.Time        `json:"next_retry_at,omitempty" yaml:"next_retry_at,omitempty"`
	ConvergenceStarted  time.Time         `json:"convergence_started_at" yaml:"convergence_started_at"`
	UpdatedAt           time.Time         `json:"updated_at" yaml:"updated_at"`
}

// StatusSummary counts bindings per status.
type StatusSummary struct {
	Total    int                       `json:"total" yaml:"total"`
	ByStatus map[ConvergenceStatus]int `json:"by_status" yaml:"by_status"`
}

// Reporter is a read-only view over the binding store. It never writes.
type Reporter struct {
	store BindingStore
}

// NewReporter creates a reporter.
func NewReporter(store BindingStore) *Reporter {
	return &Reporter{store: store}
}

// Get returns the projection of one binding.
func (r *Reporter) Get(ctx context.Context, bindingID string) (*BindingStatus, error) {
	rec, err := r.store.GetBinding(ctx, NormalizeHost(bindingID))
	if err != nil {
		return nil, err
	}
	return Project(rec), nil
}

// List returns the projections of the bindings matching filter.
func (r *Reporter) List(ctx context.Context, filter BindingFilter) ([]*BindingStatus, error) {
	recs, err := r.store.ListBindings(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*BindingStatus, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Project(rec))
	}
	return out, nil
}

// Events returns the most recent events of a binding, newest first.
func (r *Reporter) Events(ctx context.Context, bindingID string, limit int) ([]*BindingEvent, error) {
	return r.store.ListEvents(ctx, NormalizeHost(bindingID), limit)
}

// Summary counts bindings per status.
func (r *Reporter) Summary(ctx context.Context) (*StatusSummary, error) {
	counts, err := r.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	s := &StatusSummary{ByStatus: make(map[ConvergenceStatus]int, len(AllStatuses))}
	for _, status := range AllStatuses {
		s.ByStatus[status] = counts[status]
		s.Total += counts[status]
	}
	return s, nil
}

// Healthy returns nil when the store answers and no binding is FAILED.
// BLOCKED bindings await an operator and do not fail the check.
func (r *Reporter) Healthy(ctx context.Context) error {
	s, err := r.Summary(ctx)
	if err != nil {
		return fmt.Errorf("binding store unavailable: %w", err)
	}
	if n := s.ByStatus[StatusFailed]; n > 0 {
		return fmt.Errorf("%d bindings failed to converge", n)
	}
	return nil
}

// Project converts a record into its operator-facing projection.
func Project(rec *BindingRecord) *BindingStatus {
	s := &BindingStatus{
		BindingID:           rec.BindingID,
		Domain:              rec.Desired.Domain,
		Aliases:             rec.Desired.Aliases,
		Status:              rec.Status,
		ConsecutiveFailures: rec.ConsecutiveFailures,
		Attempts:            rec.Attempts,
		CertificateRef:      rec.CertificateRef,
		DistributionRef:     rec.DistributionID(),
		ConvergenceStarted:  rec.ConvergenceStartedAt,
		UpdatedAt:           rec.UpdatedAt,
	}
	if !rec.NextRetryAt.IsZero() && !rec.Status.IsTerminal() {
		next := rec.NextRetryAt
		s.NextRetryAt = &next
	}
	if rec.LastError != nil {
		s.Reason = rec.LastError.Reason
		s.ErrorCode = rec.LastError.Code
		s.FailingOperation = rec.LastError.Operation
		s.FailingResource = rec.LastError.Resource
	}
	s.Remediation = remediation(rec)
	return s
}

// remediation returns the hint shown next to a non-available status.
func remediation(rec *BindingRecord) string {
	code := ""
	if rec.LastError != nil {
		code = rec.LastError.Code
	}

	switch rec.Status {
	case StatusAvailable:
		return ""
	case StatusUninitialized:
		return "submit a desired state for this domain"
	case StatusPendingDNSValidation:
		if rec.LastError != nil {
			return "retrying automatically; check DNS provider credentials if failures persist"
		}
		return "waiting for CAA and validation records to be written and observed"
	case StatusPendingCertificateIssuance:
		return "waiting for the certificate authority to validate the domain; this usually takes minutes"
	case StatusPendingEdgePropagation:
		return "waiting for the distribution or platform binding to deploy the new configuration"
	case StatusFailed:
		return "convergence timed out; inspect events, then run 'bindctl retry' to start over"
	}

	switch code {
	case ErrCodeAttemptsExhausted, ErrCodeBusy:
		return "the resource stayed busy across all attempts; wait for it to settle, then run 'bindctl retry'"
	case ErrCodePolicyDenied:
		return "the desired state violates an admission policy; fix it and resubmit"
	case ErrCodeQuotaExceeded:
		return "a provider quota is exhausted; raise the limit, then run 'bindctl retry'"
	case ErrCodeValidationFailed:
		return "validation failed at the provider; fix the cause shown above and resubmit to recreate the resource"
	case ErrCodePermissionDenied:
		return "provider credentials lack permission; fix the credentials, then run 'bindctl retry'"
	case ErrCodeNotFound:
		return "a referenced resource does not exist; correct the desired state and resubmit"
	case ErrCodeConflict:
		return "another writer keeps changing the resource; stop it, then run 'bindctl retry'"
	}
	return "inspect 'bindctl events' for details, then resubmit or run 'bindctl retry'"
}
