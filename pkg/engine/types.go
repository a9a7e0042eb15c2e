package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ResourceKind identifies one of the resource families a binding is made of.
type ResourceKind string

const (
	// KindDNSRecord is a record set at one hostname and type.
	KindDNSRecord ResourceKind = "dns_record"

	// KindCertificate is a certificate managed by a certificate authority.
	KindCertificate ResourceKind = "certificate"

	// KindEdgeAlias is a CDN distribution's alias list and viewer certificate.
	KindEdgeAlias ResourceKind = "edge_alias"

	// KindPlatformBinding is a hosting platform's custom-domain association.
	KindPlatformBinding ResourceKind = "platform_binding"
)

// Default values applied by DesiredState.Normalize.
const (
	DefaultMinTLSVersion = "TLSv1.2_2021"
	DefaultCAAIssuer     = "amazon.com"
	DefaultRoutingTTL    = 300
)

// DesiredState is the immutable target for one binding.
type DesiredState struct {
	// Domain is the primary domain name. It is also the binding identity.
	Domain string `json:"domain" yaml:"domain" validate:"required,fqdn"`

	// Zone is the DNS zone apex that owns the records. Defaults to the
	// last two labels of Domain.
	Zone string `json:"zone,omitempty" yaml:"zone,omitempty" validate:"omitempty,fqdn"`

	// Aliases are the public hostnames that must route to the edge.
	Aliases []string `json:"aliases" yaml:"aliases" validate:"required,min=1,dive,fqdn"`

	// CertificateDomains are the hostnames the certificate must cover.
	CertificateDomains []string `json:"certificate_domains" yaml:"certificate_domains" validate:"required,min=1,dive,fqdn"`

	// Distribution identifies the CDN distribution, existing or to be created.
	Distribution DistributionTarget `json:"distribution" yaml:"distribution"`

	// MinTLSVersion is the minimum viewer protocol version on the edge.
	MinTLSVersion string `json:"min_tls_version,omitempty" yaml:"min_tls_version,omitempty"`

	// CAA is the authorization record required for the issuing authority.
	CAA CAAAuthorization `json:"caa" yaml:"caa"`

	// Platform is the optional hosting platform domain binding.
	Platform *PlatformTarget `json:"platform,omitempty" yaml:"platform,omitempty"`

	// RoutingTTL is the TTL of the cutover records.
	RoutingTTL int `json:"routing_ttl,omitempty" yaml:"routing_ttl,omitempty" validate:"omitempty,min=60,max=86400"`

	// Labels are free-form key-value pairs for organizing bindings.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// DistributionTarget identifies the CDN distribution of a binding.
type DistributionTarget struct {
	// ID is the identifier of an existing distribution.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// Create requests a new distribution when ID is empty.
	Create bool `json:"create,omitempty" yaml:"create,omitempty"`

	// Origin is the origin domain used when creating a distribution.
	Origin string `json:"origin,omitempty" yaml:"origin,omitempty" validate:"omitempty,hostname"`

	// Comment is stored on created distributions.
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// Enabled reports whether the binding routes through a CDN distribution.
func (d DistributionTarget) Enabled() bool {
	return d.ID != "" || d.Create
}

// CAAAuthorization describes the CAA record that must authorize the issuer.
type CAAAuthorization struct {
	// Issuer is the issuer domain, e.g. "amazon.com".
	Issuer string `json:"issuer,omitempty" yaml:"issuer,omitempty"`

	// Flags is the CAA flags byte written with new records.
	Flags int `json:"flags,omitempty" yaml:"flags,omitempty" validate:"min=0,max=255"`
}

// PlatformTarget describes a hosting platform custom-domain association.
type PlatformTarget struct {
	// AppID identifies the platform application.
	AppID string `json:"app_id" yaml:"app_id" validate:"required"`

	// Branch is the branch every subdomain maps to.
	Branch string `json:"branch" yaml:"branch" validate:"required"`
}

// Normalize lower-cases hostnames, strips trailing dots, de-duplicates lists
// and applies defaults. It is idempotent.
func (d *DesiredState) Normalize() {
	d.Domain = NormalizeHost(d.Domain)
	if d.Zone == "" {
		d.Zone = ApexOf(d.Domain)
	}
	d.Zone = NormalizeHost(d.Zone)
	d.Aliases = normalizeHosts(d.Aliases)
	d.CertificateDomains = normalizeHosts(d.CertificateDomains)
	if d.MinTLSVersion == "" {
		d.MinTLSVersion = DefaultMinTLSVersion
	}
	if d.CAA.Issuer == "" {
		d.CAA.Issuer = DefaultCAAIssuer
	}
	d.CAA.Issuer = NormalizeHost(d.CAA.Issuer)
	if d.RoutingTTL == 0 {
		d.RoutingTTL = DefaultRoutingTTL
	}
	d.Distribution.Origin = NormalizeHost(d.Distribution.Origin)
}

// Validate checks the structural rules that struct tags cannot express.
// It expects a normalized state.
func (d *DesiredState) Validate() error {
	if d.Domain == "" {
		return NewPermanentError("desired state has no domain", nil).WithCode(ErrCodeValidation)
	}
	if !d.Distribution.Enabled() && d.Platform == nil {
		return NewPermanentError("desired state needs a distribution or a platform binding", nil).
			WithCode(ErrCodeValidation).WithResource(d.Domain)
	}
	if d.Distribution.Create && d.Distribution.ID == "" && d.Distribution.Origin == "" {
		return NewPermanentError("a created distribution needs an origin", nil).
			WithCode(ErrCodeValidation).WithResource(d.Domain)
	}
	if IsPublicSuffix(d.Zone) {
		return NewPermanentError(fmt.Sprintf("zone %s is a public suffix", d.Zone), nil).
			WithCode(ErrCodeValidation).WithResource(d.Domain)
	}
	for _, h := range append(append([]string{d.Domain}, d.Aliases...), d.CertificateDomains...) {
		if !IsWithin(h, d.Zone) {
			return NewPermanentError(fmt.Sprintf("hostname %s is outside zone %s", h, d.Zone), nil).
				WithCode(ErrCodeValidation).WithResource(d.Domain)
		}
	}
	return nil
}

// Fingerprint returns a stable digest of the normalized state.
func (d DesiredState) Fingerprint() string {
	c := d
	c.Normalize()
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PlatformPrefixes returns the subdomain prefixes the platform binding must
// carry, one per alias, relative to the zone. The apex maps to "".
func (d *DesiredState) PlatformPrefixes() []string {
	prefixes := make([]string, 0, len(d.Aliases))
	for _, a := range d.Aliases {
		prefixes = append(prefixes, SubdomainPrefix(a, d.Zone))
	}
	sort.Strings(prefixes)
	return prefixes
}

func normalizeHosts(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, h := range in {
		h = NormalizeHost(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ResourceRef identifies one resource at one provider.
type ResourceRef struct {
	// Kind is the resource family.
	Kind ResourceKind `json:"kind"`

	// ID is the provider identifier (certificate ARN, distribution ID, app ID).
	ID string `json:"id,omitempty"`

	// Zone is the DNS zone for record references.
	Zone string `json:"zone,omitempty"`

	// Name is the fully-qualified hostname (records) or domain (certificates, platform).
	Name string `json:"name,omitempty"`

	// Type is the DNS record type for record references.
	Type string `json:"type,omitempty"`
}

// Key returns a stable identity for the reference.
func (r ResourceRef) Key() string {
	switch r.Kind {
	case KindDNSRecord:
		return fmt.Sprintf("%s:%s:%s", r.Kind, r.Name, strings.ToUpper(r.Type))
	case KindPlatformBinding:
		return fmt.Sprintf("%s:%s:%s", r.Kind, r.ID, r.Name)
	default:
		if r.ID == "" {
			// not created yet: known by the hostname it is created for
			return fmt.Sprintf("%s:%s", r.Kind, NormalizeHost(r.Name))
		}
		return fmt.Sprintf("%s:%s", r.Kind, r.ID)
	}
}

// String implements fmt.Stringer.
func (r ResourceRef) String() string {
	return r.Key()
}

// RecordRef returns a DNS record reference.
func RecordRef(zone, host, recordType string) ResourceRef {
	return ResourceRef{Kind: KindDNSRecord, Zone: zone, Name: NormalizeHost(host), Type: strings.ToUpper(recordType)}
}

// DNSRecord is a single DNS resource record.
type DNSRecord struct {
	// ID is the provider's record identifier, if any.
	ID string `json:"id,omitempty"`

	// Type is the record type (CNAME, TXT, CAA, ALIAS, A).
	Type string `json:"type"`

	// Host is the fully-qualified owner name.
	Host string `json:"host"`

	// Value is the record data in presentation format.
	Value string `json:"value"`

	// TTL is the record time-to-live in seconds.
	TTL int `json:"ttl,omitempty"`
}

// Matches reports whether r and other describe the same record at the same scope.
func (r DNSRecord) Matches(other DNSRecord) bool {
	return strings.EqualFold(r.Type, other.Type) &&
		NormalizeHost(r.Host) == NormalizeHost(other.Host) &&
		RecordValueEqual(r.Type, r.Value, other.Value)
}

// String implements fmt.Stringer.
func (r DNSRecord) String() string {
	return fmt.Sprintf("%s %s %s", r.Host, strings.ToUpper(r.Type), r.Value)
}

// Certificate is the observed state of a certificate.
type Certificate struct {
	// ID is the authority's certificate identifier.
	ID string `json:"id"`

	// Domains are the hostnames the certificate covers.
	Domains []string `json:"domains"`

	// Status is the normalized issuance status.
	Status CertificateStatus `json:"status"`

	// StatusReason carries the authority's failure reason, if any.
	StatusReason string `json:"status_reason,omitempty"`

	// ValidationRecords are the DNS records the authority requires.
	ValidationRecords []DNSRecord `json:"validation_records,omitempty"`
}

// EdgeAlias is the observed alias configuration of a CDN distribution.
type EdgeAlias struct {
	// DistributionRef is the distribution identifier.
	DistributionRef string `json:"distribution_ref"`

	// DomainName is the distribution's own hostname, the cutover target.
	DomainName string `json:"domain_name"`

	// Aliases are the alternate domain names configured on the distribution.
	Aliases []string `json:"aliases"`

	// CertificateRef is the attached viewer certificate, empty for the default certificate.
	CertificateRef string `json:"certificate_ref,omitempty"`

	// MinTLSVersion is the viewer minimum protocol version.
	MinTLSVersion string `json:"min_tls_version,omitempty"`

	// Status is the deployment status.
	Status EdgeStatus `json:"status"`
}

// HasAlias reports whether host is configured on the distribution.
func (e *EdgeAlias) HasAlias(host string) bool {
	host = NormalizeHost(host)
	for _, a := range e.Aliases {
		if NormalizeHost(a) == host {
			return true
		}
	}
	return false
}

// PlatformSubdomain is one subdomain of a platform binding.
type PlatformSubdomain struct {
	// Prefix is the label relative to the domain; empty for the apex.
	Prefix string `json:"prefix"`

	// Branch is the branch served on the subdomain.
	Branch string `json:"branch"`

	// Verified reports whether the platform verified the subdomain.
	Verified bool `json:"verified,omitempty"`

	// Target is the DNS target the subdomain must point at.
	Target string `json:"target,omitempty"`
}

// PlatformBinding is the observed state of a platform domain association.
type PlatformBinding struct {
	// AppID is the platform application.
	AppID string `json:"app_id"`

	// Domain is the associated domain (the zone apex).
	Domain string `json:"domain"`

	// Subdomains are the configured subdomains.
	Subdomains []PlatformSubdomain `json:"subdomains"`

	// Status is the normalized association status.
	Status PlatformStatus `json:"status"`

	// StatusReason carries the platform's failure reason, if any.
	StatusReason string `json:"status_reason,omitempty"`

	// ValidationRecords are DNS records the platform requires for its certificate.
	ValidationRecords []DNSRecord `json:"validation_records,omitempty"`
}

// Subdomain returns the subdomain with the given prefix.
func (p *PlatformBinding) Subdomain(prefix string) (PlatformSubdomain, bool) {
	for _, s := range p.Subdomains {
		if s.Prefix == prefix {
			return s, true
		}
	}
	return PlatformSubdomain{}, false
}

// ObservedState is the current value of one resource read from its provider.
type ObservedState struct {
	// Ref identifies the resource.
	Ref ResourceRef `json:"ref"`

	// Exists is false when the provider reported the resource absent.
	Exists bool `json:"exists"`

	// Version is the optimistic-concurrency token, empty when unsupported.
	Version string `json:"version,omitempty"`

	// Records holds the record set for DNS references.
	Records []DNSRecord `json:"records,omitempty"`

	// Certificate holds certificate state.
	Certificate *Certificate `json:"certificate,omitempty"`

	// Edge holds distribution state.
	Edge *EdgeAlias `json:"edge,omitempty"`

	// Platform holds platform binding state.
	Platform *PlatformBinding `json:"platform,omitempty"`

	// ObservedAt is when the state was read.
	ObservedAt time.Time `json:"observed_at"`
}

// Absent returns the observation recorded for a NotFound read.
func Absent(ref ResourceRef, at time.Time) *ObservedState {
	return &ObservedState{Ref: ref, Exists: false, ObservedAt: at}
}

// Snapshot is the set of observations a diff is computed against.
type Snapshot struct {
	states map[string]*ObservedState
}

// NewSnapshot creates an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{states: make(map[string]*ObservedState)}
}

// Put records an observation, replacing any previous one for the same reference.
func (s *Snapshot) Put(obs *ObservedState) {
	if obs == nil {
		return
	}
	s.states[obs.Ref.Key()] = obs
}

// Get returns the observation for ref.
func (s *Snapshot) Get(ref ResourceRef) (*ObservedState, bool) {
	obs, ok := s.states[ref.Key()]
	return obs, ok
}

// Has reports whether ref has been observed.
func (s *Snapshot) Has(ref ResourceRef) bool {
	_, ok := s.states[ref.Key()]
	return ok
}

// Records returns the observed records at ref, nil if absent or unread.
func (s *Snapshot) Records(ref ResourceRef) []DNSRecord {
	obs, ok := s.Get(ref)
	if !ok || !obs.Exists {
		return nil
	}
	return obs.Records
}

// SetVersion replaces the version token of an observed resource.
func (s *Snapshot) SetVersion(ref ResourceRef, version string) {
	if obs, ok := s.Get(ref); ok {
		obs.Version = version
	}
}

// Version returns the observed version token for ref.
func (s *Snapshot) Version(ref ResourceRef) string {
	if obs, ok := s.Get(ref); ok {
		return obs.Version
	}
	return ""
}

// All returns the observations keyed by reference key.
func (s *Snapshot) All() map[string]ObservedState {
	out := make(map[string]ObservedState, len(s.states))
	for k, v := range s.states {
		out[k] = *v
	}
	return out
}

// Len returns the number of observations.
func (s *Snapshot) Len() int {
	return len(s.states)
}

// BindingError is the last error recorded on a binding.
type BindingError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Code is the error code.
	Code string `json:"code,omitempty"`

	// Reason is the human-readable reason, preserved verbatim from the provider.
	Reason string `json:"reason"`

	// Operation is the operation that failed, if any.
	Operation OperationKind `json:"operation,omitempty"`

	// Resource is the resource reference involved, if any.
	Resource string `json:"resource,omitempty"`

	// At is when the error was recorded.
	At time.Time `json:"at"`
}

// BindingRecord is the unit of persistence and ownership for one domain.
type BindingRecord struct {
	// BindingID is the normalized primary domain.
	BindingID string `json:"binding_id"`

	// Desired is the current desired state.
	Desired DesiredState `json:"desired"`

	// Fingerprint is the digest of Desired at submission.
	Fingerprint string `json:"fingerprint"`

	// LastObserved holds the last observations keyed by reference key.
	LastObserved map[string]ObservedState `json:"last_observed,omitempty"`

	// Status is the convergence status.
	Status ConvergenceStatus `json:"status"`

	// LastError is the most recent error, nil after a clean tick.
	LastError *BindingError `json:"last_error,omitempty"`

	// Attempts is the attempt count of the most recent failing operation.
	Attempts int `json:"attempts"`

	// OperationAttempts counts failed attempts per operation ID. An entry is
	// removed when its operation applies.
	OperationAttempts map[string]int `json:"operation_attempts,omitempty"`

	// ConsecutiveFailures counts ticks that ended in an error.
	ConsecutiveFailures int `json:"consecutive_failures"`

	// NextRetryAt is the earliest time the loop ticks this binding again.
	NextRetryAt time.Time `json:"next_retry_at"`

	// ConvergenceStartedAt is when the current convergence began.
	ConvergenceStartedAt time.Time `json:"convergence_started_at"`

	// AllowRecreate permits one destructive recovery (platform recreate,
	// certificate re-request) after an operator resubmission.
	AllowRecreate bool `json:"allow_recreate,omitempty"`

	// CertificateRef is the certificate requested for this binding.
	CertificateRef string `json:"certificate_ref,omitempty"`

	// DistributionRef is the distribution serving this binding.
	DistributionRef string `json:"distribution_ref,omitempty"`

	// Version is the compare-and-swap token of the record.
	Version int64 `json:"version"`

	// CreatedAt is when the record was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (b *BindingRecord) Clone() *BindingRecord {
	data, err := json.Marshal(b)
	if err != nil {
		c := *b
		return &c
	}
	var c BindingRecord
	if err := json.Unmarshal(data, &c); err != nil {
		c = *b
	}
	return &c
}

// DistributionID returns the distribution to reconcile against.
func (b *BindingRecord) DistributionID() string {
	if b.DistributionRef != "" {
		return b.DistributionRef
	}
	return b.Desired.Distribution.ID
}

// OperationPayload carries the data an adapter needs to apply an operation.
type OperationPayload struct {
	// Record is the DNS record to write or delete.
	Record *DNSRecord `json:"record,omitempty"`

	// Domains are the certificate hostnames.
	Domains []string `json:"domains,omitempty"`

	// Aliases is the complete alias list the distribution must carry.
	Aliases []string `json:"aliases,omitempty"`

	// CertificateRef is the certificate to attach.
	CertificateRef string `json:"certificate_ref,omitempty"`

	// MinTLSVersion is the viewer minimum protocol version.
	MinTLSVersion string `json:"min_tls_version,omitempty"`

	// Subdomains is the complete subdomain list of a platform binding.
	Subdomains []PlatformSubdomain `json:"subdomains,omitempty"`

	// Origin is the origin of a created distribution.
	Origin string `json:"origin,omitempty"`

	// Comment is stored on created distributions.
	Comment string `json:"comment,omitempty"`
}

// Operation is a single proposed change against one provider.
type Operation struct {
	// ID is a deterministic identifier derived from kind, target and payload.
	ID string `json:"id"`

	// Kind is the operation kind.
	Kind OperationKind `json:"kind"`

	// Target is the resource the operation changes.
	Target ResourceRef `json:"target"`

	// Payload carries the desired values.
	Payload OperationPayload `json:"payload"`

	// DependsOn lists operation IDs that must be applied first.
	DependsOn []string `json:"depends_on,omitempty"`

	// Conditional marks operations that carry the target's version token.
	Conditional bool `json:"conditional,omitempty"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// IdempotencyKey is sent with create requests to vendors that deduplicate
	// them. It changes whenever the created resource would differ.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ApplyResult is the outcome of a successful apply.
type ApplyResult struct {
	// Version is the new version token, empty when unsupported.
	Version string `json:"version,omitempty"`

	// ResourceID is the identifier of a created resource.
	ResourceID string `json:"resource_id,omitempty"`
}

// Plan is the output of the diff engine.
type Plan struct {
	// Operations are ordered so every dependency precedes its dependents.
	Operations []*Operation `json:"operations"`

	// Phase is the furthest status whose prerequisites are observed.
	Phase ConvergenceStatus `json:"phase"`

	// Waiting lists the conditions the next phase waits on.
	Waiting []string `json:"waiting,omitempty"`

	// ScopeMismatches lists records observed at the wrong hostname scope.
	ScopeMismatches []DNSRecord `json:"scope_mismatches,omitempty"`

	// Blockers are permanent problems no operation can fix.
	Blockers []*EngineError `json:"blockers,omitempty"`

	// Summary counts operations per resource kind.
	Summary PlanSummary `json:"summary"`

	// ComputedAt is when the plan was computed.
	ComputedAt time.Time `json:"computed_at"`
}

// PlanSummary counts operations per resource kind.
type PlanSummary struct {
	Total       int `json:"total"`
	DNS         int `json:"dns"`
	Certificate int `json:"certificate"`
	Edge        int `json:"edge"`
	Platform    int `json:"platform"`
}

// Converged reports whether the plan needs no operations and has no blockers.
func (p *Plan) Converged() bool {
	return len(p.Operations) == 0 && len(p.Blockers) == 0 && p.Phase == StatusAvailable
}

// BindingEvent is an audit entry for a binding.
type BindingEvent struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// BindingID is the binding the event belongs to.
	BindingID string `json:"binding_id"`

	// Type is the event type.
	Type string `json:"type"`

	// Status is the binding status after the event.
	Status ConvergenceStatus `json:"status,omitempty"`

	// Operation is the operation kind involved, if any.
	Operation OperationKind `json:"operation,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Data contains event-specific fields.
	Data map[string]string `json:"data,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// Binding event types.
const (
	EventSubmitted         = "binding.submitted"
	EventStatusChanged     = "binding.status_changed"
	EventBlocked           = "binding.blocked"
	EventFailed            = "binding.failed"
	EventAvailable         = "binding.available"
	EventOperationApplied  = "operation.applied"
	EventOperationConflict = "operation.conflict"
	EventOperationRetry    = "operation.retry_scheduled"
	EventDriftDetected     = "drift.detected"
	EventScopeMismatch     = "dns.scope_mismatch"
	EventRecreateRequested = "binding.recreate"
	EventTeardownStarted   = "binding.teardown_started"
	EventTeardownCompleted = "binding.teardown"
	EventForceRetry        = "binding.force_retry"
)
