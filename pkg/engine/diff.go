package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// DiffInput is everything the diff engine compares.
type DiffInput struct {
	// Desired is the normalized desired state.
	Desired *DesiredState

	// Snapshot holds the observed state of every resource read this pass.
	Snapshot *Snapshot

	// CertificateRef is the certificate previously requested for the binding.
	CertificateRef string

	// DistributionRef is the distribution serving the binding.
	DistributionRef string

	// AllowRecreate permits destructive recovery of failed resources.
	AllowRecreate bool
}

// DiffEngine compares desired and observed state and produces ordered operations.
//
// The dependency order is fixed:
//  1. a CAA record authorizing the issuer at the governing scope precedes a certificate request
//  2. validation records precede certificate issuance
//  3. an issued certificate precedes any edge or platform change
//  4. every alias on the edge precedes the routing record that cuts traffic over
//
// Diffing is set based: an observed value equal to the desired one yields no
// operation, which makes re-reconciling a converged binding write-free.
type DiffEngine struct {
	clock Clock
}

// NewDiffEngine creates a diff engine.
func NewDiffEngine(clock Clock) *DiffEngine {
	if clock == nil {
		clock = SystemClock()
	}
	return &DiffEngine{clock: clock}
}

// PrimaryRefs returns the non-DNS resources of a binding.
func PrimaryRefs(d *DesiredState, certificateRef, distributionRef string) []ResourceRef {
	refs := make([]ResourceRef, 0, 3)
	if certificateRef != "" {
		refs = append(refs, CertificateRef(certificateRef))
	}
	if distributionRef != "" {
		refs = append(refs, EdgeRef(distributionRef))
	}
	if d.Platform != nil {
		refs = append(refs, PlatformRef(d.Platform.AppID, d.Zone))
	}
	return refs
}

// RecordRefs returns the DNS record sets the diff inspects, derived from the
// desired state and the primary resources already in snap.
func RecordRefs(d *DesiredState, snap *Snapshot, certificateRef string) []ResourceRef {
	seen := make(map[string]bool)
	refs := make([]ResourceRef, 0)
	add := func(ref ResourceRef) {
		if !seen[ref.Key()] {
			seen[ref.Key()] = true
			refs = append(refs, ref)
		}
	}

	for _, host := range d.CertificateDomains {
		for _, h := range Ancestors(host, d.Zone) {
			add(RecordRef(d.Zone, h, "CAA"))
		}
	}

	for _, vr := range validationRecords(d, snap, certificateRef) {
		add(RecordRef(d.Zone, vr.Host, vr.Type))
		for _, h := range scopeCandidates(d, vr) {
			add(RecordRef(d.Zone, h, vr.Type))
		}
	}

	for _, alias := range d.Aliases {
		add(RecordRef(d.Zone, alias, RoutingRecordType(alias, d.Zone)))
	}
	return refs
}

// CertificateRef returns the reference of a certificate.
func CertificateRef(id string) ResourceRef {
	return ResourceRef{Kind: KindCertificate, ID: id}
}

// EdgeRef returns the reference of a distribution.
func EdgeRef(id string) ResourceRef {
	return ResourceRef{Kind: KindEdgeAlias, ID: id}
}

// PlatformRef returns the reference of a platform binding.
func PlatformRef(appID, domain string) ResourceRef {
	return ResourceRef{Kind: KindPlatformBinding, ID: appID, Name: NormalizeHost(domain)}
}

func validationRecords(d *DesiredState, snap *Snapshot, certificateRef string) []DNSRecord {
	out := make([]DNSRecord, 0)
	if certificateRef != "" {
		if obs, ok := snap.Get(CertificateRef(certificateRef)); ok && obs.Exists && obs.Certificate != nil {
			out = append(out, obs.Certificate.ValidationRecords...)
		}
	}
	if d.Platform != nil {
		if obs, ok := snap.Get(PlatformRef(d.Platform.AppID, d.Zone)); ok && obs.Exists && obs.Platform != nil {
			out = append(out, obs.Platform.ValidationRecords...)
		}
	}
	return out
}

// scopeCandidates returns the hostnames where a mis-scoped copy of vr is
// typically found: the same first label directly under the zone or under
// another certificate hostname.
func scopeCandidates(d *DesiredState, vr DNSRecord) []string {
	host := NormalizeHost(vr.Host)
	label := FirstLabel(host)
	seen := map[string]bool{host: true}
	out := make([]string, 0)
	for _, parent := range append([]string{d.Zone}, d.CertificateDomains...) {
		candidate := JoinHost(label, parent)
		if !seen[candidate] {
			seen[candidate] = true
			out = append(out, candidate)
		}
	}
	return out
}

type planBuilder struct {
	in    DiffInput
	d     *DesiredState
	snap  *Snapshot
	plan  *Plan
	ops   []*Operation
	index map[string]*Operation
}

func (b *planBuilder) add(kind OperationKind, target ResourceRef, payload OperationPayload, deps ...string) *Operation {
	id := operationID(kind, target, payload)
	if op, exists := b.index[id]; exists {
		return op
	}
	op := &Operation{
		ID:          id,
		Kind:        kind,
		Target:      target,
		Payload:     payload,
		Conditional: kind.ResourceKind() == KindEdgeAlias || kind.ResourceKind() == KindPlatformBinding,
	}
	for _, dep := range deps {
		if dep != "" {
			op.DependsOn = append(op.DependsOn, dep)
		}
	}
	op.Description = describe(op)
	b.ops = append(b.ops, op)
	b.index[id] = op
	return op
}

func (b *planBuilder) wait(format string, args ...interface{}) {
	b.plan.Waiting = append(b.plan.Waiting, fmt.Sprintf(format, args...))
}

func (b *planBuilder) block(err *EngineError) {
	b.plan.Blockers = append(b.plan.Blockers, err)
}

// recordPresent reports whether rec is observed exactly at its own scope.
func (b *planBuilder) recordPresent(rec DNSRecord) bool {
	for _, r := range b.snap.Records(RecordRef(b.d.Zone, rec.Host, rec.Type)) {
		if r.Matches(rec) && (rec.TTL == 0 || r.TTL == 0 || r.TTL == rec.TTL) {
			return true
		}
	}
	return false
}

// checkScope records copies of a required record found at the wrong hostname.
// They never satisfy the requirement.
func (b *planBuilder) checkScope(rec DNSRecord) {
	for _, host := range scopeCandidates(b.d, rec) {
		for _, r := range b.snap.Records(RecordRef(b.d.Zone, host, rec.Type)) {
			if RecordValueEqual(rec.Type, r.Value, rec.Value) {
				b.plan.ScopeMismatches = append(b.plan.ScopeMismatches, r)
				b.wait("validation record for %s found at wrong scope %s", rec.Host, r.Host)
			}
		}
	}
}

// Compute produces the plan for one pass.
func (e *DiffEngine) Compute(in DiffInput) (*Plan, error) {
	if in.Desired == nil {
		return nil, NewPermanentError("desired state is nil", nil).WithCode(ErrCodeValidation)
	}
	if in.Snapshot == nil {
		in.Snapshot = NewSnapshot()
	}

	b := &planBuilder{
		in:    in,
		d:     in.Desired,
		snap:  in.Snapshot,
		plan:  &Plan{Phase: StatusPendingDNSValidation, ComputedAt: e.clock.Now()},
		index: make(map[string]*Operation),
	}

	caaIDs := b.diffCAA()
	cert, certUsable := b.diffCertificate(caaIDs)
	validated := b.diffValidationRecords(cert, certUsable)
	certIssued := certUsable && cert.Status.IsIssued()

	edge, attachID, aliasID := b.diffEdge(cert, certIssued)
	platform, platformID := b.diffPlatform(certIssued)
	b.diffRouting(edge, platform, attachID, aliasID, platformID)

	switch {
	case certIssued:
		b.plan.Phase = StatusPendingEdgePropagation
	case len(caaIDs) == 0 && validated:
		b.plan.Phase = StatusPendingCertificateIssuance
	}
	if certIssued && len(b.ops) == 0 && len(b.plan.Blockers) == 0 && len(b.plan.Waiting) == 0 {
		b.plan.Phase = StatusAvailable
	}

	ordered, err := NewDAGBuilder().Order(b.ops)
	if err != nil {
		return nil, fmt.Errorf("failed to order operations: %w", err)
	}
	b.plan.Operations = ordered

	for _, op := range ordered {
		b.plan.Summary.Total++
		switch op.Kind.ResourceKind() {
		case KindDNSRecord:
			b.plan.Summary.DNS++
		case KindCertificate:
			b.plan.Summary.Certificate++
		case KindEdgeAlias:
			b.plan.Summary.Edge++
		case KindPlatformBinding:
			b.plan.Summary.Platform++
		}
	}
	return b.plan, nil
}

// diffCAA finds, for every certificate hostname, the governing CAA set: the
// one at the closest ancestor-or-self with any CAA record. A set that does
// not authorize the issuer gets the issuer added at that scope. With no CAA
// anywhere, the issuer is added at the apex.
func (b *planBuilder) diffCAA() []string {
	needed := make(map[string]bool)
	for _, host := range b.d.CertificateDomains {
		governing := ""
		var records []DNSRecord
		for _, h := range Ancestors(host, b.d.Zone) {
			if recs := b.snap.Records(RecordRef(b.d.Zone, h, "CAA")); len(recs) > 0 {
				governing, records = h, recs
				break
			}
		}
		switch {
		case governing == "":
			needed[b.d.Zone] = true
		case !AuthorizesIssuer(records, b.d.CAA.Issuer):
			needed[governing] = true
		}
	}

	hosts := make([]string, 0, len(needed))
	for h := range needed {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	ids := make([]string, 0, len(hosts))
	for _, h := range hosts {
		kind := OpAddCAA
		if h == b.d.Zone {
			kind = OpAddRootCAA
		}
		rec := DNSRecord{Type: "CAA", Host: h, Value: FormatCAA(b.d.CAA.Flags, b.d.CAA.Issuer), TTL: 3600}
		op := b.add(kind, RecordRef(b.d.Zone, h, "CAA"), OperationPayload{Record: &rec})
		ids = append(ids, op.ID)
		b.wait("CAA at %s does not authorize %s", h, b.d.CAA.Issuer)
	}
	return ids
}

// diffCertificate returns the observed certificate and whether it covers the
// desired hostnames and can still be issued.
func (b *planBuilder) diffCertificate(caaIDs []string) (*Certificate, bool) {
	var cert *Certificate
	if b.in.CertificateRef != "" {
		if obs, ok := b.snap.Get(CertificateRef(b.in.CertificateRef)); ok && obs.Exists {
			cert = obs.Certificate
		}
	}

	request := func() {
		op := b.add(OpRequestCertificate, ResourceRef{Kind: KindCertificate, Name: b.d.Domain},
			OperationPayload{Domains: append([]string(nil), b.d.CertificateDomains...)}, caaIDs...)
		op.IdempotencyKey = b.idempotencyKey(op.Kind, b.in.CertificateRef, b.d.CertificateDomains)
	}

	switch {
	case cert == nil:
		request()
		b.wait("certificate not requested")
		return nil, false
	case !sameHostSet(cert.Domains, b.d.CertificateDomains):
		request()
		b.wait("certificate %s covers %s, want %s", cert.ID,
			strings.Join(cert.Domains, ","), strings.Join(b.d.CertificateDomains, ","))
		return cert, false
	case cert.Status.IsFailed():
		if b.in.AllowRecreate {
			request()
			b.wait("certificate %s is %s; requesting a new one", cert.ID, cert.Status)
			return cert, false
		}
		reason := fmt.Sprintf("certificate %s is %s", cert.ID, cert.Status)
		if cert.StatusReason != "" {
			reason += ": " + cert.StatusReason
		}
		b.block(NewPermanentError(reason+"; resubmit to request a new certificate", nil).
			WithCode(ErrCodeValidationFailed).
			WithResource(CertificateRef(cert.ID).Key()).
			WithOperation(string(OpRequestCertificate)))
		return cert, false
	}
	return cert, true
}

// diffValidationRecords proposes every missing validation record of the
// certificate and the platform binding. It reports whether the certificate's
// records are all observed at their exact scopes.
func (b *planBuilder) diffValidationRecords(cert *Certificate, certUsable bool) bool {
	validated := false
	if certUsable {
		if len(cert.ValidationRecords) == 0 && !cert.Status.IsIssued() {
			b.wait("authority has not published validation records for %s", cert.ID)
		} else {
			validated = true
			for _, vr := range cert.ValidationRecords {
				if !b.ensureRecord(OpCreateValidationRecord, vr) {
					validated = false
				}
			}
		}
	}

	if b.d.Platform != nil {
		if obs, ok := b.snap.Get(PlatformRef(b.d.Platform.AppID, b.d.Zone)); ok && obs.Exists && obs.Platform != nil {
			for _, vr := range obs.Platform.ValidationRecords {
				b.ensureRecord(OpCreateValidationRecord, vr)
			}
		}
	}
	return validated
}

func (b *planBuilder) ensureRecord(kind OperationKind, rec DNSRecord) bool {
	rec.Host = NormalizeHost(rec.Host)
	rec.Type = strings.ToUpper(rec.Type)
	if b.recordPresent(rec) {
		return true
	}
	if !IsWithin(rec.Host, b.d.Zone) {
		b.block(NewPermanentError(fmt.Sprintf("record %s is outside zone %s", rec.Host, b.d.Zone), nil).
			WithCode(ErrCodeValidationFailed).WithOperation(string(kind)))
		return false
	}
	b.add(kind, RecordRef(b.d.Zone, rec.Host, rec.Type), OperationPayload{Record: &rec})
	b.checkScope(rec)
	b.wait("%s record %s not observed", rec.Type, rec.Host)
	return false
}

// diffEdge reconciles the distribution's certificate and alias list. Edge
// changes are only proposed once the certificate is issued.
func (b *planBuilder) diffEdge(cert *Certificate, certIssued bool) (*EdgeAlias, string, string) {
	if !b.d.Distribution.Enabled() {
		return nil, "", ""
	}

	distID := b.in.DistributionRef
	if distID == "" {
		distID = b.d.Distribution.ID
	}
	if distID == "" {
		op := b.add(OpCreateDistribution, ResourceRef{Kind: KindEdgeAlias, Name: b.d.Domain},
			OperationPayload{Origin: b.d.Distribution.Origin, Comment: b.d.Distribution.Comment})
		op.IdempotencyKey = b.idempotencyKey(op.Kind, "", []string{b.d.Distribution.Origin})
		b.wait("distribution not created")
		return nil, "", ""
	}

	ref := EdgeRef(distID)
	obs, ok := b.snap.Get(ref)
	if !ok {
		b.wait("distribution %s not observed", distID)
		return nil, "", ""
	}
	if !obs.Exists || obs.Edge == nil {
		b.block(NewPermanentError(fmt.Sprintf("distribution %s not found", distID), nil).
			WithCode(ErrCodeNotFound).WithResource(ref.Key()))
		return nil, "", ""
	}
	edge := obs.Edge

	if !certIssued {
		b.wait("certificate not issued; edge changes held")
		return edge, "", ""
	}

	attachID := ""
	if edge.CertificateRef != cert.ID || edge.MinTLSVersion != b.d.MinTLSVersion {
		op := b.add(OpAttachCertificateToEdge, ref, OperationPayload{
			CertificateRef: cert.ID,
			MinTLSVersion:  b.d.MinTLSVersion,
		})
		attachID = op.ID
	}

	aliasID := ""
	missing := make([]string, 0)
	for _, a := range b.d.Aliases {
		if !edge.HasAlias(a) {
			missing = append(missing, a)
		}
	}
	if len(missing) > 0 {
		op := b.add(OpAddAlias, ref, OperationPayload{
			Aliases:        unionHosts(edge.Aliases, b.d.Aliases),
			CertificateRef: cert.ID,
			MinTLSVersion:  b.d.MinTLSVersion,
		}, attachID)
		aliasID = op.ID
	}

	if edge.Status != EdgeDeployed {
		b.wait("distribution %s is %s", distID, edge.Status)
	}
	return edge, attachID, aliasID
}

// diffPlatform reconciles the platform domain binding.
func (b *planBuilder) diffPlatform(certIssued bool) (*PlatformBinding, string) {
	if b.d.Platform == nil {
		return nil, ""
	}

	ref := PlatformRef(b.d.Platform.AppID, b.d.Zone)
	want := make([]PlatformSubdomain, 0, len(b.d.Aliases))
	for _, prefix := range b.d.PlatformPrefixes() {
		want = append(want, PlatformSubdomain{Prefix: prefix, Branch: b.d.Platform.Branch})
	}

	obs, ok := b.snap.Get(ref)
	if !ok {
		b.wait("platform binding %s not observed", ref.Key())
		return nil, ""
	}
	if !obs.Exists || obs.Platform == nil {
		if !certIssued {
			b.wait("certificate not issued; platform binding held")
			return nil, ""
		}
		op := b.add(OpCreatePlatformBinding, ref, OperationPayload{Subdomains: want})
		b.wait("platform binding not created")
		return nil, op.ID
	}

	pb := obs.Platform
	if pb.Status == PlatformFailed {
		if b.in.AllowRecreate {
			op := b.add(OpRecreatePlatformBinding, ref, OperationPayload{Subdomains: want})
			b.wait("platform binding failed; recreating")
			return pb, op.ID
		}
		reason := fmt.Sprintf("platform binding for %s is FAILED", pb.Domain)
		if pb.StatusReason != "" {
			reason += ": " + pb.StatusReason
		}
		b.block(NewPermanentError(reason+"; resubmit to recreate it", nil).
			WithCode(ErrCodeValidationFailed).
			WithResource(ref.Key()).
			WithOperation(string(OpRecreatePlatformBinding)))
		return pb, ""
	}

	if !sameSubdomains(pb.Subdomains, want) {
		if !certIssued {
			b.wait("certificate not issued; platform binding held")
			return pb, ""
		}
		op := b.add(OpUpdatePlatformBinding, ref, OperationPayload{Subdomains: want})
		return pb, op.ID
	}

	if pb.Status != PlatformAvailable {
		b.wait("platform binding for %s is %s", pb.Domain, pb.Status)
	}
	return pb, ""
}

// diffRouting proposes the cutover record of every alias once the alias is
// present (or being added) on the edge and the platform binding.
func (b *planBuilder) diffRouting(edge *EdgeAlias, pb *PlatformBinding, attachID, aliasID, platformID string) {
	for _, alias := range b.d.Aliases {
		prefix := SubdomainPrefix(alias, b.d.Zone)

		target := ""
		if edge != nil {
			target = edge.DomainName
		} else if pb != nil {
			if sub, ok := pb.Subdomain(prefix); ok {
				target = sub.Target
			}
		}
		if target == "" {
			if b.d.Distribution.Enabled() || b.d.Platform != nil {
				b.wait("no routing target for %s yet", alias)
			}
			continue
		}

		onEdge := !b.d.Distribution.Enabled() || (edge != nil && (edge.HasAlias(alias) || aliasID != ""))
		onPlatform := b.d.Platform == nil || platformID != ""
		if !onPlatform && pb != nil {
			_, onPlatform = pb.Subdomain(prefix)
		}
		if !onEdge || !onPlatform {
			b.wait("alias %s not yet configured; routing record held", alias)
			continue
		}

		rec := DNSRecord{
			Type:  RoutingRecordType(alias, b.d.Zone),
			Host:  alias,
			Value: NormalizeHost(target),
			TTL:   b.d.RoutingTTL,
		}
		if b.recordPresent(rec) {
			continue
		}
		b.add(OpPublishRoutingRecord, RecordRef(b.d.Zone, alias, rec.Type),
			OperationPayload{Record: &rec}, attachID, aliasID, platformID)
	}
}

func operationID(kind OperationKind, target ResourceRef, payload OperationPayload) string {
	id := string(kind) + "|" + target.Key()
	if payload.Record != nil && (kind == OpCreateValidationRecord || kind == OpDeleteValidationRecord) {
		id += "|" + payload.Record.Value
	}
	return id
}

// idempotencyKey digests what distinguishes one create request from another:
// the binding and its desired state, the hostnames involved and the resource
// being replaced, if any.
func (b *planBuilder) idempotencyKey(kind OperationKind, replaces string, hosts []string) string {
	h := sha256.New()
	parts := append([]string{string(kind), b.d.Domain, b.d.Fingerprint(), replaces}, normalizeHosts(hosts)...)
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func describe(op *Operation) string {
	p := op.Payload
	switch {
	case p.Record != nil:
		return fmt.Sprintf("%s %s", op.Kind, p.Record)
	case op.Kind == OpRequestCertificate:
		return fmt.Sprintf("%s for %s", op.Kind, strings.Join(p.Domains, ","))
	case op.Kind == OpAttachCertificateToEdge:
		return fmt.Sprintf("%s %s (min TLS %s) on %s", op.Kind, p.CertificateRef, p.MinTLSVersion, op.Target.ID)
	case len(p.Aliases) > 0:
		return fmt.Sprintf("%s %s on %s", op.Kind, strings.Join(p.Aliases, ","), op.Target.ID)
	case len(p.Subdomains) > 0:
		prefixes := make([]string, 0, len(p.Subdomains))
		for _, s := range p.Subdomains {
			prefixes = append(prefixes, s.Prefix+"->"+s.Branch)
		}
		return fmt.Sprintf("%s %s [%s]", op.Kind, op.Target.Name, strings.Join(prefixes, ","))
	default:
		return fmt.Sprintf("%s %s", op.Kind, op.Target.Key())
	}
}

func sameHostSet(a, b []string) bool {
	return strings.Join(normalizeHosts(a), ",") == strings.Join(normalizeHosts(b), ",")
}

func unionHosts(a, b []string) []string {
	return normalizeHosts(append(append([]string{}, a...), b...))
}

func sameSubdomains(observed, want []PlatformSubdomain) bool {
	if len(observed) != len(want) {
		return false
	}
	index := make(map[string]string, len(observed))
	for _, s := range observed {
		index[s.Prefix] = s.Branch
	}
	for _, s := range want {
		branch, ok := index[s.Prefix]
		if !ok || branch != s.Branch {
			return false
		}
	}
	return true
}
