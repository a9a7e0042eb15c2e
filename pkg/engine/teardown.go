package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TeardownResult reports the reverse operations applied to a binding.
type TeardownResult struct {
	BindingID string
	Applied   []*Operation
	Pending   []*Operation
	Deleted   bool
}

// TeardownPlan returns the operations that remove what a binding added, in
// reverse dependency order: routing records first, then the edge changes, the
// platform binding, validation records and finally the certificate. A
// distribution the binding created is deleted instead of being stripped.
// CAA records stay, since other certificates may rely on them.
func TeardownPlan(d *DesiredState, snap *Snapshot, certificateRef, distributionRef string) ([]*Operation, error) {
	b := &planBuilder{
		d:     d,
		snap:  snap,
		plan:  &Plan{},
		index: make(map[string]*Operation),
	}

	var edge *EdgeAlias
	if distributionRef != "" {
		if obs, ok := snap.Get(EdgeRef(distributionRef)); ok && obs.Exists {
			edge = obs.Edge
		}
	}
	var pb *PlatformBinding
	if d.Platform != nil {
		if obs, ok := snap.Get(PlatformRef(d.Platform.AppID, d.Zone)); ok && obs.Exists {
			pb = obs.Platform
		}
	}
	var cert *Certificate
	if certificateRef != "" {
		if obs, ok := snap.Get(CertificateRef(certificateRef)); ok && obs.Exists {
			cert = obs.Certificate
		}
	}

	routeIDs := make([]string, 0)
	for _, alias := range d.Aliases {
		targets := make([]string, 0, 2)
		if edge != nil && edge.DomainName != "" {
			targets = append(targets, edge.DomainName)
		}
		if pb != nil {
			if sub, ok := pb.Subdomain(SubdomainPrefix(alias, d.Zone)); ok && sub.Target != "" {
				targets = append(targets, sub.Target)
			}
		}
		rtype := RoutingRecordType(alias, d.Zone)
		for _, r := range snap.Records(RecordRef(d.Zone, alias, rtype)) {
			for _, target := range targets {
				if RecordValueEqual(rtype, r.Value, target) {
					rec := r
					op := b.add(OpDeleteRoutingRecord, RecordRef(d.Zone, alias, rtype), OperationPayload{Record: &rec})
					routeIDs = append(routeIDs, op.ID)
				}
			}
		}
	}

	edgeID := ""
	switch {
	case edge != nil && d.Distribution.Create && d.Distribution.ID == "":
		op := b.add(OpDeleteDistribution, EdgeRef(edge.DistributionRef), OperationPayload{}, routeIDs...)
		edgeID = op.ID
	case edge != nil:
		edgeID = b.stripEdge(edge, cert, routeIDs)
	}

	if pb != nil {
		op := b.add(OpDeletePlatformBinding, PlatformRef(d.Platform.AppID, d.Zone), OperationPayload{}, routeIDs...)
		b.deleteValidationRecords(pb.ValidationRecords, op.ID)
	}

	if cert != nil {
		validationIDs := b.deleteValidationRecords(cert.ValidationRecords, edgeID)
		b.add(OpDeleteCertificate, CertificateRef(cert.ID), OperationPayload{}, append(validationIDs, edgeID)...)
	}

	return NewDAGBuilder().Order(b.ops)
}

// stripEdge removes the binding's aliases and certificate from a distribution
// the binding does not own. It returns the ID of the last edge operation.
func (b *planBuilder) stripEdge(edge *EdgeAlias, cert *Certificate, routeIDs []string) string {
	remaining := make([]string, 0, len(edge.Aliases))
	removed := false
	for _, a := range edge.Aliases {
		if containsHost(b.d.Aliases, a) {
			removed = true
			continue
		}
		remaining = append(remaining, NormalizeHost(a))
	}
	aliasID := ""
	if removed {
		op := b.add(OpRemoveAlias, EdgeRef(edge.DistributionRef), OperationPayload{Aliases: remaining}, routeIDs...)
		aliasID = op.ID
	}
	if cert != nil && edge.CertificateRef == cert.ID {
		op := b.add(OpDetachCertificate, EdgeRef(edge.DistributionRef), OperationPayload{
			CertificateRef: cert.ID,
			Aliases:        remaining,
		}, append([]string{aliasID}, routeIDs...)...)
		return op.ID
	}
	return ""
}

// deleteValidationRecords removes the observed validation records in records
// once dep is applied.
func (b *planBuilder) deleteValidationRecords(records []DNSRecord, dep string) []string {
	ids := make([]string, 0, len(records))
	for _, vr := range records {
		vr.Host = NormalizeHost(vr.Host)
		vr.Type = strings.ToUpper(vr.Type)
		if !b.recordPresent(vr) {
			continue
		}
		rec := vr
		op := b.add(OpDeleteValidationRecord, RecordRef(b.d.Zone, vr.Host, vr.Type), OperationPayload{Record: &rec}, dep)
		ids = append(ids, op.ID)
	}
	return ids
}

func containsHost(hosts []string, host string) bool {
	host = NormalizeHost(host)
	for _, h := range hosts {
		if NormalizeHost(h) == host {
			return true
		}
	}
	return false
}

// Teardown applies the teardown plan of a binding. The record is deleted only
// after every operation succeeded; on failure it is kept with the error so a
// later teardown resumes.
func (r *Reconciler) Teardown(ctx context.Context, bindingID string) (*TeardownResult, error) {
	bindingID = NormalizeHost(bindingID)
	unlock := r.locks.Lock(bindingID)
	defer unlock()

	rec, err := r.store.GetBinding(ctx, bindingID)
	if err != nil {
		return nil, err
	}

	res := &TeardownResult{BindingID: bindingID}
	t := r.newTickRun(rec.Clone(), &TickResult{BindingID: bindingID})
	t.event(EventTeardownStarted, "", "teardown started", nil)

	snap, err := t.observe(ctx)
	if err != nil {
		return nil, err
	}
	t.snap = snap

	ops, err := TeardownPlan(&t.work.Desired, snap, t.work.CertificateRef, t.work.DistributionID())
	if err != nil {
		return nil, err
	}
	res.Pending = ops

	for i, op := range ops {
		if err := t.apply(ctx, op); err != nil {
			e := AsEngineError(err)
			res.Applied = t.res.Applied
			res.Pending = ops[i:]
			t.work.LastError = &BindingError{
				Class:     e.Class,
				Code:      e.Code,
				Reason:    e.Reason(),
				Operation: op.Kind,
				Resource:  op.Target.Key(),
				At:        r.opts.Clock.Now(),
			}
			t.work.UpdatedAt = r.opts.Clock.Now()
			if uerr := r.store.UpdateBinding(ctx, t.work); uerr != nil {
				r.log.Warn().Err(uerr).Str("binding_id", bindingID).Msg("Failed to record teardown error")
			}
			r.emit(ctx, t.events)
			return res, fmt.Errorf("teardown of %s stopped at %s: %w", bindingID, op.Kind, e)
		}
	}

	res.Applied = t.res.Applied
	res.Pending = nil
	if err := r.store.DeleteBinding(ctx, bindingID); err != nil {
		r.emit(ctx, t.events)
		return res, fmt.Errorf("failed to delete binding %s: %w", bindingID, err)
	}
	res.Deleted = true
	t.event(EventTeardownCompleted, "", fmt.Sprintf("%d operations applied", len(res.Applied)),
		map[string]string{"operations": fmt.Sprint(len(res.Applied)), "completed_at": r.opts.Clock.Now().Format(time.RFC3339)})
	r.emit(ctx, t.events)
	r.log.Info().Str("binding_id", bindingID).Int("operations", len(res.Applied)).Msg("Binding torn down")
	return res, nil
}
