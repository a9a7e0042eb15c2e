package engine

import (
	"testing"
	"time"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func devDesired() *DesiredState {
	d := &DesiredState{
		Domain:             "dev.example.com",
		Aliases:            []string{"dev.example.com"},
		CertificateDomains: []string{"dev.example.com"},
		Distribution:       DistributionTarget{ID: "E1"},
	}
	d.Normalize()
	return d
}

func recordsAt(zone, host, recordType string, values ...string) *ObservedState {
	obs := &ObservedState{Ref: RecordRef(zone, host, recordType), Exists: true}
	for _, v := range values {
		obs.Records = append(obs.Records, DNSRecord{Type: recordType, Host: host, Value: v, TTL: 300})
	}
	return obs
}

func snapshotOf(states ...*ObservedState) *Snapshot {
	s := NewSnapshot()
	for _, obs := range states {
		s.Put(obs)
	}
	return s
}

var devValidation = DNSRecord{Type: "CNAME", Host: "_x1.dev.example.com", Value: "_x1.validations.test", TTL: 300}

func certState(id string, status CertificateStatus) *ObservedState {
	return &ObservedState{
		Ref:    CertificateRef(id),
		Exists: true,
		Certificate: &Certificate{
			ID:                id,
			Domains:           []string{"dev.example.com"},
			Status:            status,
			ValidationRecords: []DNSRecord{devValidation},
		},
	}
}

func edgeState(aliases []string, certRef string) *ObservedState {
	return &ObservedState{
		Ref:     EdgeRef("E1"),
		Exists:  true,
		Version: "E7",
		Edge: &EdgeAlias{
			DistributionRef: "E1",
			DomainName:      "d1.cloudfront.net",
			Aliases:         aliases,
			CertificateRef:  certRef,
			MinTLSVersion:   DefaultMinTLSVersion,
			Status:          EdgeDeployed,
		},
	}
}

func amazonCAA() *ObservedState {
	return recordsAt("example.com", "example.com", "CAA", FormatCAA(0, "amazon.com"))
}

func compute(t *testing.T, in DiffInput) *Plan {
	t.Helper()
	plan, err := NewDiffEngine(fixedClock{time.Unix(0, 0)}).Compute(in)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	return plan
}

func kinds(plan *Plan) []OperationKind {
	out := make([]OperationKind, 0, len(plan.Operations))
	for _, op := range plan.Operations {
		out = append(out, op.Kind)
	}
	return out
}

func findOp(plan *Plan, kind OperationKind) (*Operation, int) {
	for i, op := range plan.Operations {
		if op.Kind == kind {
			return op, i
		}
	}
	return nil, -1
}

func TestDiff_NewBindingRequestsCAAAndCertificate(t *testing.T) {
	d := devDesired()
	plan := compute(t, DiffInput{Desired: d, Snapshot: snapshotOf(edgeState(nil, ""))})

	caa, caaIdx := findOp(plan, OpAddRootCAA)
	if caa == nil {
		t.Fatalf("Expected AddRootCAA, got %v", kinds(plan))
	}
	if caa.Target.Name != "example.com" {
		t.Errorf("Expected CAA at the apex, got %s", caa.Target.Name)
	}
	cert, certIdx := findOp(plan, OpRequestCertificate)
	if cert == nil {
		t.Fatalf("Expected RequestCertificate, got %v", kinds(plan))
	}
	if certIdx < caaIdx {
		t.Error("Expected CAA before certificate request")
	}
	if len(cert.DependsOn) != 1 || cert.DependsOn[0] != caa.ID {
		t.Errorf("Expected certificate to depend on CAA, got %v", cert.DependsOn)
	}
	if op, _ := findOp(plan, OpAttachCertificateToEdge); op != nil {
		t.Error("Expected no edge change before issuance")
	}
	if plan.Phase != StatusPendingDNSValidation {
		t.Errorf("Expected phase %s, got %s", StatusPendingDNSValidation, plan.Phase)
	}
}

func TestDiff_RootCAAStaysInsideRegistrableDomain(t *testing.T) {
	d := &DesiredState{
		Domain:             "dev.example.co.uk",
		Aliases:            []string{"dev.example.co.uk"},
		CertificateDomains: []string{"dev.example.co.uk"},
		Distribution:       DistributionTarget{ID: "E1"},
	}
	d.Normalize()
	plan := compute(t, DiffInput{Desired: d, Snapshot: snapshotOf(edgeState(nil, ""))})

	caa, _ := findOp(plan, OpAddRootCAA)
	if caa == nil {
		t.Fatalf("Expected AddRootCAA, got %v", kinds(plan))
	}
	if caa.Target.Name != "example.co.uk" {
		t.Errorf("Expected CAA at example.co.uk, got %s", caa.Target.Name)
	}
	for _, op := range plan.Operations {
		if op.Target.Name == "co.uk" {
			t.Errorf("Expected nothing proposed on the public suffix, got %s", op.Description)
		}
	}
}

func TestDiff_CAATreeClimbing(t *testing.T) {
	tests := []struct {
		name     string
		states   []*ObservedState
		wantKind OperationKind
		wantHost string
	}{
		{
			name:     "no CAA anywhere",
			wantKind: OpAddRootCAA,
			wantHost: "example.com",
		},
		{
			name:   "apex authorizes issuer",
			states: []*ObservedState{amazonCAA()},
		},
		{
			name: "apex lacks issuer",
			states: []*ObservedState{
				recordsAt("example.com", "example.com", "CAA", `0 issue "letsencrypt.org"`),
			},
			wantKind: OpAddRootCAA,
			wantHost: "example.com",
		},
		{
			name: "closer CAA without issuer overrides apex",
			states: []*ObservedState{
				amazonCAA(),
				recordsAt("example.com", "dev.example.com", "CAA", `0 issue "letsencrypt.org"`),
			},
			wantKind: OpAddCAA,
			wantHost: "dev.example.com",
		},
		{
			name: "closer CAA with issuer governs",
			states: []*ObservedState{
				recordsAt("example.com", "example.com", "CAA", `0 issue "letsencrypt.org"`),
				recordsAt("example.com", "dev.example.com", "CAA", FormatCAA(0, "amazon.com")),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := compute(t, DiffInput{Desired: devDesired(), Snapshot: snapshotOf(tt.states...)})
			var got []*Operation
			for _, op := range plan.Operations {
				if op.Kind == OpAddCAA || op.Kind == OpAddRootCAA {
					got = append(got, op)
				}
			}
			if tt.wantKind == "" {
				if len(got) != 0 {
					t.Fatalf("Expected no CAA operation, got %d", len(got))
				}
				return
			}
			if len(got) != 1 {
				t.Fatalf("Expected 1 CAA operation, got %d", len(got))
			}
			if got[0].Kind != tt.wantKind || got[0].Target.Name != tt.wantHost {
				t.Errorf("Expected %s at %s, got %s at %s", tt.wantKind, tt.wantHost, got[0].Kind, got[0].Target.Name)
			}
		})
	}
}

func TestDiff_ValidationRecordAtWrongScope(t *testing.T) {
	misplaced := recordsAt("example.com", "_x1.example.com", "CNAME", devValidation.Value)
	plan := compute(t, DiffInput{
		Desired:        devDesired(),
		Snapshot:       snapshotOf(amazonCAA(), certState("c1", CertificatePendingValidation), edgeState(nil, ""), misplaced),
		CertificateRef: "c1",
	})

	op, _ := findOp(plan, OpCreateValidationRecord)
	if op == nil {
		t.Fatalf("Expected CreateValidationRecord, got %v", kinds(plan))
	}
	if op.Payload.Record.Host != "_x1.dev.example.com" {
		t.Errorf("Expected record at _x1.dev.example.com, got %s", op.Payload.Record.Host)
	}
	if len(plan.ScopeMismatches) != 1 || plan.ScopeMismatches[0].Host != "_x1.example.com" {
		t.Errorf("Expected one scope mismatch at _x1.example.com, got %v", plan.ScopeMismatches)
	}
	if plan.Phase != StatusPendingDNSValidation {
		t.Errorf("Expected phase %s, got %s", StatusPendingDNSValidation, plan.Phase)
	}
}

func TestDiff_ValidatedCertificateWaitsForIssuance(t *testing.T) {
	plan := compute(t, DiffInput{
		Desired: devDesired(),
		Snapshot: snapshotOf(amazonCAA(), certState("c1", CertificatePendingValidation), edgeState(nil, ""),
			recordsAt("example.com", devValidation.Host, "CNAME", devValidation.Value)),
		CertificateRef: "c1",
	})

	if len(plan.Operations) != 0 {
		t.Errorf("Expected no operations while the certificate is pending, got %v", kinds(plan))
	}
	if plan.Phase != StatusPendingCertificateIssuance {
		t.Errorf("Expected phase %s, got %s", StatusPendingCertificateIssuance, plan.Phase)
	}
}

func TestDiff_IssuedCertificateOrdersEdgeChanges(t *testing.T) {
	plan := compute(t, DiffInput{
		Desired: devDesired(),
		Snapshot: snapshotOf(amazonCAA(), certState("c1", CertificateIssued), edgeState(nil, ""),
			recordsAt("example.com", devValidation.Host, "CNAME", devValidation.Value)),
		CertificateRef: "c1",
	})

	attach, attachIdx := findOp(plan, OpAttachCertificateToEdge)
	alias, aliasIdx := findOp(plan, OpAddAlias)
	route, routeIdx := findOp(plan, OpPublishRoutingRecord)
	if attach == nil || alias == nil || route == nil {
		t.Fatalf("Expected attach, alias and routing operations, got %v", kinds(plan))
	}
	if !(attachIdx < aliasIdx && aliasIdx < routeIdx) {
		t.Errorf("Expected attach < alias < route, got %d %d %d", attachIdx, aliasIdx, routeIdx)
	}
	if !attach.Conditional || !alias.Conditional {
		t.Error("Expected edge operations to be conditional")
	}
	if route.Payload.Record.Type != "CNAME" || route.Payload.Record.Value != "d1.cloudfront.net" {
		t.Errorf("Expected CNAME to d1.cloudfront.net, got %s", route.Payload.Record)
	}
	if route.Payload.Record.TTL != DefaultRoutingTTL {
		t.Errorf("Expected TTL %d, got %d", DefaultRoutingTTL, route.Payload.Record.TTL)
	}
	if plan.Phase != StatusPendingEdgePropagation {
		t.Errorf("Expected phase %s, got %s", StatusPendingEdgePropagation, plan.Phase)
	}
}

func TestDiff_NoEdgeChangeBeforeIssuance(t *testing.T) {
	for _, status := range []CertificateStatus{CertificatePendingValidation, CertificateFailed} {
		plan := compute(t, DiffInput{
			Desired: devDesired(),
			Snapshot: snapshotOf(amazonCAA(), certState("c1", status), edgeState(nil, ""),
				recordsAt("example.com", devValidation.Host, "CNAME", devValidation.Value)),
			CertificateRef: "c1",
			AllowRecreate:  true,
		})
		for _, op := range plan.Operations {
			if op.Kind == OpAttachCertificateToEdge || op.Kind == OpAddAlias || op.Kind == OpPublishRoutingRecord {
				t.Errorf("certificate %s: unexpected %s", status, op.Kind)
			}
		}
	}
}

func TestDiff_ConvergedBindingIsIdempotent(t *testing.T) {
	plan := compute(t, DiffInput{
		Desired: devDesired(),
		Snapshot: snapshotOf(amazonCAA(), certState("c1", CertificateIssued),
			edgeState([]string{"dev.example.com"}, "c1"),
			recordsAt("example.com", devValidation.Host, "CNAME", devValidation.Value),
			recordsAt("example.com", "dev.example.com", "CNAME", "d1.cloudfront.net")),
		CertificateRef: "c1",
	})

	if !plan.Converged() {
		t.Errorf("Expected converged plan, got operations %v waiting %v", kinds(plan), plan.Waiting)
	}
	if plan.Phase != StatusAvailable {
		t.Errorf("Expected phase %s, got %s", StatusAvailable, plan.Phase)
	}
}

func TestDiff_FullFieldComparison(t *testing.T) {
	edge := edgeState([]string{"dev.example.com"}, "c1")
	edge.Edge.MinTLSVersion = "TLSv1"
	plan := compute(t, DiffInput{
		Desired: devDesired(),
		Snapshot: snapshotOf(amazonCAA(), certState("c1", CertificateIssued), edge,
			recordsAt("example.com", devValidation.Host, "CNAME", devValidation.Value),
			recordsAt("example.com", "dev.example.com", "CNAME", "d1.cloudfront.net")),
		CertificateRef: "c1",
	})

	op, _ := findOp(plan, OpAttachCertificateToEdge)
	if op == nil {
		t.Fatalf("Expected attach to fix the minimum TLS version, got %v", kinds(plan))
	}
	if op.Payload.MinTLSVersion != DefaultMinTLSVersion {
		t.Errorf("Expected %s, got %s", DefaultMinTLSVersion, op.Payload.MinTLSVersion)
	}
}

func TestDiff_AddAliasKeepsForeignAliases(t *testing.T) {
	plan := compute(t, DiffInput{
		Desired: devDesired(),
		Snapshot: snapshotOf(amazonCAA(), certState("c1", CertificateIssued),
			edgeState([]string{"other.example.com"}, "c1"),
			recordsAt("example.com", devValidation.Host, "CNAME", devValidation.Value)),
		CertificateRef: "c1",
	})

	op, _ := findOp(plan, OpAddAlias)
	if op == nil {
		t.Fatalf("Expected AddAlias, got %v", kinds(plan))
	}
	if len(op.Payload.Aliases) != 2 {
		t.Errorf("Expected the union of aliases, got %v", op.Payload.Aliases)
	}
}

func TestDiff_FailedCertificate(t *testing.T) {
	snap := func() *Snapshot {
		return snapshotOf(amazonCAA(), certState("c1", CertificateFailed), edgeState(nil, ""))
	}

	plan := compute(t, DiffInput{Desired: devDesired(), Snapshot: snap(), CertificateRef: "c1"})
	if len(plan.Blockers) != 1 {
		t.Fatalf("Expected one blocker, got %d", len(plan.Blockers))
	}
	if plan.Blockers[0].Code != ErrCodeValidationFailed {
		t.Errorf("Expected %s, got %s", ErrCodeValidationFailed, plan.Blockers[0].Code)
	}

	plan = compute(t, DiffInput{Desired: devDesired(), Snapshot: snap(), CertificateRef: "c1", AllowRecreate: true})
	if len(plan.Blockers) != 0 {
		t.Errorf("Expected no blocker with recreate allowed, got %v", plan.Blockers)
	}
	if op, _ := findOp(plan, OpRequestCertificate); op == nil {
		t.Errorf("Expected a new certificate request, got %v", kinds(plan))
	}
}

func TestDiff_PlatformBinding(t *testing.T) {
	d := &DesiredState{
		Domain:             "example.com",
		Aliases:            []string{"example.com", "www.example.com"},
		CertificateDomains: []string{"example.com", "www.example.com"},
		Platform:           &PlatformTarget{AppID: "app1", Branch: "main"},
	}
	d.Normalize()

	cert := &ObservedState{
		Ref:    CertificateRef("c1"),
		Exists: true,
		Certificate: &Certificate{
			ID:      "c1",
			Domains: []string{"example.com", "www.example.com"},
			Status:  CertificateIssued,
		},
	}
	failed := &ObservedState{
		Ref:    PlatformRef("app1", "example.com"),
		Exists: true,
		Platform: &PlatformBinding{
			AppID:        "app1",
			Domain:       "example.com",
			Status:       PlatformFailed,
			StatusReason: "verification timed out",
		},
	}

	plan := compute(t, DiffInput{Desired: d, Snapshot: snapshotOf(amazonCAA(), cert, failed), CertificateRef: "c1"})
	if len(plan.Blockers) != 1 {
		t.Fatalf("Expected a blocker for the failed platform binding, got %v", kinds(plan))
	}

	plan = compute(t, DiffInput{Desired: d, Snapshot: snapshotOf(amazonCAA(), cert, failed), CertificateRef: "c1", AllowRecreate: true})
	op, _ := findOp(plan, OpRecreatePlatformBinding)
	if op == nil {
		t.Fatalf("Expected RecreatePlatformBinding, got %v", kinds(plan))
	}
	if len(op.Payload.Subdomains) != 2 || op.Payload.Subdomains[0].Prefix != "" || op.Payload.Subdomains[1].Prefix != "www" {
		t.Errorf("Expected subdomains [\"\" www], got %v", op.Payload.Subdomains)
	}

	absent := Absent(PlatformRef("app1", "example.com"), time.Unix(0, 0))
	plan = compute(t, DiffInput{Desired: d, Snapshot: snapshotOf(amazonCAA(), cert, absent), CertificateRef: "c1"})
	if op, _ := findOp(plan, OpCreatePlatformBinding); op == nil {
		t.Errorf("Expected CreatePlatformBinding, got %v", kinds(plan))
	}
}

func TestDiff_ApexRoutingUsesAlias(t *testing.T) {
	d := &DesiredState{
		Domain:             "example.com",
		Aliases:            []string{"example.com"},
		CertificateDomains: []string{"example.com"},
		Distribution:       DistributionTarget{ID: "E1"},
	}
	d.Normalize()
	cert := &ObservedState{
		Ref:         CertificateRef("c1"),
		Exists:      true,
		Certificate: &Certificate{ID: "c1", Domains: []string{"example.com"}, Status: CertificateIssued},
	}

	plan := compute(t, DiffInput{Desired: d, Snapshot: snapshotOf(amazonCAA(), cert, edgeState(nil, "")), CertificateRef: "c1"})
	route, _ := findOp(plan, OpPublishRoutingRecord)
	if route == nil {
		t.Fatalf("Expected PublishRoutingRecord, got %v", kinds(plan))
	}
	if route.Payload.Record.Type != "ALIAS" {
		t.Errorf("Expected ALIAS at the apex, got %s", route.Payload.Record.Type)
	}
}

func TestDiff_OperationIDsAreDeterministic(t *testing.T) {
	in := func() DiffInput {
		return DiffInput{
			Desired: devDesired(),
			Snapshot: snapshotOf(amazonCAA(), certState("c1", CertificateIssued), edgeState(nil, ""),
				recordsAt("example.com", devValidation.Host, "CNAME", devValidation.Value)),
			CertificateRef: "c1",
		}
	}
	a := compute(t, in())
	b := compute(t, in())
	if len(a.Operations) != len(b.Operations) {
		t.Fatalf("Expected equal plans, got %d and %d operations", len(a.Operations), len(b.Operations))
	}
	for i := range a.Operations {
		if a.Operations[i].ID != b.Operations[i].ID {
			t.Errorf("Operation %d: %s != %s", i, a.Operations[i].ID, b.Operations[i].ID)
		}
	}
}

func TestDiff_CreateOperationsAreKeyedPerBinding(t *testing.T) {
	shop := &DesiredState{
		Domain:             "shop.example.com",
		Aliases:            []string{"shop.example.com"},
		CertificateDomains: []string{"shop.example.com"},
		Distribution:       DistributionTarget{Create: true, Origin: "origin.example.net"},
	}
	shop.Normalize()
	dev := devDesired()
	dev.Distribution = DistributionTarget{Create: true, Origin: "origin.example.net"}

	devPlan := compute(t, DiffInput{Desired: dev, Snapshot: snapshotOf(amazonCAA())})
	shopPlan := compute(t, DiffInput{Desired: shop, Snapshot: snapshotOf(amazonCAA())})

	for _, kind := range []OperationKind{OpRequestCertificate, OpCreateDistribution} {
		a, _ := findOp(devPlan, kind)
		b, _ := findOp(shopPlan, kind)
		if a == nil || b == nil {
			t.Fatalf("Expected %s in both plans", kind)
		}
		if a.ID == b.ID {
			t.Errorf("Expected distinct %s IDs, both are %s", kind, a.ID)
		}
		if a.IdempotencyKey == "" || a.IdempotencyKey == b.IdempotencyKey {
			t.Errorf("Expected distinct %s idempotency keys, got %q and %q", kind, a.IdempotencyKey, b.IdempotencyKey)
		}
	}
	if op, _ := findOp(devPlan, OpRequestCertificate); op.Target.Key() != "certificate:dev.example.com" {
		t.Errorf("Expected the uncreated certificate keyed by hostname, got %s", op.Target.Key())
	}
}

func TestDiff_CertificateKeyFollowsHostnames(t *testing.T) {
	d := devDesired()
	before, _ := findOp(compute(t, DiffInput{Desired: d, Snapshot: snapshotOf(amazonCAA(), edgeState(nil, ""))}), OpRequestCertificate)

	wider := devDesired()
	wider.CertificateDomains = []string{"dev.example.com", "*.dev.example.com"}
	wider.Normalize()
	after, _ := findOp(compute(t, DiffInput{
		Desired:        wider,
		Snapshot:       snapshotOf(amazonCAA(), certState("c1", CertificateIssued), edgeState(nil, "")),
		CertificateRef: "c1",
	}), OpRequestCertificate)

	if before == nil || after == nil {
		t.Fatal("Expected a certificate request in both plans")
	}
	if before.IdempotencyKey == after.IdempotencyKey {
		t.Error("Expected a changed hostname set to change the idempotency key")
	}
}
