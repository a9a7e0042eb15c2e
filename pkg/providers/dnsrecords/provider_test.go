package dnsrecords_test

import (
	"context"
	"testing"

	"github.com/sitebind/sitebind/pkg/engine"
	"github.com/sitebind/sitebind/pkg/providers/dnsrecords"
	"github.com/sitebind/sitebind/pkg/providers/memory"
)

func recordOp(kind engine.OperationKind, rec engine.DNSRecord) *engine.Operation {
	return &engine.Operation{
		ID:      string(kind),
		Kind:    kind,
		Target:  engine.RecordRef("example.com", rec.Host, rec.Type),
		Payload: engine.OperationPayload{Record: &rec},
	}
}

func TestProvider_ReadEmptyIsNotFound(t *testing.T) {
	p := dnsrecords.New("test", memory.NewDNS())

	_, err := p.Read(context.Background(), engine.RecordRef("example.com", "example.com", "CAA"))
	if !engine.IsNotFound(err) {
		t.Fatalf("Expected NotFound, got %v", err)
	}
}

func TestProvider_EnsureIsIdempotent(t *testing.T) {
	dns := memory.NewDNS()
	p := dnsrecords.New("test", dns)
	ctx := context.Background()

	caa := engine.DNSRecord{Type: "CAA", Host: "example.com", Value: engine.FormatCAA(0, "amazon.com"), TTL: 3600}
	first, err := p.Apply(ctx, recordOp(engine.OpAddRootCAA, caa), "")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	second, err := p.Apply(ctx, recordOp(engine.OpAddRootCAA, caa), "")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if dns.Writes() != 1 {
		t.Errorf("Expected one write, got %d", dns.Writes())
	}
	if first.Version != second.Version {
		t.Error("Expected an unchanged record set to keep its version")
	}

	obs, err := p.Read(ctx, engine.RecordRef("example.com", "example.com", "CAA"))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if obs.Version != first.Version || len(obs.Records) != 1 {
		t.Errorf("Expected one record at version %s, got %d at %s", first.Version, len(obs.Records), obs.Version)
	}
}

func TestProvider_CAAAddsAlongsideForeignIssuer(t *testing.T) {
	dns := memory.NewDNS()
	dns.Seed(engine.DNSRecord{Type: "CAA", Host: "example.com", Value: engine.FormatCAA(0, "letsencrypt.org"), TTL: 3600})
	p := dnsrecords.New("test", dns)

	caa := engine.DNSRecord{Type: "CAA", Host: "example.com", Value: engine.FormatCAA(0, "amazon.com"), TTL: 3600}
	if _, err := p.Apply(context.Background(), recordOp(engine.OpAddRootCAA, caa), ""); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := dns.Records("example.com", "CAA"); len(got) != 2 {
		t.Errorf("Expected both issuers kept, got %v", got)
	}
}

func TestProvider_RoutingReplacesSingleValuedRecord(t *testing.T) {
	dns := memory.NewDNS()
	dns.Seed(engine.DNSRecord{Type: "CNAME", Host: "www.example.com", Value: "old.example.net", TTL: 300})
	p := dnsrecords.New("test", dns)

	route := engine.DNSRecord{Type: "CNAME", Host: "www.example.com", Value: "d111.cdn.memory.test", TTL: 300}
	if _, err := p.Apply(context.Background(), recordOp(engine.OpPublishRoutingRecord, route), ""); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	got := dns.Records("www.example.com", "CNAME")
	if len(got) != 1 || got[0].Value != "d111.cdn.memory.test" {
		t.Errorf("Expected the CNAME replaced, got %v", got)
	}
}

func TestProvider_UpdatesTTL(t *testing.T) {
	dns := memory.NewDNS()
	dns.Seed(engine.DNSRecord{Type: "TXT", Host: "_v.example.com", Value: "token", TTL: 60})
	p := dnsrecords.New("test", dns)

	rec := engine.DNSRecord{Type: "TXT", Host: "_v.example.com", Value: "token", TTL: 300}
	if _, err := p.Apply(context.Background(), recordOp(engine.OpCreateValidationRecord, rec), ""); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	got := dns.Records("_v.example.com", "TXT")
	if len(got) != 1 || got[0].TTL != 300 {
		t.Errorf("Expected one record with TTL 300, got %v", got)
	}
}

func TestProvider_StaleVersionConflicts(t *testing.T) {
	dns := memory.NewDNS()
	p := dnsrecords.New("test", dns)
	ctx := context.Background()

	rec := engine.DNSRecord{Type: "CNAME", Host: "www.example.com", Value: "d111.cdn.memory.test", TTL: 300}
	_, err := p.Apply(ctx, recordOp(engine.OpPublishRoutingRecord, rec), "0000000000000000")
	if !engine.IsConflict(err) {
		t.Fatalf("Expected a conflict, got %v", err)
	}
	if engine.CurrentVersion(err) != dnsrecords.Digest(nil) {
		t.Errorf("Expected the current digest in the conflict, got %q", engine.CurrentVersion(err))
	}
	if dns.Writes() != 0 {
		t.Error("Expected no write on conflict")
	}
}

func TestProvider_DeleteRemovesOnlyMatching(t *testing.T) {
	dns := memory.NewDNS()
	dns.Seed(
		engine.DNSRecord{Type: "CNAME", Host: "www.example.com", Value: "d111.cdn.memory.test", TTL: 300},
		engine.DNSRecord{Type: "CNAME", Host: "api.example.com", Value: "d111.cdn.memory.test", TTL: 300},
	)
	p := dnsrecords.New("test", dns)

	rec := engine.DNSRecord{Type: "CNAME", Host: "www.example.com", Value: "d111.cdn.memory.test"}
	if _, err := p.Apply(context.Background(), recordOp(engine.OpDeleteRoutingRecord, rec), ""); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if len(dns.Records("www.example.com", "CNAME")) != 0 {
		t.Error("Expected the www record removed")
	}
	if len(dns.Records("api.example.com", "CNAME")) != 1 {
		t.Error("Expected the api record kept")
	}
}

func TestProvider_ClassifiesWriteErrors(t *testing.T) {
	dns := memory.NewDNS()
	dns.Faults().QueueWrite("CAA", engine.NewThrottledError("rate exceeded", nil))
	p := dnsrecords.New("test", dns)

	caa := engine.DNSRecord{Type: "CAA", Host: "example.com", Value: engine.FormatCAA(0, "amazon.com")}
	_, err := p.Apply(context.Background(), recordOp(engine.OpAddRootCAA, caa), "")
	if !engine.IsThrottled(err) {
		t.Fatalf("Expected a throttled error, got %v", err)
	}
	if e := engine.AsEngineError(err); e.Resource == "" {
		t.Error("Expected the resource to be recorded")
	}
}

func TestProvider_RejectsForeignOperations(t *testing.T) {
	p := dnsrecords.New("test", memory.NewDNS())

	op := &engine.Operation{Kind: engine.OpRequestCertificate, Target: engine.CertificateRef("c1")}
	if _, err := p.Apply(context.Background(), op, ""); !engine.IsPermanent(err) {
		t.Errorf("Expected a permanent error, got %v", err)
	}
}

func TestWireType(t *testing.T) {
	for in, want := range map[string]string{"ALIAS": "CNAME", "alias": "CNAME", "cname": "CNAME", "CAA": "CAA", "TXT": "TXT"} {
		if got := dnsrecords.WireType(in); got != want {
			t.Errorf("WireType(%s) = %s, want %s", in, got, want)
		}
	}
}
