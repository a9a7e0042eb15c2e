package aliyun

import (
	"context"
	"fmt"
	"strings"
	"testing"

	alidns "github.com/alibabacloud-go/alidns-20150109/v4/client"
	cas "github.com/alibabacloud-go/cas-20200407/v3/client"
	"github.com/alibabacloud-go/tea/tea"
	"github.com/rs/zerolog"

	"github.com/sitebind/sitebind/pkg/engine"
	"github.com/sitebind/sitebind/pkg/providers/dnsrecords"
)

type fakeRecord struct {
	id, rr, typ, value string
	ttl                int64
}

// fakeDNS keeps records of a single domain and matches RRKeyWord as a
// substring like the service does.
type fakeDNS struct {
	minTTL  int64
	records []*fakeRecord
	seq     int
	writes  int
	failDel error
}

func (f *fakeDNS) DescribeDomainRecords(req *alidns.DescribeDomainRecordsRequest) (*alidns.DescribeDomainRecordsResponse, error) {
	body := &alidns.DescribeDomainRecordsResponseBodyDomainRecords{}
	for _, r := range f.records {
		if !strings.Contains(r.rr, tea.StringValue(req.RRKeyWord)) || r.typ != tea.StringValue(req.Type) {
			continue
		}
		body.Record = append(body.Record, &alidns.DescribeDomainRecordsResponseBodyDomainRecordsRecord{
			RecordId: tea.String(r.id),
			RR:       tea.String(r.rr),
			Type:     tea.String(r.typ),
			Value:    tea.String(r.value),
			TTL:      tea.Int64(r.ttl),
		})
	}
	return &alidns.DescribeDomainRecordsResponse{
		Body: &alidns.DescribeDomainRecordsResponseBody{DomainRecords: body},
	}, nil
}

func (f *fakeDNS) AddDomainRecord(req *alidns.AddDomainRecordRequest) (*alidns.AddDomainRecordResponse, error) {
	f.writes++
	f.seq++
	ttl := tea.Int64Value(req.TTL)
	if ttl < f.minTTL {
		return nil, &tea.SDKError{Code: tea.String("InvalidTTL"), StatusCode: tea.Int(400), Message: tea.String("ttl too small")}
	}
	id := fmt.Sprintf("r%d", f.seq)
	f.records = append(f.records, &fakeRecord{id: id, rr: tea.StringValue(req.RR), typ: tea.StringValue(req.Type), value: tea.StringValue(req.Value), ttl: ttl})
	return &alidns.AddDomainRecordResponse{Body: &alidns.AddDomainRecordResponseBody{RecordId: tea.String(id)}}, nil
}

func (f *fakeDNS) UpdateDomainRecord(req *alidns.UpdateDomainRecordRequest) (*alidns.UpdateDomainRecordResponse, error) {
	f.writes++
	for _, r := range f.records {
		if r.id == tea.StringValue(req.RecordId) {
			r.value = tea.StringValue(req.Value)
			r.ttl = tea.Int64Value(req.TTL)
			return &alidns.UpdateDomainRecordResponse{}, nil
		}
	}
	return nil, &tea.SDKError{Code: tea.String("DomainRecordNotBelongToUser"), StatusCode: tea.Int(400)}
}

func (f *fakeDNS) DeleteDomainRecord(req *alidns.DeleteDomainRecordRequest) (*alidns.DeleteDomainRecordResponse, error) {
	if f.failDel != nil {
		return nil, f.failDel
	}
	f.writes++
	for i, r := range f.records {
		if r.id == tea.StringValue(req.RecordId) {
			f.records = append(f.records[:i], f.records[i+1:]...)
			break
		}
	}
	return &alidns.DeleteDomainRecordResponse{}, nil
}

func TestDNSClient_ListFiltersFuzzyMatches(t *testing.T) {
	api := &fakeDNS{records: []*fakeRecord{
		{id: "1", rr: "www", typ: "CNAME", value: "a.example.net", ttl: 600},
		{id: "2", rr: "www.shop", typ: "CNAME", value: "b.example.net", ttl: 600},
	}}
	c := newDNSClient(api, 0, zerolog.Nop())

	records, err := c.List(context.Background(), "example.com", "www.example.com", "CNAME")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != "1" || records[0].Host != "www.example.com" {
		t.Fatalf("Expected only the exact record, got %v", records)
	}
}

func TestDNSClient_ApexAliasIsWrittenAsCNAME(t *testing.T) {
	api := &fakeDNS{}
	p := dnsrecords.New("aliyun", newDNSClient(api, 0, zerolog.Nop()))

	rec := engine.DNSRecord{Type: "ALIAS", Host: "example.com", Value: "d111.cloudfront.net", TTL: 300}
	op := &engine.Operation{
		ID:      "route",
		Kind:    engine.OpPublishRoutingRecord,
		Target:  engine.RecordRef("example.com", rec.Host, rec.Type),
		Payload: engine.OperationPayload{Record: &rec},
	}
	if _, err := p.Apply(context.Background(), op, ""); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(api.records) != 1 || api.records[0].rr != "@" || api.records[0].typ != "CNAME" {
		t.Fatalf("Expected a CNAME at @, got %+v", api.records)
	}

	obs, err := p.Read(context.Background(), op.Target)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if obs.Records[0].Type != "ALIAS" {
		t.Errorf("Expected the record reported as ALIAS, got %s", obs.Records[0].Type)
	}
}

func TestDNSClient_MinTTLConverges(t *testing.T) {
	api := &fakeDNS{minTTL: 600}
	p := dnsrecords.New("aliyun", newDNSClient(api, 600, zerolog.Nop()))

	rec := engine.DNSRecord{Type: "TXT", Host: "_dnsauth.example.com", Value: "token", TTL: 300}
	op := &engine.Operation{
		ID:      "validation",
		Kind:    engine.OpCreateValidationRecord,
		Target:  engine.RecordRef("example.com", rec.Host, rec.Type),
		Payload: engine.OperationPayload{Record: &rec},
	}
	for i := 0; i < 3; i++ {
		if _, err := p.Apply(context.Background(), op, ""); err != nil {
			t.Fatalf("Apply %d failed: %v", i, err)
		}
	}
	if api.writes != 1 {
		t.Errorf("Expected one write, got %d", api.writes)
	}
	if api.records[0].ttl != 600 {
		t.Errorf("Expected the TTL raised to 600, got %d", api.records[0].ttl)
	}
}

func TestDNSClient_DeleteMissingRecord(t *testing.T) {
	api := &fakeDNS{failDel: &tea.SDKError{Code: tea.String("InvalidRecordId.NotFound"), StatusCode: tea.Int(400)}}
	c := newDNSClient(api, 0, zerolog.Nop())

	if err := c.Delete(context.Background(), "example.com", "42"); err != nil {
		t.Errorf("Expected a missing record to delete cleanly, got %v", err)
	}

	api.failDel = &tea.SDKError{Code: tea.String("Throttling.User"), StatusCode: tea.Int(400)}
	err := c.Delete(context.Background(), "example.com", "42")
	if !engine.IsThrottled(err) {
		t.Errorf("Expected a throttled error, got %v", err)
	}
}

type fakeCAS struct {
	requests []string
	state    *cas.DescribeCertificateStateResponseBody
	deleted  []int64
}

func (f *fakeCAS) CreateCertificateForPackageRequest(req *cas.CreateCertificateForPackageRequestRequest) (*cas.CreateCertificateForPackageRequestResponse, error) {
	f.requests = append(f.requests, tea.StringValue(req.Domain))
	return &cas.CreateCertificateForPackageRequestResponse{
		Body: &cas.CreateCertificateForPackageRequestResponseBody{OrderId: tea.Int64(7001)},
	}, nil
}

func (f *fakeCAS) DescribeCertificateState(req *cas.DescribeCertificateStateRequest) (*cas.DescribeCertificateStateResponse, error) {
	return &cas.DescribeCertificateStateResponse{Body: f.state}, nil
}

func (f *fakeCAS) DeleteCertificateRequest(req *cas.DeleteCertificateRequestRequest) (*cas.DeleteCertificateRequestResponse, error) {
	f.deleted = append(f.deleted, tea.Int64Value(req.OrderId))
	return &cas.DeleteCertificateRequestResponse{}, nil
}

func requestOp(domains ...string) *engine.Operation {
	return &engine.Operation{
		ID:      "request",
		Kind:    engine.OpRequestCertificate,
		Target:  engine.ResourceRef{Kind: engine.KindCertificate, Name: domains[0]},
		Payload: engine.OperationPayload{Domains: domains},
	}
}

func TestCertificateAuthority_RequestAndRead(t *testing.T) {
	api := &fakeCAS{state: &cas.DescribeCertificateStateResponseBody{
		Type:         tea.String(casDomainVerify),
		RecordDomain: tea.String("_dnsauth.shop"),
		RecordType:   tea.String("TXT"),
		RecordValue:  tea.String("2024abc"),
	}}
	ca := newCertificateAuthority(api, "", zerolog.Nop())
	ctx := context.Background()

	res, err := ca.Apply(ctx, requestOp("Shop.Example.com"), "")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if res.ResourceID != "7001:shop.example.com" {
		t.Fatalf("Unexpected certificate ID %q", res.ResourceID)
	}

	obs, err := ca.Read(ctx, engine.CertificateRef(res.ResourceID))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	cert := obs.Certificate
	if cert.Status != engine.CertificatePendingValidation {
		t.Errorf("Expected pending validation, got %s", cert.Status)
	}
	if len(cert.Domains) != 1 || cert.Domains[0] != "shop.example.com" {
		t.Errorf("Unexpected domains %v", cert.Domains)
	}
	if len(cert.ValidationRecords) != 1 || cert.ValidationRecords[0].Host != "_dnsauth.shop.example.com" {
		t.Errorf("Unexpected validation records %v", cert.ValidationRecords)
	}

	api.state.Type = tea.String(casCertificate)
	obs, err = ca.Read(ctx, engine.CertificateRef(res.ResourceID))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if obs.Certificate.Status != engine.CertificateIssued {
		t.Errorf("Expected issued, got %s", obs.Certificate.Status)
	}
}

func TestCertificateAuthority_SingleHostnameProduct(t *testing.T) {
	api := &fakeCAS{}
	ca := newCertificateAuthority(api, "", zerolog.Nop())

	_, err := ca.Apply(context.Background(), requestOp("shop.example.com", "www.shop.example.com"), "")
	if !engine.IsPermanent(err) {
		t.Fatalf("Expected a permanent error, got %v", err)
	}
	if len(api.requests) != 0 {
		t.Error("Expected no order to be placed")
	}

	ca = newCertificateAuthority(api, "symantec-dv-multi", zerolog.Nop())
	if _, err := ca.Apply(context.Background(), requestOp("shop.example.com", "www.shop.example.com"), ""); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if api.requests[0] != "shop.example.com,www.shop.example.com" {
		t.Errorf("Unexpected requested domains %q", api.requests[0])
	}
}

func TestCertificateAuthority_Delete(t *testing.T) {
	api := &fakeCAS{}
	ca := newCertificateAuthority(api, "", zerolog.Nop())

	op := &engine.Operation{ID: "delete", Kind: engine.OpDeleteCertificate, Target: engine.CertificateRef("7001:shop.example.com")}
	if _, err := ca.Apply(context.Background(), op, ""); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(api.deleted) != 1 || api.deleted[0] != 7001 {
		t.Errorf("Expected order 7001 deleted, got %v", api.deleted)
	}
}

func TestParseCertificateID(t *testing.T) {
	for _, id := range []string{"", "7001", "x:shop.example.com", "7001:"} {
		if _, _, err := parseCertificateID(id); !engine.IsPermanent(err) {
			t.Errorf("Expected %q to be rejected, got %v", id, err)
		}
	}
}
