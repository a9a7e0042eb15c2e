package aliyun

import (
	"context"
	"fmt"
	"strings"

	alidns "github.com/alibabacloud-go/alidns-20150109/v4/client"
	"github.com/alibabacloud-go/tea/tea"
	"github.com/rs/zerolog"

	"github.com/sitebind/sitebind/pkg/engine"
	"github.com/sitebind/sitebind/pkg/providers/dnsrecords"
)

// dnsAPI is the part of the Alibaba Cloud DNS client the adapter uses.
type dnsAPI interface {
	DescribeDomainRecords(request *alidns.DescribeDomainRecordsRequest) (*alidns.DescribeDomainRecordsResponse, error)
	AddDomainRecord(request *alidns.AddDomainRecordRequest) (*alidns.AddDomainRecordResponse, error)
	UpdateDomainRecord(request *alidns.UpdateDomainRecordRequest) (*alidns.UpdateDomainRecordResponse, error)
	DeleteDomainRecord(request *alidns.DeleteDomainRecordRequest) (*alidns.DeleteDomainRecordResponse, error)
}

// DNSClient implements dnsrecords.RecordClient for Alibaba Cloud DNS.
type DNSClient struct {
	api    dnsAPI
	minTTL int
	log    zerolog.Logger
}

var _ dnsrecords.RecordClient = (*DNSClient)(nil)

// NewDNSClient creates a record client.
func NewDNSClient(cfg Config, log zerolog.Logger) (*DNSClient, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("alidns.%s.aliyuncs.com", cfg.region())
	}

	client, err := alidns.NewClient(cfg.openapi(endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create alidns client: %w", err)
	}
	return newDNSClient(client, cfg.MinTTL, log), nil
}

func newDNSClient(api dnsAPI, minTTL int, log zerolog.Logger) *DNSClient {
	return &DNSClient{api: api, minTTL: minTTL, log: log.With().Str("vendor", "alidns").Logger()}
}

// List implements dnsrecords.RecordClient.
func (c *DNSClient) List(ctx context.Context, zone, host, recordType string) ([]engine.DNSRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rr := engine.RelativeName(host, zone)

	resp, err := c.api.DescribeDomainRecords(&alidns.DescribeDomainRecordsRequest{
		DomainName: tea.String(zone),
		RRKeyWord:  tea.String(rr),
		Type:       tea.String(dnsrecords.WireType(recordType)),
		PageSize:   tea.Int64(500),
	})
	if err != nil {
		return nil, classify("alidns", err, engine.RecordRef(zone, host, recordType).Key())
	}

	var records []engine.DNSRecord
	if resp == nil || resp.Body == nil || resp.Body.DomainRecords == nil {
		return records, nil
	}
	for _, r := range resp.Body.DomainRecords.Record {
		// RRKeyWord is a fuzzy match
		if !strings.EqualFold(tea.StringValue(r.RR), rr) {
			continue
		}
		records = append(records, engine.DNSRecord{
			ID:    tea.StringValue(r.RecordId),
			Type:  strings.ToUpper(recordType),
			Host:  engine.JoinHost(tea.StringValue(r.RR), zone),
			Value: tea.StringValue(r.Value),
			TTL:   c.reportedTTL(int(tea.Int64Value(r.TTL))),
		})
	}
	return records, nil
}

// Create implements dnsrecords.RecordClient.
func (c *DNSClient) Create(ctx context.Context, zone string, rec engine.DNSRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	req := &alidns.AddDomainRecordRequest{
		DomainName: tea.String(zone),
		RR:         tea.String(engine.RelativeName(rec.Host, zone)),
		Type:       tea.String(dnsrecords.WireType(rec.Type)),
		Value:      tea.String(rec.Value),
	}
	if ttl := c.writtenTTL(rec.TTL); ttl > 0 {
		req.TTL = tea.Int64(int64(ttl))
	}

	resp, err := c.api.AddDomainRecord(req)
	if err != nil {
		return "", classify("alidns", err, engine.RecordRef(zone, rec.Host, rec.Type).Key())
	}
	c.log.Debug().Str("record", rec.String()).Msg("Record added")
	if resp == nil || resp.Body == nil {
		return "", nil
	}
	return tea.StringValue(resp.Body.RecordId), nil
}

// Update implements dnsrecords.RecordClient.
func (c *DNSClient) Update(ctx context.Context, zone string, rec engine.DNSRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := &alidns.UpdateDomainRecordRequest{
		RecordId: tea.String(rec.ID),
		RR:       tea.String(engine.RelativeName(rec.Host, zone)),
		Type:     tea.String(dnsrecords.WireType(rec.Type)),
		Value:    tea.String(rec.Value),
	}
	if ttl := c.writtenTTL(rec.TTL); ttl > 0 {
		req.TTL = tea.Int64(int64(ttl))
	}

	if _, err := c.api.UpdateDomainRecord(req); err != nil {
		return classify("alidns", err, engine.RecordRef(zone, rec.Host, rec.Type).Key())
	}
	return nil
}

// Delete implements dnsrecords.RecordClient.
func (c *DNSClient) Delete(ctx context.Context, zone, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.api.DeleteDomainRecord(&alidns.DeleteDomainRecordRequest{RecordId: tea.String(id)})
	if err != nil {
		err = classify("alidns", err, id)
		if engine.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

func (c *DNSClient) writtenTTL(ttl int) int {
	if ttl > 0 && ttl < c.minTTL {
		return c.minTTL
	}
	return ttl
}

func (c *DNSClient) reportedTTL(ttl int) int {
	if c.minTTL > 0 && ttl == c.minTTL {
		return 0
	}
	return ttl
}
