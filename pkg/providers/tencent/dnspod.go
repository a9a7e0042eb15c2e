package tencent

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common"
	dnspod "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/dnspod/v20210323"

	"github.com/sitebind/sitebind/pkg/engine"
	"github.com/sitebind/sitebind/pkg/providers/dnsrecords"
)

type dnspodAPI interface {
	DescribeRecordListWithContext(ctx context.Context, request *dnspod.DescribeRecordListRequest) (*dnspod.DescribeRecordListResponse, error)
	CreateRecordWithContext(ctx context.Context, request *dnspod.CreateRecordRequest) (*dnspod.CreateRecordResponse, error)
	ModifyRecordWithContext(ctx context.Context, request *dnspod.ModifyRecordRequest) (*dnspod.ModifyRecordResponse, error)
	DeleteRecordWithContext(ctx context.Context, request *dnspod.DeleteRecordRequest) (*dnspod.DeleteRecordResponse, error)
}

// DNSClient implements dnsrecords.RecordClient for DNSPod.
type DNSClient struct {
	api    dnspodAPI
	line   string
	minTTL int
	log    zerolog.Logger
}

var _ dnsrecords.RecordClient = (*DNSClient)(nil)

// NewDNSClient creates a DNSPod record client.
func NewDNSClient(cfg Config, log zerolog.Logger) (*DNSClient, error) {
	client, err := dnspod.NewClient(cfg.credential(), "", cfg.profile("dnspod.tencentcloudapi.com"))
	if err != nil {
		return nil, fmt.Errorf("failed to create dnspod client: %w", err)
	}
	return newDNSClient(client, cfg.RecordLine, cfg.MinTTL, log), nil
}

func newDNSClient(api dnspodAPI, line string, minTTL int, log zerolog.Logger) *DNSClient {
	if line == "" {
		line = DefaultRecordLine
	}
	return &DNSClient{api: api, line: line, minTTL: minTTL, log: log.With().Str("vendor", "dnspod").Logger()}
}

// List implements dnsrecords.RecordClient. DNSPod answers an empty result
// with an error, which is reported as no records.
func (c *DNSClient) List(ctx context.Context, zone, host, recordType string) ([]engine.DNSRecord, error) {
	sub := engine.RelativeName(host, zone)

	req := dnspod.NewDescribeRecordListRequest()
	req.Domain = common.StringPtr(zone)
	req.Subdomain = common.StringPtr(sub)
	req.RecordType = common.StringPtr(dnsrecords.WireType(recordType))

	resp, err := c.api.DescribeRecordListWithContext(ctx, req)
	if err != nil {
		err = classify("dnspod", err, engine.RecordRef(zone, host, recordType).Key())
		if engine.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	var records []engine.DNSRecord
	if resp == nil || resp.Response == nil {
		return records, nil
	}
	for _, r := range resp.Response.RecordList {
		if r == nil || !strings.EqualFold(deref(r.Name), sub) {
			continue
		}
		ttl := 0
		if r.TTL != nil {
			ttl = int(*r.TTL)
		}
		if c.minTTL > 0 && ttl == c.minTTL {
			ttl = 0
		}
		id := ""
		if r.RecordId != nil {
			id = strconv.FormatUint(*r.RecordId, 10)
		}
		records = append(records, engine.DNSRecord{
			ID:    id,
			Type:  strings.ToUpper(recordType),
			Host:  engine.JoinHost(deref(r.Name), zone),
			Value: strings.TrimSuffix(deref(r.Value), "."),
			TTL:   ttl,
		})
	}
	return records, nil
}

// Create implements dnsrecords.RecordClient.
func (c *DNSClient) Create(ctx context.Context, zone string, rec engine.DNSRecord) (string, error) {
	req := dnspod.NewCreateRecordRequest()
	req.Domain = common.StringPtr(zone)
	req.SubDomain = common.StringPtr(engine.RelativeName(rec.Host, zone))
	req.RecordType = common.StringPtr(dnsrecords.WireType(rec.Type))
	req.RecordLine = common.StringPtr(c.line)
	req.Value = common.StringPtr(rec.Value)
	if ttl := c.ttl(rec.TTL); ttl > 0 {
		req.TTL = common.Uint64Ptr(uint64(ttl))
	}

	resp, err := c.api.CreateRecordWithContext(ctx, req)
	if err != nil {
		return "", classify("dnspod", err, engine.RecordRef(zone, rec.Host, rec.Type).Key())
	}
	if resp == nil || resp.Response == nil || resp.Response.RecordId == nil {
		return "", nil
	}
	return strconv.FormatUint(*resp.Response.RecordId, 10), nil
}

// Update implements dnsrecords.RecordClient.
func (c *DNSClient) Update(ctx context.Context, zone string, rec engine.DNSRecord) error {
	id, err := recordID(rec.ID)
	if err != nil {
		return err
	}
	req := dnspod.NewModifyRecordRequest()
	req.Domain = common.StringPtr(zone)
	req.RecordId = common.Uint64Ptr(id)
	req.SubDomain = common.StringPtr(engine.RelativeName(rec.Host, zone))
	req.RecordType = common.StringPtr(dnsrecords.WireType(rec.Type))
	req.RecordLine = common.StringPtr(c.line)
	req.Value = common.StringPtr(rec.Value)
	if ttl := c.ttl(rec.TTL); ttl > 0 {
		req.TTL = common.Uint64Ptr(uint64(ttl))
	}

	if _, err := c.api.ModifyRecordWithContext(ctx, req); err != nil {
		return classify("dnspod", err, engine.RecordRef(zone, rec.Host, rec.Type).Key())
	}
	return nil
}

// Delete implements dnsrecords.RecordClient.
func (c *DNSClient) Delete(ctx context.Context, zone, id string) error {
	rid, err := recordID(id)
	if err != nil {
		return err
	}
	req := dnspod.NewDeleteRecordRequest()
	req.Domain = common.StringPtr(zone)
	req.RecordId = common.Uint64Ptr(rid)

	if _, err := c.api.DeleteRecordWithContext(ctx, req); err != nil {
		err = classify("dnspod", err, id)
		if engine.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

func (c *DNSClient) ttl(ttl int) int {
	if ttl > 0 && ttl < c.minTTL {
		return c.minTTL
	}
	return ttl
}

func recordID(id string) (uint64, error) {
	v, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, engine.NewPermanentError(fmt.Sprintf("malformed dnspod record ID %q", id), err).
			WithCode(engine.ErrCodeValidation)
	}
	return v, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
