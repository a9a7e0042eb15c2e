// Package huawei provides a Huawei Cloud DNS record client.
//
// Huawei Cloud DNS stores record sets: one set per name and type carrying
// every value. The client exposes single records to the engine; a record ID
// is "<recordset ID>#<value>".
package huawei

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/huaweicloud/huaweicloud-sdk-go-v3/core/auth/basic"
	"github.com/huaweicloud/huaweicloud-sdk-go-v3/core/sdkerr"
	dns "github.com/huaweicloud/huaweicloud-sdk-go-v3/services/dns/v2"
	"github.com/huaweicloud/huaweicloud-sdk-go-v3/services/dns/v2/model"
	"github.com/huaweicloud/huaweicloud-sdk-go-v3/services/dns/v2/region"
	"github.com/rs/zerolog"

	"github.com/sitebind/sitebind/pkg/engine"
	"github.com/sitebind/sitebind/pkg/providers/apierr"
	"github.com/sitebind/sitebind/pkg/providers/dnsrecords"
)

// Config holds Huawei Cloud credentials.
type Config struct {
	AccessKey string
	SecretKey string
	ProjectID string

	// Region defaults to cn-north-4.
	Region string

	// MinTTL is the smallest TTL the zone accepts.
	MinTTL int
}

type dnsAPI interface {
	ListPublicZones(request *model.ListPublicZonesRequest) (*model.ListPublicZonesResponse, error)
	ListRecordSetsByZone(request *model.ListRecordSetsByZoneRequest) (*model.ListRecordSetsByZoneResponse, error)
	ShowRecordSet(request *model.ShowRecordSetRequest) (*model.ShowRecordSetResponse, error)
	CreateRecordSet(request *model.CreateRecordSetRequest) (*model.CreateRecordSetResponse, error)
	UpdateRecordSet(request *model.UpdateRecordSetRequest) (*model.UpdateRecordSetResponse, error)
	DeleteRecordSet(request *model.DeleteRecordSetRequest) (*model.DeleteRecordSetResponse, error)
}

// DNSClient implements dnsrecords.RecordClient for Huawei Cloud DNS.
type DNSClient struct {
	api    dnsAPI
	minTTL int
	log    zerolog.Logger

	mu    sync.Mutex
	zones map[string]string
}

var _ dnsrecords.RecordClient = (*DNSClient)(nil)

// NewDNSClient creates a record client.
func NewDNSClient(cfg Config, log zerolog.Logger) (*DNSClient, error) {
	builder := basic.NewCredentialsBuilder().WithAk(cfg.AccessKey).WithSk(cfg.SecretKey)
	if cfg.ProjectID != "" {
		builder = builder.WithProjectId(cfg.ProjectID)
	}
	auth, err := builder.SafeBuild()
	if err != nil {
		return nil, fmt.Errorf("invalid huawei credentials: %w", err)
	}

	name := cfg.Region
	if name == "" {
		name = "cn-north-4"
	}
	reg, err := region.SafeValueOf(name)
	if err != nil {
		return nil, fmt.Errorf("invalid huawei region %s: %w", name, err)
	}

	hc, err := dns.DnsClientBuilder().WithRegion(reg).WithCredential(auth).SafeBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to create huawei dns client: %w", err)
	}
	return newDNSClient(dns.NewDnsClient(hc), cfg.MinTTL, log), nil
}

func newDNSClient(api dnsAPI, minTTL int, log zerolog.Logger) *DNSClient {
	return &DNSClient{
		api:    api,
		minTTL: minTTL,
		log:    log.With().Str("vendor", "huawei-dns").Logger(),
		zones:  make(map[string]string),
	}
}

// zoneID resolves and caches the ID of a public zone.
func (c *DNSClient) zoneID(zone string) (string, error) {
	zone = engine.NormalizeHost(zone)

	c.mu.Lock()
	id, ok := c.zones[zone]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	resp, err := c.api.ListPublicZones(&model.ListPublicZonesRequest{})
	if err != nil {
		return "", classify(err, zone)
	}
	if resp.Zones != nil {
		for _, z := range *resp.Zones {
			if z.Name == nil || z.Id == nil || engine.NormalizeHost(*z.Name) != zone {
				continue
			}
			c.mu.Lock()
			c.zones[zone] = *z.Id
			c.mu.Unlock()
			return *z.Id, nil
		}
	}
	return "", engine.NewPermanentError(fmt.Sprintf("huawei-dns: zone %s is not hosted in this account", zone), nil).
		WithCode(engine.ErrCodeValidation).WithResource(zone)
}

// recordSet returns the record set at host with the wire type, or nil.
func (c *DNSClient) recordSet(zoneID, host, wireType string) (*model.ListRecordSets, error) {
	name := fqdn(host)
	resp, err := c.api.ListRecordSetsByZone(&model.ListRecordSetsByZoneRequest{
		ZoneId: zoneID,
		Name:   &name,
		Type:   &wireType,
	})
	if err != nil {
		return nil, classify(err, host)
	}
	if resp.Recordsets == nil {
		return nil, nil
	}
	// the name filter is a fuzzy match
	for _, rs := range *resp.Recordsets {
		if rs.Name != nil && strings.EqualFold(*rs.Name, name) && rs.Type != nil && *rs.Type == wireType {
			set := rs
			return &set, nil
		}
	}
	return nil, nil
}

// List implements dnsrecords.RecordClient.
func (c *DNSClient) List(ctx context.Context, zone, host, recordType string) ([]engine.DNSRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	zoneID, err := c.zoneID(zone)
	if err != nil {
		return nil, err
	}
	wire := dnsrecords.WireType(recordType)
	set, err := c.recordSet(zoneID, host, wire)
	if err != nil || set == nil || set.Records == nil {
		return nil, err
	}

	ttl := 0
	if set.Ttl != nil {
		ttl = int(*set.Ttl)
	}
	if c.minTTL > 0 && ttl == c.minTTL {
		ttl = 0
	}

	records := make([]engine.DNSRecord, 0, len(*set.Records))
	for _, v := range *set.Records {
		value := fromWire(wire, v)
		records = append(records, engine.DNSRecord{
			ID:    recordID(*set.Id, value),
			Type:  strings.ToUpper(recordType),
			Host:  engine.NormalizeHost(host),
			Value: value,
			TTL:   ttl,
		})
	}
	return records, nil
}

// Create implements dnsrecords.RecordClient. The value joins the existing
// record set when there is one.
func (c *DNSClient) Create(ctx context.Context, zone string, rec engine.DNSRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	zoneID, err := c.zoneID(zone)
	if err != nil {
		return "", err
	}
	wire := dnsrecords.WireType(rec.Type)
	set, err := c.recordSet(zoneID, rec.Host, wire)
	if err != nil {
		return "", err
	}

	if set != nil && set.Id != nil {
		values := []string{}
		if set.Records != nil {
			values = append(values, *set.Records...)
		}
		values = append(values, toWire(wire, rec.Value))
		if err := c.update(zoneID, *set.Id, rec.Host, wire, rec.TTL, values); err != nil {
			return "", err
		}
		return recordID(*set.Id, rec.Value), nil
	}

	body := &model.CreateRecordSetRequestBody{
		Name:    fqdn(rec.Host),
		Type:    wire,
		Records: []string{toWire(wire, rec.Value)},
	}
	if ttl := c.ttl(rec.TTL); ttl > 0 {
		t := int32(ttl)
		body.Ttl = &t
	}
	resp, err := c.api.CreateRecordSet(&model.CreateRecordSetRequest{ZoneId: zoneID, Body: body})
	if err != nil {
		return "", classify(err, engine.RecordRef(zone, rec.Host, rec.Type).Key())
	}
	if resp.Id == nil {
		return "", nil
	}
	c.log.Debug().Str("recordset", *resp.Id).Str("record", rec.String()).Msg("Record set created")
	return recordID(*resp.Id, rec.Value), nil
}

// Update implements dnsrecords.RecordClient.
func (c *DNSClient) Update(ctx context.Context, zone string, rec engine.DNSRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	zoneID, err := c.zoneID(zone)
	if err != nil {
		return err
	}
	setID, old, err := parseRecordID(rec.ID)
	if err != nil {
		return err
	}
	wire := dnsrecords.WireType(rec.Type)
	values, err := c.values(zoneID, setID)
	if err != nil {
		return err
	}

	out := make([]string, 0, len(values))
	replaced := false
	for _, v := range values {
		if fromWire(wire, v) == old && !replaced {
			out = append(out, toWire(wire, rec.Value))
			replaced = true
			continue
		}
		out = append(out, v)
	}
	if !replaced {
		out = append(out, toWire(wire, rec.Value))
	}
	return c.update(zoneID, setID, rec.Host, wire, rec.TTL, out)
}

// Delete implements dnsrecords.RecordClient. The record set goes when its
// last value does.
func (c *DNSClient) Delete(ctx context.Context, zone, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	zoneID, err := c.zoneID(zone)
	if err != nil {
		return err
	}
	setID, value, err := parseRecordID(id)
	if err != nil {
		return err
	}

	show, err := c.api.ShowRecordSet(&model.ShowRecordSetRequest{ZoneId: zoneID, RecordsetId: setID})
	if err != nil {
		err = classify(err, id)
		if engine.IsNotFound(err) {
			return nil
		}
		return err
	}
	wire := ""
	if show.Type != nil {
		wire = *show.Type
	}

	var rest []string
	if show.Records != nil {
		for _, v := range *show.Records {
			if fromWire(wire, v) != value {
				rest = append(rest, v)
			}
		}
	}

	if len(rest) == 0 {
		if _, err := c.api.DeleteRecordSet(&model.DeleteRecordSetRequest{ZoneId: zoneID, RecordsetId: setID}); err != nil {
			err = classify(err, id)
			if engine.IsNotFound(err) {
				return nil
			}
			return err
		}
		return nil
	}

	name := ""
	if show.Name != nil {
		name = *show.Name
	}
	ttl := 0
	if show.Ttl != nil {
		ttl = int(*show.Ttl)
	}
	return c.update(zoneID, setID, name, wire, ttl, rest)
}

func (c *DNSClient) values(zoneID, setID string) ([]string, error) {
	show, err := c.api.ShowRecordSet(&model.ShowRecordSetRequest{ZoneId: zoneID, RecordsetId: setID})
	if err != nil {
		return nil, classify(err, setID)
	}
	if show.Records == nil {
		return nil, nil
	}
	return *show.Records, nil
}

func (c *DNSClient) update(zoneID, setID, host, wire string, ttl int, values []string) error {
	name := fqdn(host)
	body := &model.UpdateRecordSetReq{
		Name:    &name,
		Type:    &wire,
		Records: &values,
	}
	if t := c.ttl(ttl); t > 0 {
		t32 := int32(t)
		body.Ttl = &t32
	}
	_, err := c.api.UpdateRecordSet(&model.UpdateRecordSetRequest{ZoneId: zoneID, RecordsetId: setID, Body: body})
	if err != nil {
		return classify(err, setID)
	}
	return nil
}

func (c *DNSClient) ttl(ttl int) int {
	if ttl > 0 && ttl < c.minTTL {
		return c.minTTL
	}
	return ttl
}

func fqdn(host string) string {
	return engine.NormalizeHost(host) + "."
}

// toWire quotes TXT values and qualifies CNAME targets.
func toWire(wireType, value string) string {
	switch wireType {
	case "TXT":
		return strconv.Quote(value)
	case "CNAME":
		return fqdn(value)
	default:
		return value
	}
}

func fromWire(wireType, value string) string {
	switch wireType {
	case "TXT":
		if s, err := strconv.Unquote(value); err == nil {
			return s
		}
		return value
	case "CNAME":
		return engine.NormalizeHost(value)
	default:
		return value
	}
}

func recordID(setID, value string) string {
	return setID + "#" + value
}

func parseRecordID(id string) (string, string, error) {
	setID, value, ok := strings.Cut(id, "#")
	if !ok || setID == "" {
		return "", "", engine.NewPermanentError(fmt.Sprintf("malformed huawei record ID %q", id), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return setID, value, nil
}

func classify(err error, resource string) error {
	f := apierr.Failure{Vendor: "huawei-dns", Err: err}
	var svcErr *sdkerr.ServiceResponseError
	if errors.As(err, &svcErr) {
		f.Code = svcErr.ErrorCode
		f.Status = svcErr.StatusCode
		f.Message = svcErr.ErrorMessage
	}
	return apierr.WithResource(f, resource)
}
