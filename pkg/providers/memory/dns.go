package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sitebind/sitebind/pkg/engine"
)

// DNS is an in-memory record API implementing dnsrecords.RecordClient.
type DNS struct {
	*calls
	faults *Faults

	mu      sync.RWMutex
	records map[string]engine.DNSRecord
	seq     int
	writes  int
}

// NewDNS creates an empty DNS fake.
func NewDNS() *DNS {
	return &DNS{
		calls:   newCalls(),
		faults:  newFaults(),
		records: make(map[string]engine.DNSRecord),
	}
}

// Faults returns the fault injector. Writes fail per record type
// (QueueWrite), reads per engine.KindDNSRecord (QueueRead).
func (d *DNS) Faults() *Faults {
	return d.faults
}

// Seed adds records without going through the adapter.
func (d *DNS) Seed(records ...engine.DNSRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range records {
		d.insert(r)
	}
}

// Records returns the records at host with type recordType.
func (d *DNS) Records(host, recordType string) []engine.DNSRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.match(host, recordType)
}

// Has reports whether rec exists at its exact host.
func (d *DNS) Has(rec engine.DNSRecord) bool {
	for _, r := range d.Records(rec.Host, rec.Type) {
		if r.Matches(rec) {
			return true
		}
	}
	return false
}

// List implements dnsrecords.RecordClient.
func (d *DNS) List(ctx context.Context, zone, host, recordType string) ([]engine.DNSRecord, error) {
	d.calls.read(engine.RecordRef(zone, host, recordType).Key())
	if err := d.faults.read(engine.KindDNSRecord); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.match(host, recordType), nil
}

// Create implements dnsrecords.RecordClient.
func (d *DNS) Create(ctx context.Context, zone string, rec engine.DNSRecord) (string, error) {
	if err := d.beginWrite(ctx, rec.Type); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.insert(rec), nil
}

// Update implements dnsrecords.RecordClient.
func (d *DNS) Update(ctx context.Context, zone string, rec engine.DNSRecord) error {
	if err := d.beginWrite(ctx, rec.Type); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.records[rec.ID]; !ok {
		return engine.NewNotFoundError(engine.RecordRef(zone, rec.Host, rec.Type))
	}
	rec.Host = engine.NormalizeHost(rec.Host)
	rec.Type = strings.ToUpper(rec.Type)
	d.records[rec.ID] = rec
	return nil
}

// Delete implements dnsrecords.RecordClient.
func (d *DNS) Delete(ctx context.Context, zone, id string) error {
	d.mu.RLock()
	recordType := d.records[id].Type
	d.mu.RUnlock()
	if err := d.beginWrite(ctx, recordType); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, id)
	return nil
}

// Writes returns the number of successful record writes.
func (d *DNS) Writes() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.writes
}

func (d *DNS) beginWrite(ctx context.Context, recordType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.faults.write(recordType); err != nil {
		return err
	}
	d.mu.Lock()
	d.writes++
	d.mu.Unlock()
	return nil
}

// Remove deletes every record at host with type recordType, simulating an
// out-of-band change.
func (d *DNS) Remove(host, recordType string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.match(host, recordType) {
		delete(d.records, r.ID)
	}
}

func (d *DNS) insert(rec engine.DNSRecord) string {
	d.seq++
	rec.ID = fmt.Sprintf("rec-%d", d.seq)
	rec.Host = engine.NormalizeHost(rec.Host)
	rec.Type = strings.ToUpper(rec.Type)
	d.records[rec.ID] = rec
	return rec.ID
}

func (d *DNS) match(host, recordType string) []engine.DNSRecord {
	host = engine.NormalizeHost(host)
	recordType = strings.ToUpper(recordType)
	out := make([]engine.DNSRecord, 0)
	for _, r := range d.records {
		if r.Host == host && r.Type == recordType {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
