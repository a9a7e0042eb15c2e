// Package dnsrecords adapts a vendor DNS record API to the engine's Provider
// contract. Vendors implement RecordClient; this package adds read-first
// de-duplication, content version tokens and error classification.
package dnsrecords

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sitebind/sitebind/pkg/engine"
)

// RecordClient is the minimal record API of a DNS vendor. Hosts are fully
// qualified; zone is the apex the record lives in.
type RecordClient interface {
	// List returns the records at host with the given type, with IDs. A
	// record reported with TTL 0 matches any desired TTL.
	List(ctx context.Context, zone, host, recordType string) ([]engine.DNSRecord, error)

	// Create adds a record and returns its ID.
	Create(ctx context.Context, zone string, rec engine.DNSRecord) (string, error)

	// Update replaces the record identified by rec.ID.
	Update(ctx context.Context, zone string, rec engine.DNSRecord) error

	// Delete removes the record with the given ID.
	Delete(ctx context.Context, zone, id string) error
}

// singleValued lists the types of which a host carries at most one record.
var singleValued = map[string]bool{
	"CNAME": true,
	"ALIAS": true,
}

// Provider is the engine adapter for DNS records.
type Provider struct {
	name   string
	client RecordClient
	log    zerolog.Logger
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the adapter logger.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Provider) {
		p.log = log
	}
}

// New creates a DNS adapter named name over client.
func New(name string, client RecordClient, opts ...Option) *Provider {
	p := &Provider{name: name, client: client, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With().Str("provider", name).Logger()
	return p
}

// Name implements engine.Provider.
func (p *Provider) Name() string {
	return p.name
}

// Kinds implements engine.Provider.
func (p *Provider) Kinds() []engine.ResourceKind {
	return []engine.ResourceKind{engine.KindDNSRecord}
}

// Read implements engine.Provider. An empty record set is NotFound.
func (p *Provider) Read(ctx context.Context, ref engine.ResourceRef) (*engine.ObservedState, error) {
	if ref.Kind != engine.KindDNSRecord {
		return nil, engine.NewPermanentError(fmt.Sprintf("%s cannot read %s", p.name, ref.Kind), nil).
			WithCode(engine.ErrCodeValidation)
	}
	records, err := p.client.List(ctx, ref.Zone, ref.Name, ref.Type)
	if err != nil {
		return nil, classify(err, ref.Key())
	}
	if len(records) == 0 {
		return nil, engine.NewNotFoundError(ref)
	}
	return &engine.ObservedState{
		Ref:     ref,
		Exists:  true,
		Version: Digest(records),
		Records: records,
	}, nil
}

// Apply implements engine.Provider. Writes are skipped when the record is
// already present; expectedVersion, when set, must equal the digest of the
// current record set.
func (p *Provider) Apply(ctx context.Context, op *engine.Operation, expectedVersion string) (*engine.ApplyResult, error) {
	if op.Payload.Record == nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("%s has no record payload", op.Kind), nil).
			WithCode(engine.ErrCodeValidation).WithOperation(string(op.Kind))
	}
	rec := *op.Payload.Record
	rec.Host = engine.NormalizeHost(rec.Host)
	rec.Type = strings.ToUpper(rec.Type)
	zone := op.Target.Zone

	current, err := p.client.List(ctx, zone, rec.Host, rec.Type)
	if err != nil {
		return nil, classify(err, op.Target.Key())
	}
	if expectedVersion != "" {
		if v := Digest(current); v != expectedVersion {
			return nil, engine.NewConflictError("record set changed since it was read", v, nil).
				WithResource(op.Target.Key())
		}
	}

	switch op.Kind {
	case engine.OpAddRootCAA, engine.OpAddCAA, engine.OpCreateValidationRecord, engine.OpPublishRoutingRecord:
		err = p.ensure(ctx, zone, rec, current)
	case engine.OpDeleteRoutingRecord, engine.OpDeleteValidationRecord:
		err = p.remove(ctx, zone, rec, current)
	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("%s cannot apply %s", p.name, op.Kind), nil).
			WithCode(engine.ErrCodeValidation).WithOperation(string(op.Kind))
	}
	if err != nil {
		return nil, classify(err, op.Target.Key())
	}

	after, err := p.client.List(ctx, zone, rec.Host, rec.Type)
	if err != nil {
		return nil, classify(err, op.Target.Key())
	}
	return &engine.ApplyResult{Version: Digest(after)}, nil
}

func (p *Provider) ensure(ctx context.Context, zone string, rec engine.DNSRecord, current []engine.DNSRecord) error {
	for _, r := range current {
		if r.Matches(rec) && (rec.TTL == 0 || r.TTL == 0 || r.TTL == rec.TTL) {
			p.log.Debug().Str("record", rec.String()).Msg("Record already present")
			return nil
		}
	}

	if singleValued[rec.Type] && len(current) > 0 {
		existing := current[0]
		rec.ID = existing.ID
		p.log.Info().Str("record", rec.String()).Str("previous", existing.Value).Msg("Replacing record")
		return p.client.Update(ctx, zone, rec)
	}
	for _, r := range current {
		// same value with a different TTL
		if r.Matches(rec) {
			rec.ID = r.ID
			return p.client.Update(ctx, zone, rec)
		}
	}

	id, err := p.client.Create(ctx, zone, rec)
	if err != nil {
		return err
	}
	p.log.Info().Str("record", rec.String()).Str("id", id).Msg("Record created")
	return nil
}

func (p *Provider) remove(ctx context.Context, zone string, rec engine.DNSRecord, current []engine.DNSRecord) error {
	for _, r := range current {
		if !r.Matches(rec) {
			continue
		}
		if err := p.client.Delete(ctx, zone, r.ID); err != nil {
			return err
		}
		p.log.Info().Str("record", r.String()).Msg("Record deleted")
	}
	return nil
}

// Digest returns the content version token of a record set.
func Digest(records []engine.DNSRecord) string {
	lines := make([]string, 0, len(records))
	for _, r := range records {
		lines = append(lines, fmt.Sprintf("%s %s %s %d",
			engine.NormalizeHost(r.Host), strings.ToUpper(r.Type), r.Value, r.TTL))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:8])
}

func classify(err error, resource string) error {
	e := engine.AsEngineError(err)
	if e.Resource == "" {
		e.Resource = resource
	}
	return e
}

// WireType returns the record type sent to vendors without ALIAS support.
// They flatten a CNAME at the apex instead.
func WireType(recordType string) string {
	if t := strings.ToUpper(recordType); t != "ALIAS" {
		return t
	}
	return "CNAME"
}
