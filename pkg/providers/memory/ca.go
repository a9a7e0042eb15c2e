package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sitebind/sitebind/pkg/engine"
)

// CA is a fake certificate authority. A requested certificate publishes one
// CNAME validation record per hostname and is issued once every validation
// record has been observed in the linked DNS for IssueAfterReads reads.
// Requests carrying an idempotency key already seen return the certificate
// created for it, whatever their hostnames.
type CA struct {
	*calls
	faults *Faults
	dns    *DNS

	// IssueAfterReads is the number of reads, counted after the validation
	// records appear, before a certificate is issued.
	IssueAfterReads int

	mu     sync.Mutex
	certs  map[string]*caCert
	tokens map[string]string
	seq    int
	inUse  func(id string) bool
}

type caCert struct {
	cert      engine.Certificate
	validated int
}

// NewCA creates a CA validating against dns.
func NewCA(dns *DNS) *CA {
	return &CA{
		calls:           newCalls(),
		faults:          newFaults(),
		dns:             dns,
		IssueAfterReads: 2,
		certs:           make(map[string]*caCert),
		tokens:          make(map[string]string),
	}
}

// Faults returns the fault injector.
func (c *CA) Faults() *Faults {
	return c.faults
}

// Name implements engine.Provider.
func (c *CA) Name() string {
	return "memory-ca"
}

// Kinds implements engine.Provider.
func (c *CA) Kinds() []engine.ResourceKind {
	return []engine.ResourceKind{engine.KindCertificate}
}

// Fail moves a certificate to FAILED with reason.
func (c *CA) Fail(id, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cc, ok := c.certs[id]; ok {
		cc.cert.Status = engine.CertificateFailed
		cc.cert.StatusReason = reason
	}
}

// Certificate returns a copy of a certificate.
func (c *CA) Certificate(id string) (engine.Certificate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc, ok := c.certs[id]
	if !ok {
		return engine.Certificate{}, false
	}
	return copyCert(cc.cert), true
}

// Count returns the number of certificates.
func (c *CA) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.certs)
}

// Read implements engine.Provider.
func (c *CA) Read(ctx context.Context, ref engine.ResourceRef) (*engine.ObservedState, error) {
	c.calls.read(ref.Key())
	if err := c.faults.read(engine.KindCertificate); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	cc, ok := c.certs[ref.ID]
	if !ok {
		c.mu.Unlock()
		return nil, engine.NewNotFoundError(ref)
	}
	pending := cc.cert.Status == engine.CertificatePendingValidation
	records := append([]engine.DNSRecord(nil), cc.cert.ValidationRecords...)
	c.mu.Unlock()

	if pending && c.validationPresent(records) {
		c.mu.Lock()
		cc.validated++
		if cc.validated >= c.IssueAfterReads && cc.cert.Status == engine.CertificatePendingValidation {
			cc.cert.Status = engine.CertificateIssued
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cert := copyCert(cc.cert)
	return &engine.ObservedState{Ref: ref, Exists: true, Certificate: &cert}, nil
}

func (c *CA) validationPresent(records []engine.DNSRecord) bool {
	if c.dns == nil {
		return true
	}
	for _, r := range records {
		if !c.dns.Has(r) {
			return false
		}
	}
	return true
}

// Apply implements engine.Provider.
func (c *CA) Apply(ctx context.Context, op *engine.Operation, expectedVersion string) (*engine.ApplyResult, error) {
	err := c.faults.apply(op.Kind)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		c.calls.apply(op, expectedVersion, err)
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var res *engine.ApplyResult
	switch op.Kind {
	case engine.OpRequestCertificate:
		res = c.request(op)
	case engine.OpDeleteCertificate:
		cc, ok := c.certs[op.Target.ID]
		if ok && cc.cert.Status == engine.CertificateIssued && c.inUse != nil && c.inUse(op.Target.ID) {
			err = engine.NewBusyError(fmt.Sprintf("certificate %s is in use", op.Target.ID), nil)
			break
		}
		delete(c.certs, op.Target.ID)
		res = &engine.ApplyResult{}
	default:
		err = engine.NewPermanentError(fmt.Sprintf("memory-ca cannot apply %s", op.Kind), nil).
			WithCode(engine.ErrCodeValidation)
	}
	c.calls.apply(op, expectedVersion, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// request returns the certificate created for the operation's idempotency
// key, or issues a new request.
func (c *CA) request(op *engine.Operation) *engine.ApplyResult {
	if id, ok := c.tokens[op.IdempotencyKey]; ok && op.IdempotencyKey != "" {
		return &engine.ApplyResult{ResourceID: id}
	}
	domains := append([]string(nil), op.Payload.Domains...)
	sort.Strings(domains)

	c.seq++
	id := fmt.Sprintf("arn:memory:acm:cert/%04d", c.seq)
	cert := engine.Certificate{
		ID:      id,
		Domains: domains,
		Status:  engine.CertificatePendingValidation,
	}
	for _, d := range domains {
		token := fmt.Sprintf("_%04dv%s", c.seq, engine.FirstLabel(d))
		cert.ValidationRecords = append(cert.ValidationRecords, engine.DNSRecord{
			Type:  "CNAME",
			Host:  engine.JoinHost(token, d),
			Value: token + ".validations.memory.test",
			TTL:   300,
		})
	}
	c.certs[id] = &caCert{cert: cert}
	if op.IdempotencyKey != "" {
		c.tokens[op.IdempotencyKey] = id
	}
	return &engine.ApplyResult{ResourceID: id}
}

func copyCert(c engine.Certificate) engine.Certificate {
	c.Domains = append([]string(nil), c.Domains...)
	c.ValidationRecords = append([]engine.DNSRecord(nil), c.ValidationRecords...)
	return c
}
