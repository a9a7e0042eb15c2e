package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/sitebind/sitebind/pkg/engine"
)

// CDN is a fake content delivery network with ETag-style version tokens.
// A mutated distribution reports InProgress for PropagationReads reads.
// Deleting a distribution first disables it; the delete succeeds once the
// disabled distribution is deployed again.
type CDN struct {
	*calls
	faults *Faults

	// PropagationReads is the number of reads a mutation stays InProgress.
	PropagationReads int

	mu            sync.Mutex
	distributions map[string]*distribution
	conflicts     map[engine.OperationKind]int
	references    map[string]string
	seq           int
}

type distribution struct {
	edge     engine.EdgeAlias
	version  int
	pending  int
	origin   string
	disabled bool
}

// NewCDN creates an empty CDN fake.
func NewCDN() *CDN {
	return &CDN{
		calls:            newCalls(),
		faults:           newFaults(),
		PropagationReads: 1,
		distributions:    make(map[string]*distribution),
		conflicts:        make(map[engine.OperationKind]int),
		references:       make(map[string]string),
	}
}

// Faults returns the fault injector.
func (c *CDN) Faults() *Faults {
	return c.faults
}

// Name implements engine.Provider.
func (c *CDN) Name() string {
	return "memory-cdn"
}

// Kinds implements engine.Provider.
func (c *CDN) Kinds() []engine.ResourceKind {
	return []engine.ResourceKind{engine.KindEdgeAlias}
}

// AddDistribution seeds a deployed distribution with the default certificate.
func (c *CDN) AddDistribution(id, domainName string, aliases ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.distributions[id] = &distribution{
		edge: engine.EdgeAlias{
			DistributionRef: id,
			DomainName:      domainName,
			Aliases:         append([]string(nil), aliases...),
			Status:          engine.EdgeDeployed,
		},
		version: 1,
	}
}

// Distribution returns a copy of a distribution's alias configuration.
func (c *CDN) Distribution(id string) (engine.EdgeAlias, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.distributions[id]
	if !ok {
		return engine.EdgeAlias{}, false
	}
	return copyEdge(d.edge), true
}

// ConflictOnce makes the next apply of kind lose a race: a concurrent writer
// bumps the distribution's version first and the apply returns a conflict
// carrying the new version.
func (c *CDN) ConflictOnce(kind engine.OperationKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conflicts[kind]++
}

// Mutate applies fn to a distribution outside the adapter, as another
// writer would, and bumps its version.
func (c *CDN) Mutate(id string, fn func(*engine.EdgeAlias)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.distributions[id]; ok {
		fn(&d.edge)
		d.version++
	}
}

// UsesCertificate reports whether any distribution serves certificate id.
func (c *CDN) UsesCertificate(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.distributions {
		if d.edge.CertificateRef == id {
			return true
		}
	}
	return false
}

// Read implements engine.Provider.
func (c *CDN) Read(ctx context.Context, ref engine.ResourceRef) (*engine.ObservedState, error) {
	c.calls.read(ref.Key())
	if err := c.faults.read(engine.KindEdgeAlias); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.distributions[ref.ID]
	if !ok {
		return nil, engine.NewNotFoundError(ref)
	}
	edge := copyEdge(d.edge)
	if d.pending > 0 {
		edge.Status = engine.EdgeInProgress
		d.pending--
		if d.pending == 0 {
			d.edge.Status = engine.EdgeDeployed
		}
	}
	return &engine.ObservedState{Ref: ref, Exists: true, Version: etag(d.version), Edge: &edge}, nil
}

// Apply implements engine.Provider.
func (c *CDN) Apply(ctx context.Context, op *engine.Operation, expectedVersion string) (*engine.ApplyResult, error) {
	res, err := c.apply(ctx, op, expectedVersion)
	c.calls.apply(op, expectedVersion, err)
	return res, err
}

func (c *CDN) apply(ctx context.Context, op *engine.Operation, expectedVersion string) (*engine.ApplyResult, error) {
	if err := c.faults.apply(op.Kind); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if op.Kind == engine.OpCreateDistribution {
		if id, ok := c.references[op.IdempotencyKey]; ok && op.IdempotencyKey != "" {
			if d, live := c.distributions[id]; live {
				return &engine.ApplyResult{ResourceID: id, Version: etag(d.version)}, nil
			}
		}
		c.seq++
		id := fmt.Sprintf("EMEM%06d", c.seq)
		c.distributions[id] = &distribution{
			edge: engine.EdgeAlias{
				DistributionRef: id,
				DomainName:      fmt.Sprintf("d%06d.cdn.memory.test", c.seq),
				Status:          engine.EdgeInProgress,
			},
			version: 1,
			pending: c.PropagationReads,
			origin:  op.Payload.Origin,
		}
		if op.IdempotencyKey != "" {
			c.references[op.IdempotencyKey] = id
		}
		return &engine.ApplyResult{ResourceID: id, Version: etag(1)}, nil
	}

	d, ok := c.distributions[op.Target.ID]
	if !ok {
		if op.Kind == engine.OpDeleteDistribution {
			return &engine.ApplyResult{}, nil
		}
		return nil, engine.NewNotFoundError(op.Target)
	}
	if c.conflicts[op.Kind] > 0 {
		c.conflicts[op.Kind]--
		d.version++
		return nil, engine.NewConflictError("distribution was modified concurrently", etag(d.version), nil).
			WithResource(op.Target.Key())
	}
	if expectedVersion != "" && expectedVersion != etag(d.version) {
		return nil, engine.NewConflictError("If-Match does not match the current ETag", etag(d.version), nil).
			WithResource(op.Target.Key())
	}

	switch op.Kind {
	case engine.OpAttachCertificateToEdge:
		d.edge.CertificateRef = op.Payload.CertificateRef
		d.edge.MinTLSVersion = op.Payload.MinTLSVersion
	case engine.OpAddAlias, engine.OpRemoveAlias:
		d.edge.Aliases = append([]string(nil), op.Payload.Aliases...)
		if op.Payload.CertificateRef != "" {
			d.edge.CertificateRef = op.Payload.CertificateRef
			d.edge.MinTLSVersion = op.Payload.MinTLSVersion
		}
	case engine.OpDetachCertificate:
		d.edge.CertificateRef = ""
		d.edge.Aliases = append([]string(nil), op.Payload.Aliases...)
	case engine.OpDeleteDistribution:
		switch {
		case !d.disabled:
			d.disabled = true
		case d.pending > 0:
			return nil, engine.NewBusyError(fmt.Sprintf("distribution %s is still being disabled", op.Target.ID), nil).
				WithResource(op.Target.Key())
		default:
			delete(c.distributions, op.Target.ID)
			return &engine.ApplyResult{}, nil
		}
	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("memory-cdn cannot apply %s", op.Kind), nil).
			WithCode(engine.ErrCodeValidation)
	}
	d.version++
	d.pending = c.PropagationReads
	if d.pending > 0 {
		d.edge.Status = engine.EdgeInProgress
	}
	if op.Kind == engine.OpDeleteDistribution {
		if d.pending > 0 {
			return nil, engine.NewBusyError(fmt.Sprintf("distribution %s is being disabled", op.Target.ID), nil).
				WithResource(op.Target.Key())
		}
		delete(c.distributions, op.Target.ID)
		return &engine.ApplyResult{}, nil
	}
	return &engine.ApplyResult{Version: etag(d.version)}, nil
}

func etag(v int) string {
	return "E" + strconv.Itoa(v)
}

func copyEdge(e engine.EdgeAlias) engine.EdgeAlias {
	e.Aliases = append([]string(nil), e.Aliases...)
	return e
}
