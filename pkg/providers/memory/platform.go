package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/sitebind/sitebind/pkg/engine"
)

// Platform is a fake hosting platform with custom-domain associations. A new
// association publishes a validation record and becomes AVAILABLE once the
// record has been observed in the linked DNS for VerifyAfterReads reads.
type Platform struct {
	*calls
	faults *Faults
	dns    *DNS

	// VerifyAfterReads is the number of reads, counted after the validation
	// record appears, before an association becomes AVAILABLE.
	VerifyAfterReads int

	mu           sync.Mutex
	associations map[string]*association
	seq          int
}

type association struct {
	binding  engine.PlatformBinding
	version  int
	verified int
}

// NewPlatform creates a platform fake verifying against dns.
func NewPlatform(dns *DNS) *Platform {
	return &Platform{
		calls:            newCalls(),
		faults:           newFaults(),
		dns:              dns,
		VerifyAfterReads: 1,
		associations:     make(map[string]*association),
	}
}

// Faults returns the fault injector.
func (p *Platform) Faults() *Faults {
	return p.faults
}

// Name implements engine.Provider.
func (p *Platform) Name() string {
	return "memory-platform"
}

// Kinds implements engine.Provider.
func (p *Platform) Kinds() []engine.ResourceKind {
	return []engine.ResourceKind{engine.KindPlatformBinding}
}

// Fail moves an association to FAILED with reason.
func (p *Platform) Fail(appID, domain, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.associations[associationKey(appID, domain)]; ok {
		a.binding.Status = engine.PlatformFailed
		a.binding.StatusReason = reason
		a.version++
	}
}

// Association returns a copy of an association.
func (p *Platform) Association(appID, domain string) (engine.PlatformBinding, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.associations[associationKey(appID, domain)]
	if !ok {
		return engine.PlatformBinding{}, false
	}
	return copyBinding(a.binding), true
}

// Read implements engine.Provider.
func (p *Platform) Read(ctx context.Context, ref engine.ResourceRef) (*engine.ObservedState, error) {
	p.calls.read(ref.Key())
	if err := p.faults.read(engine.KindPlatformBinding); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	a, ok := p.associations[associationKey(ref.ID, ref.Name)]
	if !ok {
		p.mu.Unlock()
		return nil, engine.NewNotFoundError(ref)
	}
	status := a.binding.Status
	records := append([]engine.DNSRecord(nil), a.binding.ValidationRecords...)
	p.mu.Unlock()

	present := true
	for _, r := range records {
		if p.dns != nil && !p.dns.Has(r) {
			present = false
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch status {
	case engine.PlatformPendingVerification:
		if present {
			a.verified++
			if a.verified >= p.VerifyAfterReads {
				a.binding.Status = engine.PlatformPendingDeployment
			}
		}
	case engine.PlatformPendingDeployment, engine.PlatformUpdating, engine.PlatformInProgress:
		a.binding.Status = engine.PlatformAvailable
		for i := range a.binding.Subdomains {
			a.binding.Subdomains[i].Verified = true
		}
	}
	b := copyBinding(a.binding)
	b.Status = status
	return &engine.ObservedState{Ref: ref, Exists: true, Version: fmt.Sprintf("v%d", a.version), Platform: &b}, nil
}

// Apply implements engine.Provider.
func (p *Platform) Apply(ctx context.Context, op *engine.Operation, expectedVersion string) (*engine.ApplyResult, error) {
	res, err := p.apply(ctx, op, expectedVersion)
	p.calls.apply(op, expectedVersion, err)
	return res, err
}

func (p *Platform) apply(ctx context.Context, op *engine.Operation, expectedVersion string) (*engine.ApplyResult, error) {
	if err := p.faults.apply(op.Kind); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	key := associationKey(op.Target.ID, op.Target.Name)
	a, exists := p.associations[key]
	if exists && expectedVersion != "" && expectedVersion != fmt.Sprintf("v%d", a.version) {
		return nil, engine.NewConflictError("domain association changed", fmt.Sprintf("v%d", a.version), nil).
			WithResource(op.Target.Key())
	}

	switch op.Kind {
	case engine.OpCreatePlatformBinding:
		if exists {
			return nil, engine.NewPermanentError(fmt.Sprintf("domain %s is already associated", op.Target.Name), nil).
				WithCode(engine.ErrCodeValidationFailed)
		}
		a = p.create(op)
		p.associations[key] = a
	case engine.OpRecreatePlatformBinding:
		a = p.create(op)
		p.associations[key] = a
	case engine.OpUpdatePlatformBinding:
		if !exists {
			return nil, engine.NewNotFoundError(op.Target)
		}
		if a.binding.Status.IsBusy() {
			return nil, engine.NewBusyError(fmt.Sprintf("domain association for %s is %s", op.Target.Name, a.binding.Status), nil)
		}
		a.binding.Subdomains = p.subdomains(op)
		a.binding.Status = engine.PlatformUpdating
		a.version++
	case engine.OpDeletePlatformBinding:
		delete(p.associations, key)
		return &engine.ApplyResult{}, nil
	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("memory-platform cannot apply %s", op.Kind), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return &engine.ApplyResult{Version: fmt.Sprintf("v%d", a.version), ResourceID: key}, nil
}

func (p *Platform) create(op *engine.Operation) *association {
	p.seq++
	token := fmt.Sprintf("_p%04d", p.seq)
	return &association{
		binding: engine.PlatformBinding{
			AppID:      op.Target.ID,
			Domain:     op.Target.Name,
			Subdomains: p.subdomains(op),
			Status:     engine.PlatformPendingVerification,
			ValidationRecords: []engine.DNSRecord{{
				Type:  "CNAME",
				Host:  engine.JoinHost(token, op.Target.Name),
				Value: token + ".validations.memory.test",
				TTL:   300,
			}},
		},
		version: 1,
	}
}

func (p *Platform) subdomains(op *engine.Operation) []engine.PlatformSubdomain {
	out := make([]engine.PlatformSubdomain, 0, len(op.Payload.Subdomains))
	for _, s := range op.Payload.Subdomains {
		s.Target = fmt.Sprintf("%s.platform.memory.test", op.Target.ID)
		out = append(out, s)
	}
	return out
}

func associationKey(appID, domain string) string {
	return appID + "/" + engine.NormalizeHost(domain)
}

func copyBinding(b engine.PlatformBinding) engine.PlatformBinding {
	b.Subdomains = append([]engine.PlatformSubdomain(nil), b.Subdomains...)
	b.ValidationRecords = append([]engine.DNSRecord(nil), b.ValidationRecords...)
	return b
}
