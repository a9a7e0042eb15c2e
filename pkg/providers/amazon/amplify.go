package amazon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/amplify"
	amptypes "github.com/aws/aws-sdk-go-v2/service/amplify/types"
	"github.com/rs/zerolog"

	"github.com/sitebind/sitebind/pkg/engine"
)

type amplifyAPI interface {
	GetDomainAssociation(ctx context.Context, params *amplify.GetDomainAssociationInput, optFns ...func(*amplify.Options)) (*amplify.GetDomainAssociationOutput, error)
	CreateDomainAssociation(ctx context.Context, params *amplify.CreateDomainAssociationInput, optFns ...func(*amplify.Options)) (*amplify.CreateDomainAssociationOutput, error)
	UpdateDomainAssociation(ctx context.Context, params *amplify.UpdateDomainAssociationInput, optFns ...func(*amplify.Options)) (*amplify.UpdateDomainAssociationOutput, error)
	DeleteDomainAssociation(ctx context.Context, params *amplify.DeleteDomainAssociationInput, optFns ...func(*amplify.Options)) (*amplify.DeleteDomainAssociationOutput, error)
}

// Amplify implements engine.Provider for Amplify Hosting domain
// associations. The version of an association is a digest of its
// subdomains and status.
type Amplify struct {
	api amplifyAPI
	log zerolog.Logger
}

var _ engine.Provider = (*Amplify)(nil)

// NewAmplify creates an Amplify adapter.
func NewAmplify(cfg aws.Config, log zerolog.Logger) *Amplify {
	return newAmplify(amplify.NewFromConfig(cfg), log)
}

func newAmplify(api amplifyAPI, log zerolog.Logger) *Amplify {
	return &Amplify{api: api, log: log.With().Str("vendor", "amplify").Logger()}
}

// Name implements engine.Provider.
func (a *Amplify) Name() string {
	return "aws-amplify"
}

// Kinds implements engine.Provider.
func (a *Amplify) Kinds() []engine.ResourceKind {
	return []engine.ResourceKind{engine.KindPlatformBinding}
}

// Read implements engine.Provider.
func (a *Amplify) Read(ctx context.Context, ref engine.ResourceRef) (*engine.ObservedState, error) {
	assoc, err := a.get(ctx, ref)
	if err != nil {
		return nil, err
	}
	pb := platformBinding(ref.ID, assoc)
	return &engine.ObservedState{Ref: ref, Exists: true, Version: bindingVersion(pb), Platform: pb}, nil
}

func (a *Amplify) get(ctx context.Context, ref engine.ResourceRef) (*amptypes.DomainAssociation, error) {
	out, err := a.api.GetDomainAssociation(ctx, &amplify.GetDomainAssociationInput{
		AppId:      aws.String(ref.ID),
		DomainName: aws.String(ref.Name),
	})
	if err != nil {
		return nil, classify("amplify", err, ref.Key())
	}
	if out.DomainAssociation == nil {
		return nil, engine.NewNotFoundError(ref)
	}
	return out.DomainAssociation, nil
}

// Apply implements engine.Provider.
func (a *Amplify) Apply(ctx context.Context, op *engine.Operation, expectedVersion string) (*engine.ApplyResult, error) {
	ref := op.Target
	switch op.Kind {
	case engine.OpCreatePlatformBinding:
		return a.create(ctx, op)

	case engine.OpUpdatePlatformBinding:
		assoc, err := a.get(ctx, ref)
		if err != nil {
			return nil, err
		}
		current := platformBinding(ref.ID, assoc)
		if v := bindingVersion(current); expectedVersion != "" && v != expectedVersion {
			return nil, engine.NewConflictError("domain association changed", v, nil).WithResource(ref.Key())
		}
		if current.Status.IsBusy() {
			return nil, engine.NewBusyError(fmt.Sprintf("domain association for %s is %s", ref.Name, current.Status), nil).
				WithResource(ref.Key())
		}
		out, err := a.api.UpdateDomainAssociation(ctx, &amplify.UpdateDomainAssociationInput{
			AppId:             aws.String(ref.ID),
			DomainName:        aws.String(ref.Name),
			SubDomainSettings: subDomainSettings(op.Payload.Subdomains),
		})
		if err != nil {
			return nil, classify("amplify", err, ref.Key())
		}
		a.log.Info().Str("app", ref.ID).Str("domain", ref.Name).Msg("Domain association updated")
		return a.result(ref, out.DomainAssociation), nil

	case engine.OpRecreatePlatformBinding:
		if err := a.delete(ctx, ref); err != nil {
			return nil, err
		}
		return a.create(ctx, op)

	case engine.OpDeletePlatformBinding:
		if err := a.delete(ctx, ref); err != nil {
			return nil, err
		}
		return &engine.ApplyResult{}, nil

	default:
		return nil, unsupported(a.Name(), op)
	}
}

func (a *Amplify) create(ctx context.Context, op *engine.Operation) (*engine.ApplyResult, error) {
	ref := op.Target
	out, err := a.api.CreateDomainAssociation(ctx, &amplify.CreateDomainAssociationInput{
		AppId:             aws.String(ref.ID),
		DomainName:        aws.String(ref.Name),
		SubDomainSettings: subDomainSettings(op.Payload.Subdomains),
	})
	if err != nil {
		return nil, classify("amplify", err, ref.Key())
	}
	a.log.Info().Str("app", ref.ID).Str("domain", ref.Name).Msg("Domain association created")
	return a.result(ref, out.DomainAssociation), nil
}

func (a *Amplify) delete(ctx context.Context, ref engine.ResourceRef) error {
	_, err := a.api.DeleteDomainAssociation(ctx, &amplify.DeleteDomainAssociationInput{
		AppId:      aws.String(ref.ID),
		DomainName: aws.String(ref.Name),
	})
	if err != nil {
		err = classify("amplify", err, ref.Key())
		if engine.IsNotFound(err) {
			return nil
		}
		return err
	}
	a.log.Info().Str("app", ref.ID).Str("domain", ref.Name).Msg("Domain association deleted")
	return nil
}

func (a *Amplify) result(ref engine.ResourceRef, assoc *amptypes.DomainAssociation) *engine.ApplyResult {
	res := &engine.ApplyResult{ResourceID: ref.ID + "/" + ref.Name}
	if assoc != nil {
		res.Version = bindingVersion(platformBinding(ref.ID, assoc))
	}
	return res
}

func subDomainSettings(subs []engine.PlatformSubdomain) []amptypes.SubDomainSetting {
	out := make([]amptypes.SubDomainSetting, 0, len(subs))
	for _, s := range subs {
		out = append(out, amptypes.SubDomainSetting{
			Prefix:     aws.String(s.Prefix),
			BranchName: aws.String(s.Branch),
		})
	}
	return out
}

func platformBinding(appID string, assoc *amptypes.DomainAssociation) *engine.PlatformBinding {
	pb := &engine.PlatformBinding{
		AppID:        appID,
		Domain:       engine.NormalizeHost(aws.ToString(assoc.DomainName)),
		Status:       platformStatus(assoc.DomainStatus),
		StatusReason: aws.ToString(assoc.StatusReason),
	}
	for _, sd := range assoc.SubDomains {
		sub := engine.PlatformSubdomain{Verified: aws.ToBool(sd.Verified)}
		if s := sd.SubDomainSetting; s != nil {
			sub.Prefix = aws.ToString(s.Prefix)
			sub.Branch = aws.ToString(s.BranchName)
		}
		if fields := strings.Fields(aws.ToString(sd.DnsRecord)); len(fields) > 0 {
			sub.Target = engine.NormalizeHost(fields[len(fields)-1])
		}
		pb.Subdomains = append(pb.Subdomains, sub)
	}
	sort.Slice(pb.Subdomains, func(i, j int) bool { return pb.Subdomains[i].Prefix < pb.Subdomains[j].Prefix })

	if rec, ok := parseVerificationRecord(aws.ToString(assoc.CertificateVerificationDNSRecord)); ok {
		pb.ValidationRecords = []engine.DNSRecord{rec}
	}
	return pb
}

// parseVerificationRecord parses "<name> <TYPE> <value>".
func parseVerificationRecord(s string) (engine.DNSRecord, bool) {
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return engine.DNSRecord{}, false
	}
	return engine.DNSRecord{
		Host:  engine.NormalizeHost(fields[0]),
		Type:  strings.ToUpper(fields[1]),
		Value: engine.NormalizeHost(fields[2]),
	}, true
}

func platformStatus(s amptypes.DomainStatus) engine.PlatformStatus {
	switch string(s) {
	case "AVAILABLE":
		return engine.PlatformAvailable
	case "FAILED":
		return engine.PlatformFailed
	case "PENDING_DEPLOYMENT":
		return engine.PlatformPendingDeployment
	case "UPDATING":
		return engine.PlatformUpdating
	case "PENDING_VERIFICATION", "REQUESTING_CERTIFICATE", "AWAITING_APP_CNAME":
		return engine.PlatformPendingVerification
	default:
		return engine.PlatformInProgress
	}
}

func bindingVersion(pb *engine.PlatformBinding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s", pb.Domain, pb.Status)
	for _, s := range pb.Subdomains {
		fmt.Fprintf(&b, "|%s=%s:%t", s.Prefix, s.Branch, s.Verified)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}
