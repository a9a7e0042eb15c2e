package amazon

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/amplify"
	amptypes "github.com/aws/aws-sdk-go-v2/service/amplify/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/sitebind/sitebind/pkg/engine"
)

type fakeAmplify struct {
	assoc   *amptypes.DomainAssociation
	calls   []string
	updated []amptypes.SubDomainSetting
}

func (f *fakeAmplify) GetDomainAssociation(ctx context.Context, in *amplify.GetDomainAssociationInput, _ ...func(*amplify.Options)) (*amplify.GetDomainAssociationOutput, error) {
	if f.assoc == nil {
		return nil, &smithy.GenericAPIError{Code: "NotFoundException"}
	}
	return &amplify.GetDomainAssociationOutput{DomainAssociation: f.assoc}, nil
}

func (f *fakeAmplify) CreateDomainAssociation(ctx context.Context, in *amplify.CreateDomainAssociationInput, _ ...func(*amplify.Options)) (*amplify.CreateDomainAssociationOutput, error) {
	f.calls = append(f.calls, "create")
	f.assoc = &amptypes.DomainAssociation{
		DomainName:                       in.DomainName,
		DomainStatus:                     amptypes.DomainStatusCreating,
		CertificateVerificationDNSRecord: aws.String("_c1.example.com. CNAME _v1.acm-validations.aws."),
	}
	for _, s := range in.SubDomainSettings {
		s := s
		f.assoc.SubDomains = append(f.assoc.SubDomains, amptypes.SubDomain{
			SubDomainSetting: &s,
			Verified:         aws.Bool(false),
			DnsRecord:        aws.String(aws.ToString(s.Prefix) + " CNAME d2abc.cloudfront.net"),
		})
	}
	return &amplify.CreateDomainAssociationOutput{DomainAssociation: f.assoc}, nil
}

func (f *fakeAmplify) UpdateDomainAssociation(ctx context.Context, in *amplify.UpdateDomainAssociationInput, _ ...func(*amplify.Options)) (*amplify.UpdateDomainAssociationOutput, error) {
	f.calls = append(f.calls, "update")
	f.updated = in.SubDomainSettings
	f.assoc.DomainStatus = amptypes.DomainStatusUpdating
	return &amplify.UpdateDomainAssociationOutput{DomainAssociation: f.assoc}, nil
}

func (f *fakeAmplify) DeleteDomainAssociation(ctx context.Context, in *amplify.DeleteDomainAssociationInput, _ ...func(*amplify.Options)) (*amplify.DeleteDomainAssociationOutput, error) {
	f.calls = append(f.calls, "delete")
	if f.assoc == nil {
		return nil, &smithy.GenericAPIError{Code: "NotFoundException"}
	}
	f.assoc = nil
	return &amplify.DeleteDomainAssociationOutput{}, nil
}

func platformOp(kind engine.OperationKind, prefixes ...string) *engine.Operation {
	op := &engine.Operation{ID: string(kind), Kind: kind, Target: engine.PlatformRef("app1", "example.com")}
	for _, p := range prefixes {
		op.Payload.Subdomains = append(op.Payload.Subdomains, engine.PlatformSubdomain{Prefix: p, Branch: "main"})
	}
	return op
}

func TestAmplify_CreateAndRead(t *testing.T) {
	api := &fakeAmplify{}
	a := newAmplify(api, zerolog.Nop())
	ctx := context.Background()
	ref := engine.PlatformRef("app1", "example.com")

	if _, err := a.Read(ctx, ref); !engine.IsNotFound(err) {
		t.Fatalf("Expected NotFound before creation, got %v", err)
	}

	res, err := a.Apply(ctx, platformOp(engine.OpCreatePlatformBinding, "www", ""), "")
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	obs, err := a.Read(ctx, ref)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if obs.Version != res.Version {
		t.Errorf("Expected the read version %s to match the create result %s", obs.Version, res.Version)
	}
	pb := obs.Platform
	if pb.Status != engine.PlatformInProgress {
		t.Errorf("Expected IN_PROGRESS, got %s", pb.Status)
	}
	if len(pb.Subdomains) != 2 || pb.Subdomains[0].Prefix != "" || pb.Subdomains[1].Target != "d2abc.cloudfront.net" {
		t.Errorf("Unexpected subdomains %+v", pb.Subdomains)
	}
	if len(pb.ValidationRecords) != 1 || pb.ValidationRecords[0].Host != "_c1.example.com" || pb.ValidationRecords[0].Type != "CNAME" {
		t.Errorf("Unexpected validation records %v", pb.ValidationRecords)
	}
}

func TestAmplify_UpdateWhileBusy(t *testing.T) {
	api := &fakeAmplify{}
	a := newAmplify(api, zerolog.Nop())
	ctx := context.Background()

	if _, err := a.Apply(ctx, platformOp(engine.OpCreatePlatformBinding, "www"), ""); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	api.assoc.DomainStatus = amptypes.DomainStatusUpdating
	if _, err := a.Apply(ctx, platformOp(engine.OpUpdatePlatformBinding, "www", "shop"), ""); !engine.IsBusy(err) {
		t.Fatalf("Expected a busy error, got %v", err)
	}

	api.assoc.DomainStatus = amptypes.DomainStatusAvailable
	obs, _ := a.Read(ctx, engine.PlatformRef("app1", "example.com"))
	if _, err := a.Apply(ctx, platformOp(engine.OpUpdatePlatformBinding, "www", "shop"), "stale"); !engine.IsConflict(err) {
		t.Fatalf("Expected a conflict on a stale version, got %v", err)
	}
	if _, err := a.Apply(ctx, platformOp(engine.OpUpdatePlatformBinding, "www", "shop"), obs.Version); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(api.updated) != 2 {
		t.Errorf("Expected two subdomain settings, got %d", len(api.updated))
	}
}

func TestAmplify_RecreateAndDelete(t *testing.T) {
	api := &fakeAmplify{}
	a := newAmplify(api, zerolog.Nop())
	ctx := context.Background()

	if _, err := a.Apply(ctx, platformOp(engine.OpRecreatePlatformBinding, "www"), ""); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if _, err := a.Apply(ctx, platformOp(engine.OpDeletePlatformBinding), ""); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if _, err := a.Apply(ctx, platformOp(engine.OpDeletePlatformBinding), ""); err != nil {
		t.Fatalf("Expected deleting a missing association to succeed, got %v", err)
	}

	want := []string{"delete", "create", "delete", "delete"}
	if len(api.calls) != len(want) {
		t.Fatalf("Expected calls %v, got %v", want, api.calls)
	}
	for i := range want {
		if api.calls[i] != want[i] {
			t.Errorf("Call %d: expected %s, got %s", i, want[i], api.calls[i])
		}
	}
}

func TestPlatformStatus(t *testing.T) {
	tests := map[amptypes.DomainStatus]engine.PlatformStatus{
		amptypes.DomainStatusAvailable:           engine.PlatformAvailable,
		amptypes.DomainStatusFailed:              engine.PlatformFailed,
		amptypes.DomainStatusPendingVerification: engine.PlatformPendingVerification,
		amptypes.DomainStatusPendingDeployment:   engine.PlatformPendingDeployment,
		amptypes.DomainStatusUpdating:            engine.PlatformUpdating,
		amptypes.DomainStatusInProgress:          engine.PlatformInProgress,
		amptypes.DomainStatusCreating:            engine.PlatformInProgress,
	}
	for in, want := range tests {
		if got := platformStatus(in); got != want {
			t.Errorf("platformStatus(%s) = %s, want %s", in, got, want)
		}
	}
}
