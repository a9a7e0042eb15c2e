package amazon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	acmtypes "github.com/aws/aws-sdk-go-v2/service/acm/types"
	"github.com/rs/zerolog"

	"github.com/sitebind/sitebind/pkg/engine"
)

// TagKey marks resources created by the engine.
const TagKey = "sitebind:binding"

type acmAPI interface {
	DescribeCertificate(ctx context.Context, params *acm.DescribeCertificateInput, optFns ...func(*acm.Options)) (*acm.DescribeCertificateOutput, error)
	RequestCertificate(ctx context.Context, params *acm.RequestCertificateInput, optFns ...func(*acm.Options)) (*acm.RequestCertificateOutput, error)
	DeleteCertificate(ctx context.Context, params *acm.DeleteCertificateInput, optFns ...func(*acm.Options)) (*acm.DeleteCertificateOutput, error)
}

// ACM implements engine.Provider for certificates.
type ACM struct {
	api acmAPI
	log zerolog.Logger
}

var _ engine.Provider = (*ACM)(nil)

// NewACM creates an ACM adapter.
func NewACM(cfg aws.Config, log zerolog.Logger) *ACM {
	return newACM(acm.NewFromConfig(cfg), log)
}

func newACM(api acmAPI, log zerolog.Logger) *ACM {
	return &ACM{api: api, log: log.With().Str("vendor", "acm").Logger()}
}

// Name implements engine.Provider.
func (a *ACM) Name() string {
	return "aws-acm"
}

// Kinds implements engine.Provider.
func (a *ACM) Kinds() []engine.ResourceKind {
	return []engine.ResourceKind{engine.KindCertificate}
}

// Read implements engine.Provider.
func (a *ACM) Read(ctx context.Context, ref engine.ResourceRef) (*engine.ObservedState, error) {
	out, err := a.api.DescribeCertificate(ctx, &acm.DescribeCertificateInput{CertificateArn: aws.String(ref.ID)})
	if err != nil {
		return nil, classify("acm", err, ref.Key())
	}
	if out.Certificate == nil {
		return nil, engine.NewNotFoundError(ref)
	}
	detail := out.Certificate

	cert := engine.Certificate{
		ID:     ref.ID,
		Status: certificateStatus(detail.Status),
	}
	if detail.FailureReason != "" {
		cert.StatusReason = string(detail.FailureReason)
	}

	hosts := map[string]bool{}
	if detail.DomainName != nil {
		hosts[engine.NormalizeHost(*detail.DomainName)] = true
	}
	for _, san := range detail.SubjectAlternativeNames {
		hosts[engine.NormalizeHost(san)] = true
	}
	for h := range hosts {
		cert.Domains = append(cert.Domains, h)
	}
	sort.Strings(cert.Domains)

	// a wildcard and its base share one validation record
	seen := map[string]bool{}
	for _, dv := range detail.DomainValidationOptions {
		rr := dv.ResourceRecord
		if rr == nil || rr.Name == nil || rr.Value == nil {
			continue
		}
		rec := engine.DNSRecord{
			Type:  string(rr.Type),
			Host:  engine.NormalizeHost(*rr.Name),
			Value: engine.NormalizeHost(*rr.Value),
		}
		if seen[rec.String()] {
			continue
		}
		seen[rec.String()] = true
		cert.ValidationRecords = append(cert.ValidationRecords, rec)
	}

	return &engine.ObservedState{Ref: ref, Exists: true, Certificate: &cert}, nil
}

// Apply implements engine.Provider.
func (a *ACM) Apply(ctx context.Context, op *engine.Operation, expectedVersion string) (*engine.ApplyResult, error) {
	switch op.Kind {
	case engine.OpRequestCertificate:
		return a.request(ctx, op)
	case engine.OpDeleteCertificate:
		_, err := a.api.DeleteCertificate(ctx, &acm.DeleteCertificateInput{CertificateArn: aws.String(op.Target.ID)})
		if err != nil {
			err = classify("acm", err, op.Target.Key())
			if !engine.IsNotFound(err) {
				return nil, err
			}
		}
		a.log.Info().Str("certificate", op.Target.ID).Msg("Certificate deleted")
		return &engine.ApplyResult{}, nil
	default:
		return nil, unsupported(a.Name(), op)
	}
}

// request asks for a DNS-validated certificate. A retried request carries
// the same idempotency token and gets the same ARN back; a request for other
// hostnames or another binding carries a different one.
func (a *ACM) request(ctx context.Context, op *engine.Operation) (*engine.ApplyResult, error) {
	domains := hostList(op.Payload.Domains)
	if len(domains) == 0 {
		return nil, engine.NewPermanentError("certificate request has no hostnames", nil).
			WithCode(engine.ErrCodeValidation).WithOperation(string(op.Kind))
	}
	primary := domains[0]
	for _, d := range domains {
		if d == engine.NormalizeHost(op.Target.Name) {
			primary = d
		}
	}
	var sans []string
	for _, d := range domains {
		if d != primary {
			sans = append(sans, d)
		}
	}

	in := &acm.RequestCertificateInput{
		DomainName:       aws.String(primary),
		ValidationMethod: acmtypes.ValidationMethodDns,
		IdempotencyToken: aws.String(idempotencyToken(op)),
		Tags:             []acmtypes.Tag{{Key: aws.String(TagKey), Value: aws.String(primary)}},
	}
	if len(sans) > 0 {
		in.SubjectAlternativeNames = sans
	}

	out, err := a.api.RequestCertificate(ctx, in)
	if err != nil {
		return nil, classify("acm", err, op.Target.Key())
	}
	arn := aws.ToString(out.CertificateArn)
	a.log.Info().Str("certificate", arn).Strs("domains", op.Payload.Domains).Msg("Certificate requested")
	return &engine.ApplyResult{ResourceID: arn}, nil
}

func certificateStatus(s acmtypes.CertificateStatus) engine.CertificateStatus {
	switch s {
	case acmtypes.CertificateStatusIssued:
		return engine.CertificateIssued
	case acmtypes.CertificateStatusFailed:
		return engine.CertificateFailed
	case acmtypes.CertificateStatusValidationTimedOut:
		return engine.CertificateValidationTimeout
	case acmtypes.CertificateStatusRevoked:
		return engine.CertificateRevoked
	case acmtypes.CertificateStatusInactive, acmtypes.CertificateStatusExpired:
		return engine.CertificateInactive
	default:
		return engine.CertificatePendingValidation
	}
}

// idempotencyToken returns an alphanumeric token of at most 32 characters.
func idempotencyToken(op *engine.Operation) string {
	key := op.IdempotencyKey
	if key == "" {
		key = op.ID
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

func unsupported(name string, op *engine.Operation) error {
	return engine.NewPermanentError(name+" cannot apply "+string(op.Kind), nil).
		WithCode(engine.ErrCodeValidation).WithOperation(string(op.Kind))
}

func hostList(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	seen := map[string]bool{}
	for _, h := range hosts {
		h = engine.NormalizeHost(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
