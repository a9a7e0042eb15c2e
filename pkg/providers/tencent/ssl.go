package tencent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common"
	ssl "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/ssl/v20191205"

	"github.com/sitebind/sitebind/pkg/engine"
)

type sslAPI interface {
	ApplyCertificateWithContext(ctx context.Context, request *ssl.ApplyCertificateRequest) (*ssl.ApplyCertificateResponse, error)
	DescribeCertificateWithContext(ctx context.Context, request *ssl.DescribeCertificateRequest) (*ssl.DescribeCertificateResponse, error)
	DeleteCertificateWithContext(ctx context.Context, request *ssl.DeleteCertificateRequest) (*ssl.DeleteCertificateResponse, error)
}

// CertificateAuthority implements engine.Provider over Tencent Cloud SSL
// free DV certificates, which cover a single hostname.
type CertificateAuthority struct {
	api sslAPI
	log zerolog.Logger
}

var _ engine.Provider = (*CertificateAuthority)(nil)

// NewCertificateAuthority creates an SSL adapter.
func NewCertificateAuthority(cfg Config, log zerolog.Logger) (*CertificateAuthority, error) {
	client, err := ssl.NewClient(cfg.credential(), cfg.region(), cfg.profile("ssl.tencentcloudapi.com"))
	if err != nil {
		return nil, fmt.Errorf("failed to create ssl client: %w", err)
	}
	return newCertificateAuthority(client, log), nil
}

func newCertificateAuthority(api sslAPI, log zerolog.Logger) *CertificateAuthority {
	return &CertificateAuthority{api: api, log: log.With().Str("vendor", "tencent-ssl").Logger()}
}

// Name implements engine.Provider.
func (c *CertificateAuthority) Name() string {
	return "tencent-ssl"
}

// Kinds implements engine.Provider.
func (c *CertificateAuthority) Kinds() []engine.ResourceKind {
	return []engine.ResourceKind{engine.KindCertificate}
}

// Read implements engine.Provider.
func (c *CertificateAuthority) Read(ctx context.Context, ref engine.ResourceRef) (*engine.ObservedState, error) {
	req := ssl.NewDescribeCertificateRequest()
	req.CertificateId = common.StringPtr(ref.ID)

	resp, err := c.api.DescribeCertificateWithContext(ctx, req)
	if err != nil {
		return nil, classify("tencent-ssl", err, ref.Key())
	}
	if resp == nil || resp.Response == nil {
		return nil, engine.NewNotFoundError(ref)
	}
	r := resp.Response

	cert := engine.Certificate{ID: ref.ID}
	if r.Status != nil {
		cert.Status = certificateStatus(*r.Status)
	} else {
		cert.Status = engine.CertificatePendingValidation
	}
	if cert.Status.IsFailed() {
		cert.StatusReason = deref(r.StatusMsg)
	}

	hosts := map[string]bool{}
	if d := deref(r.Domain); d != "" {
		hosts[engine.NormalizeHost(d)] = true
	}
	for _, san := range r.SubjectAltName {
		if san != nil && *san != "" {
			hosts[engine.NormalizeHost(*san)] = true
		}
	}
	for h := range hosts {
		cert.Domains = append(cert.Domains, h)
	}
	sort.Strings(cert.Domains)

	if r.DvAuthDetail != nil {
		for _, auth := range r.DvAuthDetail.DvAuths {
			if auth == nil || deref(auth.DvAuthValue) == "" {
				continue
			}
			zone := deref(auth.DvAuthDomain)
			if zone == "" && len(cert.Domains) > 0 {
				zone = engine.ApexOf(cert.Domains[0])
			}
			recordType := strings.ToUpper(deref(auth.DvAuthVerifyType))
			if recordType == "" {
				recordType = "TXT"
			}
			cert.ValidationRecords = append(cert.ValidationRecords, engine.DNSRecord{
				Type:  recordType,
				Host:  engine.JoinHost(deref(auth.DvAuthSubDomain), zone),
				Value: deref(auth.DvAuthValue),
			})
		}
	}

	return &engine.ObservedState{Ref: ref, Exists: true, Certificate: &cert}, nil
}

// Apply implements engine.Provider.
func (c *CertificateAuthority) Apply(ctx context.Context, op *engine.Operation, expectedVersion string) (*engine.ApplyResult, error) {
	switch op.Kind {
	case engine.OpRequestCertificate:
		if len(op.Payload.Domains) != 1 {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("tencent free certificates cover a single hostname, %d requested", len(op.Payload.Domains)), nil).
				WithCode(engine.ErrCodeValidation).
				WithOperation(string(op.Kind)).
				WithResource(op.Target.Key())
		}
		req := ssl.NewApplyCertificateRequest()
		req.DvAuthMethod = common.StringPtr("DNS")
		req.DomainName = common.StringPtr(engine.NormalizeHost(op.Payload.Domains[0]))

		resp, err := c.api.ApplyCertificateWithContext(ctx, req)
		if err != nil {
			return nil, classify("tencent-ssl", err, op.Target.Key())
		}
		if resp == nil || resp.Response == nil || resp.Response.CertificateId == nil {
			return nil, engine.NewTransientError("tencent-ssl returned no certificate ID", nil).WithResource(op.Target.Key())
		}
		id := *resp.Response.CertificateId
		c.log.Info().Str("certificate", id).Str("domain", *req.DomainName).Msg("Certificate requested")
		return &engine.ApplyResult{ResourceID: id}, nil

	case engine.OpDeleteCertificate:
		req := ssl.NewDeleteCertificateRequest()
		req.CertificateId = common.StringPtr(op.Target.ID)
		if _, err := c.api.DeleteCertificateWithContext(ctx, req); err != nil {
			err = classify("tencent-ssl", err, op.Target.Key())
			if !engine.IsNotFound(err) {
				return nil, err
			}
		}
		c.log.Info().Str("certificate", op.Target.ID).Msg("Certificate deleted")
		return &engine.ApplyResult{}, nil

	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("%s cannot apply %s", c.Name(), op.Kind), nil).
			WithCode(engine.ErrCodeValidation).WithOperation(string(op.Kind))
	}
}

// certificateStatus maps the SSL order status. 3 is expired, 2 rejected,
// 7 cancelled and 10 revoked; the rest are still in progress.
func certificateStatus(status uint64) engine.CertificateStatus {
	switch status {
	case 1:
		return engine.CertificateIssued
	case 2:
		return engine.CertificateFailed
	case 3, 7:
		return engine.CertificateInactive
	case 10:
		return engine.CertificateRevoked
	default:
		return engine.CertificatePendingValidation
	}
}
