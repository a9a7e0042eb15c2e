package aliyun

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	cas "github.com/alibabacloud-go/cas-20200407/v3/client"
	"github.com/alibabacloud-go/tea/tea"
	"github.com/rs/zerolog"

	"github.com/sitebind/sitebind/pkg/engine"
)

// casAPI is the part of the Certificate Management Service client the
// adapter uses.
type casAPI interface {
	CreateCertificateForPackageRequest(request *cas.CreateCertificateForPackageRequestRequest) (*cas.CreateCertificateForPackageRequestResponse, error)
	DescribeCertificateState(request *cas.DescribeCertificateStateRequest) (*cas.DescribeCertificateStateResponse, error)
	DeleteCertificateRequest(request *cas.DeleteCertificateRequestRequest) (*cas.DeleteCertificateRequestResponse, error)
}

// CAS order states.
const (
	casDomainVerify = "domain_verify"
	casCertificate  = "certificate"
	casVerifyFail   = "verify_fail"
)

// CertificateAuthority implements engine.Provider for certificates ordered
// from Alibaba Cloud CAS. Certificate IDs carry the order ID and the
// requested hostnames, "<order>:<host>,<host>", since the order state does
// not report them.
type CertificateAuthority struct {
	api         casAPI
	productCode string
	log         zerolog.Logger
}

var _ engine.Provider = (*CertificateAuthority)(nil)

// NewCertificateAuthority creates a CAS adapter.
func NewCertificateAuthority(cfg Config, log zerolog.Logger) (*CertificateAuthority, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "cas.aliyuncs.com"
	}

	client, err := cas.NewClient(cfg.openapi(endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create cas client: %w", err)
	}
	return newCertificateAuthority(client, cfg.ProductCode, log), nil
}

func newCertificateAuthority(api casAPI, productCode string, log zerolog.Logger) *CertificateAuthority {
	if productCode == "" {
		productCode = DefaultProductCode
	}
	return &CertificateAuthority{
		api:         api,
		productCode: productCode,
		log:         log.With().Str("vendor", "cas").Logger(),
	}
}

// Name implements engine.Provider.
func (c *CertificateAuthority) Name() string {
	return "aliyun-cas"
}

// Kinds implements engine.Provider.
func (c *CertificateAuthority) Kinds() []engine.ResourceKind {
	return []engine.ResourceKind{engine.KindCertificate}
}

// Read implements engine.Provider.
func (c *CertificateAuthority) Read(ctx context.Context, ref engine.ResourceRef) (*engine.ObservedState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	orderID, domains, err := parseCertificateID(ref.ID)
	if err != nil {
		return nil, err
	}

	resp, err := c.api.DescribeCertificateState(&cas.DescribeCertificateStateRequest{OrderId: tea.Int64(orderID)})
	if err != nil {
		return nil, classify("cas", err, ref.Key())
	}
	if resp == nil || resp.Body == nil {
		return nil, engine.NewNotFoundError(ref)
	}
	body := resp.Body

	cert := engine.Certificate{
		ID:      ref.ID,
		Domains: domains,
		Status:  certificateStatus(tea.StringValue(body.Type)),
	}
	if cert.Status.IsFailed() {
		cert.StatusReason = tea.StringValue(body.Type)
	}
	if rr := tea.StringValue(body.RecordDomain); rr != "" && tea.StringValue(body.RecordValue) != "" {
		recordType := strings.ToUpper(tea.StringValue(body.RecordType))
		if recordType == "" {
			recordType = "TXT"
		}
		cert.ValidationRecords = []engine.DNSRecord{{
			Type:  recordType,
			Host:  validationHost(rr, domains[0]),
			Value: tea.StringValue(body.RecordValue),
		}}
	}

	return &engine.ObservedState{Ref: ref, Exists: true, Certificate: &cert}, nil
}

// Apply implements engine.Provider.
func (c *CertificateAuthority) Apply(ctx context.Context, op *engine.Operation, expectedVersion string) (*engine.ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch op.Kind {
	case engine.OpRequestCertificate:
		return c.request(op)
	case engine.OpDeleteCertificate:
		orderID, _, err := parseCertificateID(op.Target.ID)
		if err != nil {
			return nil, err
		}
		_, err = c.api.DeleteCertificateRequest(&cas.DeleteCertificateRequestRequest{OrderId: tea.Int64(orderID)})
		if err != nil {
			err = classify("cas", err, op.Target.Key())
			if !engine.IsNotFound(err) {
				return nil, err
			}
		}
		c.log.Info().Int64("order", orderID).Msg("Certificate order deleted")
		return &engine.ApplyResult{}, nil
	default:
		return nil, unsupported(c.Name(), op)
	}
}

func (c *CertificateAuthority) request(op *engine.Operation) (*engine.ApplyResult, error) {
	domains := make([]string, 0, len(op.Payload.Domains))
	for _, d := range op.Payload.Domains {
		domains = append(domains, engine.NormalizeHost(d))
	}
	sort.Strings(domains)
	if len(domains) == 0 {
		return nil, engine.NewPermanentError("certificate request has no hostnames", nil).
			WithCode(engine.ErrCodeValidation).WithOperation(string(op.Kind))
	}
	if len(domains) > 1 && c.productCode == DefaultProductCode {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("product %s covers a single hostname, %d requested", c.productCode, len(domains)), nil).
			WithCode(engine.ErrCodeValidation).
			WithOperation(string(op.Kind)).
			WithResource(op.Target.Key())
	}

	resp, err := c.api.CreateCertificateForPackageRequest(&cas.CreateCertificateForPackageRequestRequest{
		Domain:       tea.String(strings.Join(domains, ",")),
		ValidateType: tea.String("DNS"),
		ProductCode:  tea.String(c.productCode),
	})
	if err != nil {
		return nil, classify("cas", err, op.Target.Key())
	}
	if resp == nil || resp.Body == nil || resp.Body.OrderId == nil {
		return nil, engine.NewTransientError("cas returned no order ID", nil).WithResource(op.Target.Key())
	}

	id := formatCertificateID(tea.Int64Value(resp.Body.OrderId), domains)
	c.log.Info().Str("certificate", id).Msg("Certificate ordered")
	return &engine.ApplyResult{ResourceID: id}, nil
}

func certificateStatus(state string) engine.CertificateStatus {
	switch state {
	case casCertificate:
		return engine.CertificateIssued
	case casVerifyFail:
		return engine.CertificateFailed
	default:
		return engine.CertificatePendingValidation
	}
}

// validationHost qualifies the record name CAS reports, which is relative
// to the registrable domain.
func validationHost(rr, domain string) string {
	apex := engine.ApexOf(domain)
	if engine.IsWithin(rr, apex) {
		return engine.NormalizeHost(rr)
	}
	return engine.JoinHost(rr, apex)
}

func formatCertificateID(orderID int64, domains []string) string {
	return strconv.FormatInt(orderID, 10) + ":" + strings.Join(domains, ",")
}

func parseCertificateID(id string) (int64, []string, error) {
	order, hosts, ok := strings.Cut(id, ":")
	orderID, err := strconv.ParseInt(order, 10, 64)
	if !ok || err != nil || hosts == "" {
		return 0, nil, engine.NewPermanentError(fmt.Sprintf("malformed cas certificate ID %q", id), err).
			WithCode(engine.ErrCodeValidation)
	}
	return orderID, strings.Split(hosts, ","), nil
}
