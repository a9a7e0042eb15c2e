// Package aliyun provides Alibaba Cloud adapters: a DNS record client for
// Alibaba Cloud DNS and a certificate authority over Certificate Management
// Service orders.
package aliyun

import (
	"errors"
	"fmt"

	openapi "github.com/alibabacloud-go/darabonba-openapi/v2/client"
	"github.com/alibabacloud-go/tea/tea"

	"github.com/sitebind/sitebind/pkg/engine"
	"github.com/sitebind/sitebind/pkg/providers/apierr"
)

// Config holds Alibaba Cloud credentials and endpoints.
type Config struct {
	AccessKeyID     string
	AccessKeySecret string
	SecurityToken   string

	// Region selects the DNS endpoint. Defaults to cn-hangzhou.
	Region string

	// Endpoint overrides the service endpoint.
	Endpoint string

	// MinTTL is the smallest TTL the DNS edition accepts. Writes are raised
	// to it and records at the floor are reported with TTL 0.
	MinTTL int

	// ProductCode is the CAS certificate product. Defaults to the free
	// single-domain DigiCert product.
	ProductCode string
}

// DefaultProductCode is the free single-domain certificate product.
const DefaultProductCode = "digicert-free-1-free"

func (c Config) openapi(endpoint string) *openapi.Config {
	cfg := &openapi.Config{
		AccessKeyId:     tea.String(c.AccessKeyID),
		AccessKeySecret: tea.String(c.AccessKeySecret),
		Endpoint:        tea.String(endpoint),
	}
	if c.SecurityToken != "" {
		cfg.SecurityToken = tea.String(c.SecurityToken)
	}
	return cfg
}

func (c Config) region() string {
	if c.Region == "" {
		return "cn-hangzhou"
	}
	return c.Region
}

// classify converts an SDK error into an engine error.
func classify(vendor string, err error, resource string) error {
	if err == nil {
		return nil
	}
	f := apierr.Failure{Vendor: vendor, Err: err}
	var sdkErr *tea.SDKError
	if errors.As(err, &sdkErr) {
		f.Code = tea.StringValue(sdkErr.Code)
		f.Status = tea.IntValue(sdkErr.StatusCode)
		f.Message = tea.StringValue(sdkErr.Message)
	}
	return apierr.WithResource(f, resource)
}

func unsupported(vendor string, op *engine.Operation) error {
	return engine.NewPermanentError(fmt.Sprintf("%s cannot apply %s", vendor, op.Kind), nil).
		WithCode(engine.ErrCodeValidation).WithOperation(string(op.Kind))
}
