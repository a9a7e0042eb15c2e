// Package tencent provides Tencent Cloud adapters: a DNSPod record client
// and a certificate authority over Tencent Cloud SSL free certificates.
package tencent

import (
	"errors"

	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common"
	sdkerrors "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/errors"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/profile"

	"github.com/sitebind/sitebind/pkg/providers/apierr"
)

// DefaultRecordLine is the DNSPod line records are published on.
const DefaultRecordLine = "默认"

// Config holds Tencent Cloud credentials.
type Config struct {
	SecretID  string
	SecretKey string
	Token     string

	// Region is used by the SSL client. Defaults to ap-guangzhou.
	Region string

	// Endpoint overrides the service endpoint.
	Endpoint string

	// RecordLine is the DNSPod resolution line. Defaults to DefaultRecordLine.
	RecordLine string

	// MinTTL is the smallest TTL the DNSPod plan accepts.
	MinTTL int
}

func (c Config) credential() *common.Credential {
	if c.Token != "" {
		return common.NewTokenCredential(c.SecretID, c.SecretKey, c.Token)
	}
	return common.NewCredential(c.SecretID, c.SecretKey)
}

func (c Config) profile(endpoint string) *profile.ClientProfile {
	cpf := profile.NewClientProfile()
	cpf.HttpProfile.Endpoint = endpoint
	if c.Endpoint != "" {
		cpf.HttpProfile.Endpoint = c.Endpoint
	}
	return cpf
}

func (c Config) region() string {
	if c.Region == "" {
		return "ap-guangzhou"
	}
	return c.Region
}

func classify(vendor string, err error, resource string) error {
	if err == nil {
		return nil
	}
	f := apierr.Failure{Vendor: vendor, Err: err}
	var sdkErr *sdkerrors.TencentCloudSDKError
	if errors.As(err, &sdkErr) {
		f.Code = sdkErr.GetCode()
		f.Message = sdkErr.GetMessage()
	}
	return apierr.WithResource(f, resource)
}
