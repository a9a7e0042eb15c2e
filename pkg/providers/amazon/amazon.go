// Package amazon provides the AWS adapters: ACM as the certificate authority,
// CloudFront as the edge and Amplify Hosting as the platform. Each adapter
// talks to a narrow interface over the SDK client so tests can substitute
// fakes.
package amazon

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/sitebind/sitebind/pkg/providers/apierr"
)

// Config selects the AWS account and region.
type Config struct {
	// Region of ACM and Amplify. CloudFront viewer certificates must live
	// in us-east-1.
	Region string

	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Endpoint overrides every service endpoint.
	Endpoint string
}

// LoadConfig resolves an SDK configuration. Static keys win over the
// default credential chain.
func LoadConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load aws config: %w", err)
	}
	if cfg.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return awsCfg, nil
}

func classify(vendor string, err error, resource string) error {
	if err == nil {
		return nil
	}
	f := apierr.Failure{Vendor: vendor, Err: err}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		f.Code = apiErr.ErrorCode()
		f.Message = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		f.Status = respErr.HTTPStatusCode()
	}
	return apierr.WithResource(f, resource)
}
