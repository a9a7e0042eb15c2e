package amazon

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/rs/zerolog"

	"github.com/sitebind/sitebind/pkg/engine"
)

// cachingOptimized is the managed CachingOptimized cache policy.
const cachingOptimized = "658327ea-f89d-4fab-a63d-7e88639e58f6"

const originID = "primary"

type cloudfrontAPI interface {
	GetDistribution(ctx context.Context, params *cloudfront.GetDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionOutput, error)
	GetDistributionConfig(ctx context.Context, params *cloudfront.GetDistributionConfigInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionConfigOutput, error)
	CreateDistribution(ctx context.Context, params *cloudfront.CreateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateDistributionOutput, error)
	UpdateDistribution(ctx context.Context, params *cloudfront.UpdateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateDistributionOutput, error)
	DeleteDistribution(ctx context.Context, params *cloudfront.DeleteDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.DeleteDistributionOutput, error)
}

// CloudFront implements engine.Provider for distribution aliases. Versions
// are distribution ETags and every update is conditional on one.
type CloudFront struct {
	api cloudfrontAPI
	log zerolog.Logger
}

var _ engine.Provider = (*CloudFront)(nil)

// NewCloudFront creates a CloudFront adapter.
func NewCloudFront(cfg aws.Config, log zerolog.Logger) *CloudFront {
	return newCloudFront(cloudfront.NewFromConfig(cfg), log)
}

func newCloudFront(api cloudfrontAPI, log zerolog.Logger) *CloudFront {
	return &CloudFront{api: api, log: log.With().Str("vendor", "cloudfront").Logger()}
}

// Name implements engine.Provider.
func (c *CloudFront) Name() string {
	return "aws-cloudfront"
}

// Kinds implements engine.Provider.
func (c *CloudFront) Kinds() []engine.ResourceKind {
	return []engine.ResourceKind{engine.KindEdgeAlias}
}

// Read implements engine.Provider.
func (c *CloudFront) Read(ctx context.Context, ref engine.ResourceRef) (*engine.ObservedState, error) {
	out, err := c.api.GetDistribution(ctx, &cloudfront.GetDistributionInput{Id: aws.String(ref.ID)})
	if err != nil {
		return nil, classify("cloudfront", err, ref.Key())
	}
	if out.Distribution == nil {
		return nil, engine.NewNotFoundError(ref)
	}
	d := out.Distribution

	edge := engine.EdgeAlias{
		DistributionRef: aws.ToString(d.Id),
		DomainName:      aws.ToString(d.DomainName),
		Status:          engine.EdgeInProgress,
	}
	if aws.ToString(d.Status) == string(engine.EdgeDeployed) {
		edge.Status = engine.EdgeDeployed
	}
	if cfg := d.DistributionConfig; cfg != nil {
		if cfg.Aliases != nil {
			edge.Aliases = hostList(cfg.Aliases.Items)
		}
		if vc := cfg.ViewerCertificate; vc != nil && !aws.ToBool(vc.CloudFrontDefaultCertificate) {
			edge.CertificateRef = aws.ToString(vc.ACMCertificateArn)
			edge.MinTLSVersion = string(vc.MinimumProtocolVersion)
		}
	}

	return &engine.ObservedState{Ref: ref, Exists: true, Version: aws.ToString(out.ETag), Edge: &edge}, nil
}

// Apply implements engine.Provider.
func (c *CloudFront) Apply(ctx context.Context, op *engine.Operation, expectedVersion string) (*engine.ApplyResult, error) {
	switch op.Kind {
	case engine.OpCreateDistribution:
		return c.create(ctx, op)
	case engine.OpDeleteDistribution:
		return c.remove(ctx, op, expectedVersion)
	}

	var mutate func(*cftypes.DistributionConfig)
	switch op.Kind {
	case engine.OpAttachCertificateToEdge:
		mutate = func(cfg *cftypes.DistributionConfig) {
			cfg.ViewerCertificate = viewerCertificate(op.Payload.CertificateRef, op.Payload.MinTLSVersion)
		}
	case engine.OpAddAlias, engine.OpRemoveAlias:
		mutate = func(cfg *cftypes.DistributionConfig) {
			cfg.Aliases = aliases(op.Payload.Aliases)
			if op.Payload.CertificateRef != "" {
				cfg.ViewerCertificate = viewerCertificate(op.Payload.CertificateRef, op.Payload.MinTLSVersion)
			}
		}
	case engine.OpDetachCertificate:
		mutate = func(cfg *cftypes.DistributionConfig) {
			cfg.Aliases = aliases(op.Payload.Aliases)
			cfg.ViewerCertificate = &cftypes.ViewerCertificate{
				CloudFrontDefaultCertificate: aws.Bool(true),
				MinimumProtocolVersion:       cftypes.MinimumProtocolVersionTLSv1,
			}
		}
	default:
		return nil, unsupported(c.Name(), op)
	}
	return c.update(ctx, op, expectedVersion, mutate)
}

func (c *CloudFront) create(ctx context.Context, op *engine.Operation) (*engine.ApplyResult, error) {
	if op.Payload.Origin == "" {
		return nil, engine.NewPermanentError("distribution has no origin", nil).
			WithCode(engine.ErrCodeValidation).WithOperation(string(op.Kind)).WithResource(op.Target.Key())
	}

	ref := op.IdempotencyKey
	if ref == "" {
		ref = op.ID
	}
	cfg := &cftypes.DistributionConfig{
		CallerReference: aws.String(ref),
		Comment:         aws.String(op.Payload.Comment),
		Enabled:         aws.Bool(true),
		Origins: &cftypes.Origins{
			Quantity: aws.Int32(1),
			Items: []cftypes.Origin{{
				Id:         aws.String(originID),
				DomainName: aws.String(op.Payload.Origin),
				CustomOriginConfig: &cftypes.CustomOriginConfig{
					HTTPPort:             aws.Int32(80),
					HTTPSPort:            aws.Int32(443),
					OriginProtocolPolicy: cftypes.OriginProtocolPolicyHttpsOnly,
				},
			}},
		},
		DefaultCacheBehavior: &cftypes.DefaultCacheBehavior{
			TargetOriginId:       aws.String(originID),
			ViewerProtocolPolicy: cftypes.ViewerProtocolPolicyRedirectToHttps,
			CachePolicyId:        aws.String(cachingOptimized),
		},
	}

	out, err := c.api.CreateDistribution(ctx, &cloudfront.CreateDistributionInput{DistributionConfig: cfg})
	if err != nil {
		return nil, classify("cloudfront", err, op.Target.Key())
	}
	if out.Distribution == nil {
		return nil, engine.NewTransientError("cloudfront returned no distribution", nil).WithResource(op.Target.Key())
	}
	id := aws.ToString(out.Distribution.Id)
	c.log.Info().Str("distribution", id).Str("origin", op.Payload.Origin).Msg("Distribution created")
	return &engine.ApplyResult{ResourceID: id, Version: aws.ToString(out.ETag)}, nil
}

// remove deletes a distribution. CloudFront only deletes disabled, deployed
// distributions, so the first call disables it and the distribution reports
// busy until that change has deployed.
func (c *CloudFront) remove(ctx context.Context, op *engine.Operation, expectedVersion string) (*engine.ApplyResult, error) {
	id := aws.String(op.Target.ID)
	cur, err := c.api.GetDistribution(ctx, &cloudfront.GetDistributionInput{Id: id})
	if err != nil {
		err = classify("cloudfront", err, op.Target.Key())
		if engine.IsNotFound(err) {
			return &engine.ApplyResult{}, nil
		}
		return nil, err
	}
	etag := aws.ToString(cur.ETag)
	if expectedVersion != "" && expectedVersion != etag {
		return nil, engine.NewConflictError("distribution changed since it was read", etag, nil).
			WithResource(op.Target.Key())
	}
	d := cur.Distribution
	if d == nil || d.DistributionConfig == nil {
		return &engine.ApplyResult{}, nil
	}

	if aws.ToBool(d.DistributionConfig.Enabled) {
		if _, err := c.update(ctx, op, etag, func(cfg *cftypes.DistributionConfig) {
			cfg.Enabled = aws.Bool(false)
		}); err != nil {
			return nil, err
		}
		return nil, engine.NewBusyError(fmt.Sprintf("distribution %s is being disabled", op.Target.ID), nil).
			WithResource(op.Target.Key())
	}
	if aws.ToString(d.Status) != string(engine.EdgeDeployed) {
		return nil, engine.NewBusyError(fmt.Sprintf("distribution %s is %s", op.Target.ID, aws.ToString(d.Status)), nil).
			WithResource(op.Target.Key())
	}

	_, err = c.api.DeleteDistribution(ctx, &cloudfront.DeleteDistributionInput{Id: id, IfMatch: aws.String(etag)})
	if err != nil {
		err = classify("cloudfront", err, op.Target.Key())
		if !engine.IsNotFound(err) {
			return nil, err
		}
	}
	c.log.Info().Str("distribution", op.Target.ID).Msg("Distribution deleted")
	return &engine.ApplyResult{}, nil
}

// update reads the distribution config, applies mutate and writes it back
// conditioned on the ETag. Unchanged configs are not written.
func (c *CloudFront) update(ctx context.Context, op *engine.Operation, expectedVersion string, mutate func(*cftypes.DistributionConfig)) (*engine.ApplyResult, error) {
	id := aws.String(op.Target.ID)
	cur, err := c.api.GetDistributionConfig(ctx, &cloudfront.GetDistributionConfigInput{Id: id})
	if err != nil {
		return nil, classify("cloudfront", err, op.Target.Key())
	}
	etag := aws.ToString(cur.ETag)
	if expectedVersion != "" && expectedVersion != etag {
		return nil, engine.NewConflictError("distribution changed since it was read", etag, nil).
			WithResource(op.Target.Key())
	}
	if cur.DistributionConfig == nil {
		return nil, engine.NewNotFoundError(op.Target)
	}

	cfg := cur.DistributionConfig
	before := configSummary(cfg)
	mutate(cfg)
	if configSummary(cfg) == before {
		c.log.Debug().Str("distribution", op.Target.ID).Str("operation", string(op.Kind)).Msg("Distribution already up to date")
		return &engine.ApplyResult{Version: etag}, nil
	}

	out, err := c.api.UpdateDistribution(ctx, &cloudfront.UpdateDistributionInput{
		Id:                 id,
		IfMatch:            aws.String(etag),
		DistributionConfig: cfg,
	})
	if err != nil {
		err = classify("cloudfront", err, op.Target.Key())
		if engine.IsConflict(err) {
			if latest, rerr := c.api.GetDistributionConfig(ctx, &cloudfront.GetDistributionConfigInput{Id: id}); rerr == nil {
				return nil, engine.NewConflictError("distribution changed during update", aws.ToString(latest.ETag), err).
					WithResource(op.Target.Key())
			}
		}
		return nil, err
	}
	c.log.Info().Str("distribution", op.Target.ID).Str("operation", string(op.Kind)).Msg("Distribution updated")
	return &engine.ApplyResult{Version: aws.ToString(out.ETag)}, nil
}

func viewerCertificate(arn, minTLS string) *cftypes.ViewerCertificate {
	return &cftypes.ViewerCertificate{
		ACMCertificateArn:            aws.String(arn),
		CloudFrontDefaultCertificate: aws.Bool(false),
		SSLSupportMethod:             cftypes.SSLSupportMethodSniOnly,
		MinimumProtocolVersion:       cftypes.MinimumProtocolVersion(minTLS),
	}
}

func aliases(hosts []string) *cftypes.Aliases {
	items := hostList(hosts)
	return &cftypes.Aliases{Quantity: aws.Int32(int32(len(items))), Items: items}
}

// configSummary renders the fields the adapter manages.
func configSummary(cfg *cftypes.DistributionConfig) string {
	var items []string
	if cfg.Aliases != nil {
		items = hostList(cfg.Aliases.Items)
	}
	vc := cfg.ViewerCertificate
	if vc == nil {
		vc = &cftypes.ViewerCertificate{}
	}
	return fmt.Sprintf("%v|%s|%t|%s|%t", items,
		aws.ToString(vc.ACMCertificateArn), aws.ToBool(vc.CloudFrontDefaultCertificate), vc.MinimumProtocolVersion,
		aws.ToBool(cfg.Enabled))
}
