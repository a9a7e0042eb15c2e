// Package providers builds the engine's adapter set from configuration.
package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/rs/zerolog"

	"github.com/sitebind/sitebind/pkg/config"
	"github.com/sitebind/sitebind/pkg/engine"
	"github.com/sitebind/sitebind/pkg/providers/aliyun"
	"github.com/sitebind/sitebind/pkg/providers/amazon"
	"github.com/sitebind/sitebind/pkg/providers/dnsrecords"
	"github.com/sitebind/sitebind/pkg/providers/huawei"
	"github.com/sitebind/sitebind/pkg/providers/memory"
	"github.com/sitebind/sitebind/pkg/providers/tencent"
)

// Role is the resource kind a provider spec configures.
type Role string

// Roles of the providers section.
const (
	RoleDNS      Role = "dns"
	RoleCA       Role = "ca"
	RoleCDN      Role = "cdn"
	RolePlatform Role = "platform"
)

// Factory builds the adapter of one vendor for a role.
type Factory func(ctx context.Context, r *Registry, role Role, spec config.ProviderSpec) (engine.Provider, error)

// Registry maps vendor names to adapter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	log       zerolog.Logger

	// env is the simulated landscape shared by every memory adapter.
	env *memory.Environment
}

// NewRegistry creates a registry with the builtin vendors.
func NewRegistry(log zerolog.Logger) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		log:       log,
	}
	r.factories[config.VendorMemory] = memoryFactory
	r.factories[config.VendorAWS] = awsFactory
	r.factories[config.VendorAliyun] = aliyunFactory
	r.factories[config.VendorTencent] = tencentFactory
	r.factories[config.VendorHuawei] = huaweiFactory
	return r
}

// Register adds a vendor factory.
func (r *Registry) Register(vendor string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[vendor]; exists {
		return fmt.Errorf("vendor %s already registered", vendor)
	}
	r.factories[vendor] = f
	return nil
}

// Vendors returns the registered vendor names, sorted.
func (r *Registry) Vendors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Environment returns the simulated landscape, creating it on first use.
func (r *Registry) Environment() *memory.Environment {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.env == nil {
		r.env = memory.NewEnvironment()
	}
	return r.env
}

// UseEnvironment makes memory adapters share env.
func (r *Registry) UseEnvironment(env *memory.Environment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.env = env
}

// Build creates the adapter of every configured role.
func (r *Registry) Build(ctx context.Context, cfg config.ProvidersConfig) (*engine.ProviderSet, error) {
	specs := []struct {
		role Role
		spec *config.ProviderSpec
	}{
		{RoleDNS, &cfg.DNS},
		{RoleCA, &cfg.CA},
		{RoleCDN, cfg.CDN},
		{RolePlatform, cfg.Platform},
	}

	set := engine.NewProviderSet()
	for _, s := range specs {
		if s.spec == nil {
			continue
		}
		r.mu.RLock()
		factory, ok := r.factories[s.spec.Vendor]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%s: unknown vendor %q", s.role, s.spec.Vendor)
		}

		p, err := factory(ctx, r, s.role, *s.spec)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.role, err)
		}
		set.Register(p)
		r.log.Debug().Str("role", string(s.role)).Str("vendor", s.spec.Vendor).Str("provider", p.Name()).Msg("Provider configured")
	}
	return set, nil
}

func (r *Registry) logger(vendor string) zerolog.Logger {
	return r.log.With().Str("component", "provider").Str("vendor", vendor).Logger()
}

func unsupportedRole(vendor string, role Role) error {
	return fmt.Errorf("vendor %s cannot serve the %s role", vendor, role)
}

func memoryFactory(ctx context.Context, r *Registry, role Role, spec config.ProviderSpec) (engine.Provider, error) {
	env := r.Environment()
	switch role {
	case RoleDNS:
		return dnsrecords.New("memory-dns", env.DNS, dnsrecords.WithLogger(r.logger(spec.Vendor))), nil
	case RoleCA:
		return env.CA, nil
	case RoleCDN:
		return env.CDN, nil
	case RolePlatform:
		return env.Platform, nil
	}
	return nil, unsupportedRole(spec.Vendor, role)
}

func awsFactory(ctx context.Context, r *Registry, role Role, spec config.ProviderSpec) (engine.Provider, error) {
	cfg, err := awsConfig(ctx, spec)
	if err != nil {
		return nil, err
	}
	log := r.logger(spec.Vendor)
	switch role {
	case RoleCA:
		return amazon.NewACM(cfg, log), nil
	case RoleCDN:
		return amazon.NewCloudFront(cfg, log), nil
	case RolePlatform:
		return amazon.NewAmplify(cfg, log), nil
	}
	return nil, unsupportedRole(spec.Vendor, role)
}

func awsConfig(ctx context.Context, spec config.ProviderSpec) (awssdk.Config, error) {
	return amazon.LoadConfig(ctx, amazon.Config{
		Region:          spec.Region,
		AccessKeyID:     spec.Credentials.AccessKeyID,
		SecretAccessKey: spec.Credentials.AccessKeySecret,
		SessionToken:    spec.Credentials.SessionToken,
		Endpoint:        spec.Endpoint,
	})
}

func aliyunFactory(ctx context.Context, r *Registry, role Role, spec config.ProviderSpec) (engine.Provider, error) {
	minTTL, err := spec.IntOption(config.OptionMinTTL)
	if err != nil {
		return nil, err
	}
	cfg := aliyun.Config{
		AccessKeyID:     spec.Credentials.AccessKeyID,
		AccessKeySecret: spec.Credentials.AccessKeySecret,
		SecurityToken:   spec.Credentials.SessionToken,
		Region:          spec.Region,
		Endpoint:        spec.Endpoint,
		MinTTL:          minTTL,
		ProductCode:     spec.Option(config.OptionProductCode),
	}
	log := r.logger(spec.Vendor)

	switch role {
	case RoleDNS:
		client, err := aliyun.NewDNSClient(cfg, log)
		if err != nil {
			return nil, err
		}
		return dnsrecords.New("aliyun-dns", client, dnsrecords.WithLogger(log)), nil
	case RoleCA:
		return aliyun.NewCertificateAuthority(cfg, log)
	}
	return nil, unsupportedRole(spec.Vendor, role)
}

func tencentFactory(ctx context.Context, r *Registry, role Role, spec config.ProviderSpec) (engine.Provider, error) {
	minTTL, err := spec.IntOption(config.OptionMinTTL)
	if err != nil {
		return nil, err
	}
	cfg := tencent.Config{
		SecretID:   spec.Credentials.AccessKeyID,
		SecretKey:  spec.Credentials.AccessKeySecret,
		Token:      spec.Credentials.SessionToken,
		Region:     spec.Region,
		Endpoint:   spec.Endpoint,
		RecordLine: spec.Option(config.OptionRecordLine),
		MinTTL:     minTTL,
	}
	log := r.logger(spec.Vendor)

	switch role {
	case RoleDNS:
		client, err := tencent.NewDNSClient(cfg, log)
		if err != nil {
			return nil, err
		}
		return dnsrecords.New("tencent-dns", client, dnsrecords.WithLogger(log)), nil
	case RoleCA:
		return tencent.NewCertificateAuthority(cfg, log)
	}
	return nil, unsupportedRole(spec.Vendor, role)
}

func huaweiFactory(ctx context.Context, r *Registry, role Role, spec config.ProviderSpec) (engine.Provider, error) {
	if role != RoleDNS {
		return nil, unsupportedRole(spec.Vendor, role)
	}
	minTTL, err := spec.IntOption(config.OptionMinTTL)
	if err != nil {
		return nil, err
	}
	log := r.logger(spec.Vendor)
	client, err := huawei.NewDNSClient(huawei.Config{
		AccessKey: spec.Credentials.AccessKeyID,
		SecretKey: spec.Credentials.AccessKeySecret,
		ProjectID: spec.Credentials.ProjectID,
		Region:    spec.Region,
		MinTTL:    minTTL,
	}, log)
	if err != nil {
		return nil, err
	}
	return dnsrecords.New("huawei-dns", client, dnsrecords.WithLogger(log)), nil
}
