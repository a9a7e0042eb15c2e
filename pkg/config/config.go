package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/sitebind/sitebind/pkg/engine"
	"github.com/sitebind/sitebind/pkg/stores"
	"github.com/sitebind/sitebind/pkg/telemetry"
)

// DefaultPath is the configuration file used when none is given.
const DefaultPath = "sitebind.yaml"

// vendors allowed per resource kind.
var roleVendors = map[string][]string{
	"dns":      {VendorMemory, VendorAliyun, VendorTencent, VendorHuawei},
	"ca":       {VendorMemory, VendorAWS, VendorAliyun, VendorTencent},
	"cdn":      {VendorMemory, VendorAWS},
	"platform": {VendorMemory, VendorAWS},
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Default returns a configuration with every default applied and the
// in-memory adapters selected.
func Default() *Config {
	cfg := &Config{
		Database: DatabaseConfig{Path: "sitebind.db"},
		Providers: ProvidersConfig{
			DNS:      ProviderSpec{Vendor: VendorMemory},
			CA:       ProviderSpec{Vendor: VendorMemory},
			CDN:      &ProviderSpec{Vendor: VendorMemory},
			Platform: &ProviderSpec{Vendor: VendorMemory},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads, expands and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if !filepath.IsAbs(cfg.Database.Path) && cfg.Database.Path != ":memory:" {
		cfg.Database.Path = filepath.Join(filepath.Dir(path), cfg.Database.Path)
	}
	return cfg, nil
}

// Parse decodes a YAML configuration, applies defaults, expands ${NAME}
// references in credentials and webhook headers, and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Config{Telemetry: telemetry.DefaultConfig()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	cfg.expandEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	def := engine.DefaultOptions()

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 8
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 4
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = 5 * time.Second
	}

	r := &c.Reconcile
	if r.TickInterval == 0 {
		r.TickInterval = def.TickInterval
	}
	if r.Workers == 0 {
		r.Workers = 8
	}
	if r.ProviderTimeout == 0 {
		r.ProviderTimeout = def.ProviderTimeout
	}
	if r.BackoffBase == 0 {
		r.BackoffBase = def.Backoff.Base
	}
	if r.BackoffFactor == 0 {
		r.BackoffFactor = def.Backoff.Factor
	}
	if r.BackoffCap == 0 {
		r.BackoffCap = def.Backoff.Cap
	}
	if r.BackoffJitter == 0 {
		r.BackoffJitter = def.Backoff.Jitter
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = def.Backoff.MaxAttempts
	}
	if r.ConvergenceTimeout == 0 {
		r.ConvergenceTimeout = def.ConvergenceTimeout
	}
	if r.ResyncInterval == 0 {
		r.ResyncInterval = def.ResyncInterval
	}
	if r.MaxPassesPerTick == 0 {
		r.MaxPassesPerTick = def.MaxPassesPerTick
	}
	if r.ReadConcurrency == 0 {
		r.ReadConcurrency = def.ReadConcurrency
	}

	if c.Telemetry == nil {
		c.Telemetry = telemetry.DefaultConfig()
	}
}

func (c *Config) expandEnv(getenv func(string) string) {
	expand := func(s string) string {
		return envRef.ReplaceAllStringFunc(s, func(ref string) string {
			return getenv(envRef.FindStringSubmatch(ref)[1])
		})
	}
	for _, spec := range c.Providers.specs() {
		spec.Credentials.AccessKeyID = expand(spec.Credentials.AccessKeyID)
		spec.Credentials.AccessKeySecret = expand(spec.Credentials.AccessKeySecret)
		spec.Credentials.SessionToken = expand(spec.Credentials.SessionToken)
		spec.Credentials.ProjectID = expand(spec.Credentials.ProjectID)
	}
	for i := range c.Notifications.Webhooks {
		wh := &c.Notifications.Webhooks[i]
		wh.URL = expand(wh.URL)
		for k, v := range wh.Headers {
			wh.Headers[k] = expand(v)
		}
	}
}

// specs returns the configured provider specs keyed by role.
func (p *ProvidersConfig) specs() map[string]*ProviderSpec {
	out := map[string]*ProviderSpec{"dns": &p.DNS, "ca": &p.CA}
	if p.CDN != nil {
		out["cdn"] = p.CDN
	}
	if p.Platform != nil {
		out["platform"] = p.Platform
	}
	return out
}

// Validate checks struct tags, vendor support per role and telemetry settings.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for role, spec := range c.Providers.specs() {
		if !contains(roleVendors[role], spec.Vendor) {
			return fmt.Errorf("invalid config: vendor %q cannot serve the %s role", spec.Vendor, role)
		}
		if spec.Vendor != VendorMemory && spec.Vendor != VendorAWS && spec.Credentials.Empty() {
			return fmt.Errorf("invalid config: %s vendor %s needs credentials", role, spec.Vendor)
		}
		if _, err := spec.IntOption(OptionMinTTL); err != nil {
			return fmt.Errorf("invalid config: %s: %w", role, err)
		}
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("invalid telemetry config: %w", err)
		}
	}
	return nil
}

// Write encodes the configuration as YAML to path.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// Options converts the reconcile section into engine options. Clock, jitter
// source and logger keep their defaults.
func (r ReconcileConfig) Options() engine.Options {
	opts := engine.DefaultOptions()
	opts.Backoff = engine.BackoffPolicy{
		Base:        r.BackoffBase,
		Factor:      r.BackoffFactor,
		Cap:         r.BackoffCap,
		Jitter:      r.BackoffJitter,
		MaxAttempts: r.MaxAttempts,
	}
	if len(r.MaxAttemptsByKind) > 0 {
		opts.Backoff.KindMaxAttempts = make(map[engine.ResourceKind]int, len(r.MaxAttemptsByKind))
		for kind, n := range r.MaxAttemptsByKind {
			opts.Backoff.KindMaxAttempts[engine.ResourceKind(kind)] = n
		}
	}
	opts.TickInterval = r.TickInterval
	opts.ResyncInterval = r.ResyncInterval
	opts.ConvergenceTimeout = r.ConvergenceTimeout
	opts.ProviderTimeout = r.ProviderTimeout
	opts.MaxPassesPerTick = r.MaxPassesPerTick
	opts.ReadConcurrency = r.ReadConcurrency
	return opts
}

// StoreConfig converts the database section into store settings.
func (d DatabaseConfig) StoreConfig() stores.Config {
	return stores.Config{
		Path:            d.Path,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		BusyTimeout:     d.BusyTimeout,
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
