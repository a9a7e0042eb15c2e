package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sitebind/sitebind/pkg/engine"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
database:
  path: /var/lib/sitebind/bindings.db
providers:
  dns: {vendor: memory}
  ca: {vendor: memory}
telemetry:
  logging:
    level: debug
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	r := cfg.Reconcile
	if r.TickInterval != 30*time.Second || r.Workers != 8 || r.ProviderTimeout != 12*time.Second {
		t.Errorf("unexpected tick defaults %+v", r)
	}
	if r.BackoffBase != 30*time.Second || r.BackoffCap != 20*time.Minute || r.MaxAttempts != 10 || r.BackoffJitter != 0.2 {
		t.Errorf("unexpected backoff defaults %+v", r)
	}
	if r.ConvergenceTimeout != 2*time.Hour || r.ResyncInterval != 10*time.Minute || r.MaxPassesPerTick != 4 {
		t.Errorf("unexpected timing defaults %+v", r)
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.ServiceName != "sitebind" {
		t.Errorf("expected telemetry defaults to be merged, got %+v", cfg.Telemetry.Logging)
	}
	if cfg.Providers.CDN != nil {
		t.Error("expected no CDN provider")
	}
}

func TestParseExpandsEnvironment(t *testing.T) {
	t.Setenv("ALIYUN_KEY", "key-id")
	t.Setenv("ALIYUN_SECRET", "s3cr$t")
	t.Setenv("HOOK_TOKEN", "abc")

	cfg, err := Parse([]byte(`
database: {path: bindings.db}
providers:
  dns:
    vendor: aliyun
    region: cn-hangzhou
    credentials:
      access_key_id: ${ALIYUN_KEY}
      access_key_secret: ${ALIYUN_SECRET}
  ca: {vendor: aws, region: us-east-1}
notifications:
  webhooks:
    - name: ops
      url: https://hooks.example.com/sitebind
      headers:
        Authorization: Bearer ${HOOK_TOKEN}
      retries: 3
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if c := cfg.Providers.DNS.Credentials; c.AccessKeyID != "key-id" || c.AccessKeySecret != "s3cr$t" {
		t.Errorf("expected expanded credentials, got %+v", c)
	}
	if h := cfg.Notifications.Webhooks[0].Headers["Authorization"]; h != "Bearer abc" {
		t.Errorf("expected expanded header, got %q", h)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing database", `providers: {dns: {vendor: memory}, ca: {vendor: memory}}`, "Path"},
		{"tick too fast", `
database: {path: a.db}
reconcile: {tick_interval: 5s}
providers: {dns: {vendor: memory}, ca: {vendor: memory}}`, "TickInterval"},
		{"provider timeout too long", `
database: {path: a.db}
reconcile: {provider_timeout: 2m}
providers: {dns: {vendor: memory}, ca: {vendor: memory}}`, "ProviderTimeout"},
		{"unknown vendor", `
database: {path: a.db}
providers: {dns: {vendor: gandi}, ca: {vendor: memory}}`, "Vendor"},
		{"vendor cannot serve role", `
database: {path: a.db}
providers: {dns: {vendor: memory}, ca: {vendor: memory}, cdn: {vendor: aliyun}}`, "cdn role"},
		{"missing credentials", `
database: {path: a.db}
providers: {dns: {vendor: tencent}, ca: {vendor: memory}}`, "needs credentials"},
		{"bad min ttl", `
database: {path: a.db}
providers: {dns: {vendor: memory, options: {min_ttl: ten}}, ca: {vendor: memory}}`, "min_ttl"},
		{"webhook without url", `
database: {path: a.db}
providers: {dns: {vendor: memory}, ca: {vendor: memory}}
notifications: {webhooks: [{name: ops}]}`, "URL"},
		{"unknown kind ceiling", `
database: {path: a.db}
reconcile: {max_attempts_by_kind: {edge: 3}}
providers: {dns: {vendor: memory}, ca: {vendor: memory}}`, "MaxAttemptsByKind"},
		{"zero kind ceiling", `
database: {path: a.db}
reconcile: {max_attempts_by_kind: {edge_alias: 0}}
providers: {dns: {vendor: memory}, ca: {vendor: memory}}`, "MaxAttemptsByKind"},
		{"bad telemetry", `
database: {path: a.db}
providers: {dns: {vendor: memory}, ca: {vendor: memory}}
telemetry: {logging: {format: xml}}`, "telemetry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestReconcileOptions(t *testing.T) {
	cfg := Default()
	cfg.Reconcile.BackoffBase = 10 * time.Second
	cfg.Reconcile.MaxAttempts = 3

	opts := cfg.Reconcile.Options()
	if opts.Backoff.Base != 10*time.Second || opts.Backoff.MaxAttempts != 3 || opts.Backoff.Cap != 20*time.Minute {
		t.Errorf("unexpected backoff %+v", opts.Backoff)
	}
	if opts.TickInterval != 30*time.Second || opts.ProviderTimeout != 12*time.Second || opts.Clock == nil {
		t.Errorf("unexpected options %+v", opts)
	}

	cfg.Reconcile.MaxAttemptsByKind = map[string]int{"edge_alias": 25}
	opts = cfg.Reconcile.Options()
	if opts.Backoff.MaxAttemptsFor(engine.KindEdgeAlias) != 25 || opts.Backoff.MaxAttemptsFor(engine.KindDNSRecord) != 3 {
		t.Errorf("unexpected per-kind ceilings %+v", opts.Backoff.KindMaxAttempts)
	}

	sc := cfg.Database.StoreConfig()
	if sc.Path != "sitebind.db" || sc.BusyTimeout != 5*time.Second {
		t.Errorf("unexpected store config %+v", sc)
	}
}

func TestWriteAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultPath)

	cfg := Default()
	cfg.Reconcile.TickInterval = 45 * time.Second
	if err := cfg.Write(path); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Reconcile.TickInterval != 45*time.Second {
		t.Errorf("expected tick interval to survive, got %v", loaded.Reconcile.TickInterval)
	}
	if loaded.Database.Path != filepath.Join(dir, "sitebind.db") {
		t.Errorf("expected the database path to be resolved next to the config, got %s", loaded.Database.Path)
	}
	if loaded.Providers.Platform == nil || loaded.Providers.Platform.Vendor != VendorMemory {
		t.Errorf("expected the memory platform adapter, got %+v", loaded.Providers.Platform)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}
