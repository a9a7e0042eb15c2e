package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sitebind/sitebind/pkg/notify"
	"github.com/sitebind/sitebind/pkg/telemetry"
)

// Vendor names accepted in provider specs.
const (
	VendorMemory  = "memory"
	VendorAWS     = "aws"
	VendorAliyun  = "aliyun"
	VendorTencent = "tencent"
	VendorHuawei  = "huawei"
)

// Config is the engine configuration document.
type Config struct {
	// Database configures the binding state store.
	Database DatabaseConfig `yaml:"database"`

	// Reconcile configures the reconciliation loop and the scheduler.
	Reconcile ReconcileConfig `yaml:"reconcile"`

	// Providers selects the vendor adapter of every resource kind.
	Providers ProvidersConfig `yaml:"providers"`

	// Policy configures admission policies.
	Policy PolicyConfig `yaml:"policy"`

	// Notifications configures outbound event delivery.
	Notifications NotificationsConfig `yaml:"notifications"`

	// Telemetry configures logging, metrics, tracing and events.
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty" validate:"-"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns,omitempty" validate:"omitempty,min=1,max=64"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty" validate:"omitempty,min=0,max=64"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
	BusyTimeout     time.Duration `yaml:"busy_timeout,omitempty" validate:"omitempty,max=1m"`
}

// ReconcileConfig configures ticking, retries and timeouts.
type ReconcileConfig struct {
	TickInterval       time.Duration `yaml:"tick_interval" validate:"min=15s,max=60s"`
	Workers            int           `yaml:"workers" validate:"min=1,max=256"`
	ProviderTimeout    time.Duration `yaml:"provider_timeout" validate:"min=1s,max=60s"`
	BackoffBase        time.Duration `yaml:"backoff_base" validate:"min=1s"`
	BackoffFactor      float64       `yaml:"backoff_factor" validate:"gte=1"`
	BackoffCap         time.Duration `yaml:"backoff_cap" validate:"gtefield=BackoffBase"`
	BackoffJitter      float64       `yaml:"backoff_jitter" validate:"gte=0,lt=1"`
	MaxAttempts        int           `yaml:"max_attempts" validate:"min=1,max=100"`
	ConvergenceTimeout time.Duration `yaml:"convergence_timeout" validate:"min=1m"`
	ResyncInterval     time.Duration `yaml:"resync_interval" validate:"min=1m"`
	MaxPassesPerTick   int           `yaml:"max_passes_per_tick" validate:"min=1,max=16"`
	ReadConcurrency    int           `yaml:"read_concurrency" validate:"min=1,max=64"`

	// MaxAttemptsByKind overrides MaxAttempts per resource kind.
	MaxAttemptsByKind map[string]int `yaml:"max_attempts_by_kind,omitempty" validate:"omitempty,dive,keys,oneof=dns_record certificate edge_alias platform_binding,endkeys,min=1,max=100"`
}

// ProvidersConfig selects an adapter per resource kind. CDN and Platform are
// optional; bindings needing a missing kind are blocked by the engine.
type ProvidersConfig struct {
	DNS      ProviderSpec  `yaml:"dns"`
	CA       ProviderSpec  `yaml:"ca"`
	CDN      *ProviderSpec `yaml:"cdn,omitempty"`
	Platform *ProviderSpec `yaml:"platform,omitempty"`
}

// ProviderSpec configures one vendor adapter.
type ProviderSpec struct {
	// Vendor selects the adapter implementation.
	Vendor string `yaml:"vendor" validate:"required,oneof=memory aws aliyun tencent huawei"`

	// Region is the vendor region, e.g. "us-east-1" or "cn-hangzhou".
	Region string `yaml:"region,omitempty"`

	// Endpoint overrides the vendor API endpoint.
	Endpoint string `yaml:"endpoint,omitempty" validate:"omitempty,url|hostname"`

	// Credentials authenticate the adapter. Values may reference
	// environment variables as ${NAME}.
	Credentials Credentials `yaml:"credentials,omitempty"`

	// Options holds vendor-specific settings.
	Options map[string]string `yaml:"options,omitempty"`
}

// Vendor option keys.
const (
	// OptionMinTTL is the smallest record TTL a DNS vendor accepts.
	OptionMinTTL = "min_ttl"

	// OptionProductCode selects the Alibaba Cloud certificate product.
	OptionProductCode = "product_code"

	// OptionRecordLine selects the DNSPod resolution line.
	OptionRecordLine = "record_line"
)

// Option returns a vendor option, or "" when unset.
func (s ProviderSpec) Option(key string) string {
	return s.Options[key]
}

// IntOption returns a numeric vendor option, or 0 when unset.
func (s ProviderSpec) IntOption(key string) (int, error) {
	v, ok := s.Options[key]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("option %s must be a non-negative integer, got %q", key, v)
	}
	return n, nil
}

// Credentials holds vendor API credentials.
type Credentials struct {
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	AccessKeySecret string `yaml:"access_key_secret,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty"`
	ProjectID       string `yaml:"project_id,omitempty"`
}

// Empty reports whether no credential is set.
func (c Credentials) Empty() bool {
	return c.AccessKeyID == "" && c.AccessKeySecret == "" && c.SessionToken == ""
}

// PolicyConfig configures Rego admission policies.
type PolicyConfig struct {
	// Enabled turns admission on. Builtin policies are always loaded when enabled.
	Enabled bool `yaml:"enabled"`

	// Dirs are extra directories of .rego and .json policy files.
	Dirs []string `yaml:"dirs,omitempty"`

	// Watch reloads policies when files under Dirs change.
	Watch bool `yaml:"watch,omitempty"`

	// Disabled lists builtin policies to turn off.
	Disabled []string `yaml:"disabled,omitempty"`
}

// NotificationsConfig configures outbound event delivery.
type NotificationsConfig struct {
	Webhooks []notify.WebhookConfig `yaml:"webhooks,omitempty" validate:"dive"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path of the error (e.g., "bindings[0].aliases").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	switch {
	case loc != "" && e.Path != "":
		return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
	case loc != "":
		return fmt.Sprintf("%s: %s", loc, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// ValidationErrors is returned when a document fails validation.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 1 {
		return v[0].String()
	}
	lines := make([]string, 0, len(v))
	for _, e := range v {
		lines = append(lines, e.String())
	}
	return fmt.Sprintf("%d validation errors:\n  %s", len(v), strings.Join(lines, "\n  "))
}
