package telemetry

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the telemetry section of the daemon configuration.
type Config struct {
	ServiceName    string `yaml:"service_name" validate:"required"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Events  EventsConfig  `yaml:"events"`
}

// LoggingConfig selects the zerolog level, encoding and destination.
// Output is "stderr", "stdout" or a file path opened for appending.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
	Output string `yaml:"output"`

	EnableCaller bool `yaml:"enable_caller"`

	// With sampling on, SamplingInitial messages pass each second and then
	// one in SamplingThereafter.
	EnableSampling     bool `yaml:"enable_sampling"`
	SamplingInitial    int  `yaml:"sampling_initial" validate:"gte=0"`
	SamplingThereafter int  `yaml:"sampling_thereafter" validate:"gte=0"`
}

// TracingConfig configures span export. Exporter is otlp, stdout or none.
type TracingConfig struct {
	Enabled            bool              `yaml:"enabled"`
	Exporter           string            `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint           string            `yaml:"endpoint" validate:"required_if=Enabled true Exporter otlp"`
	SamplingRate       float64           `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	MaxExportBatchSize int               `yaml:"max_export_batch_size" validate:"gte=0"`
	ExportTimeout      time.Duration     `yaml:"export_timeout"`
	Headers            map[string]string `yaml:"headers"`
	Insecure           bool              `yaml:"insecure"`
}

// MetricsConfig configures the Prometheus registry and its HTTP listener,
// which also serves /healthz.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address" validate:"required_if=Enabled true"`
	Path          string `yaml:"path"`
	Namespace     string `yaml:"namespace"`

	// DefaultHistogramBuckets are latency buckets in seconds.
	DefaultHistogramBuckets []float64 `yaml:"histogram_buckets"`
}

// EventsConfig configures binding event fan-out.
type EventsConfig struct {
	Enabled     bool `yaml:"enabled"`
	BufferSize  int  `yaml:"buffer_size" validate:"required_if=Enabled true EnableAsync true,gte=0"`
	EnableAsync bool `yaml:"async"`
}

// DefaultConfig returns console logging at info, tracing off, metrics on
// :9464 and asynchronous events.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "sitebind",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			ListenAddress:           ":9464",
			Path:                    "/metrics",
			Namespace:               "sitebind",
			DefaultHistogramBuckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 12, 30},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
		},
	}
}

// Validate checks the struct tags of every section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}
