package telemetry

import (
	"context"
	"errors"
	"fmt"
)

// Telemetry holds the daemon's logger, tracer, metrics and event publisher.
type Telemetry struct {
	Config  *Config
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
}

// NewTelemetry validates cfg and builds every component. A nil cfg uses
// DefaultConfig.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Telemetry{Config: cfg}
	var err error
	if t.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	if t.Tracer, err = NewTracer(cfg); err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	if t.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	t.Events = NewEventPublisher(cfg.Events, t.Logger.Zerolog())
	return t, nil
}

// WithContext stores the logger in ctx so FromContext finds it.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(ctx)
}

// Shutdown drains queued events before flushing spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	eventsErr := t.Events.Shutdown(ctx)
	return errors.Join(eventsErr, t.Tracer.Shutdown(ctx))
}
