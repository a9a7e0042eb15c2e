package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sitebind/sitebind/pkg/engine"
)

// Metrics provides Prometheus metrics for the reconciliation loop.
// It implements engine.Recorder.
type Metrics struct {
	config MetricsConfig

	// Tick metrics
	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram

	// Operation metrics
	operations *prometheus.CounterVec

	// Provider metrics
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Status metrics
	transitions *prometheus.CounterVec
	blocked     *prometheus.CounterVec
	bindings    *prometheus.GaugeVec

	registry *prometheus.Registry
}

var _ engine.Recorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// no-op instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticks_total",
				Help:      "Total number of reconciliation ticks by result",
			},
			[]string{"result"},
		),
		tickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tick_duration_seconds",
				Help:      "Duration of reconciliation ticks in seconds",
				Buckets:   buckets,
			},
		),

		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of applied operations by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "call"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider errors by class",
			},
			[]string{"provider", "call", "class"},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_transitions_total",
				Help:      "Total number of binding status transitions",
			},
			[]string{"from", "to"},
		),
		blocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocked_total",
				Help:      "Total number of bindings moved to BLOCKED by error code",
			},
			[]string{"code"},
		),
		bindings: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bindings",
				Help:      "Current number of bindings by status",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.ticks,
		m.tickDuration,
		m.operations,
		m.providerDuration,
		m.providerErrors,
		m.transitions,
		m.blocked,
		m.bindings,
	)

	return m, nil
}

// RecordTick records a finished tick.
func (m *Metrics) RecordTick(result string, duration time.Duration) {
	if m.ticks == nil {
		return
	}
	m.ticks.WithLabelValues(result).Inc()
	m.tickDuration.Observe(duration.Seconds())
}

// RecordOperation records the outcome of an applied operation.
func (m *Metrics) RecordOperation(kind, outcome string) {
	if m.operations == nil {
		return
	}
	m.operations.WithLabelValues(kind, outcome).Inc()
}

// RecordProviderCall records a provider call and, on failure, its error class.
func (m *Metrics) RecordProviderCall(provider, call string, duration time.Duration, err error) {
	if m.providerDuration == nil {
		return
	}
	m.providerDuration.WithLabelValues(provider, call).Observe(duration.Seconds())
	if err != nil {
		m.providerErrors.WithLabelValues(provider, call, string(engine.AsEngineError(err).Class)).Inc()
	}
}

// RecordTransition records a status transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordBlocked records a binding moving to BLOCKED.
func (m *Metrics) RecordBlocked(code string) {
	if m.blocked == nil {
		return
	}
	m.blocked.WithLabelValues(code).Inc()
}

// SetBindingCounts sets the per-status gauge. Statuses missing from counts are reported as zero.
func (m *Metrics) SetBindingCounts(counts map[engine.ConvergenceStatus]int) {
	if m.bindings == nil {
		return
	}
	for _, status := range engine.AllStatuses {
		m.bindings.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// Registry returns the private registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// HealthFunc reports whether the daemon is healthy.
type HealthFunc func(ctx context.Context) error

// NewServer returns an HTTP server exposing metrics and a health endpoint.
func (m *Metrics) NewServer(health HealthFunc) *http.Server {
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	return &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Serve runs the metrics server until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, health HealthFunc) error {
	if !m.config.Enabled {
		return nil
	}

	server := m.NewServer(health)
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
