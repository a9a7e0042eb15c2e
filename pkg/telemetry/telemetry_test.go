package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/sitebind/sitebind/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected default config to be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty service", func(c *Config) { c.ServiceName = "" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }},
		{"sampling out of range", func(c *Config) { c.Tracing.SamplingRate = 2 }},
		{"metrics without address", func(c *Config) { c.Metrics.ListenAddress = "" }},
		{"zero async buffer", func(c *Config) { c.Events.BufferSize = 0 }},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected a validation error", tt.name)
		}
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	log.NewComponentLogger("reconciler").
		WithBindingID("dev.example.com").
		WithOperation("AddRootCAA", "dns/example.com/CAA").
		Info("Operation applied")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected a JSON line, got %q: %v", buf.String(), err)
	}
	for key, want := range map[string]string{
		"component":  "reconciler",
		"binding_id": "dev.example.com",
		"operation":  "AddRootCAA",
		"message":    "Operation applied",
	} {
		if entry[key] != want {
			t.Errorf("expected %s=%q, got %v", key, want, entry[key])
		}
	}

	buf.Reset()
	quiet := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)
	quiet.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered at warn level, got %q", buf.String())
	}
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWithWriter(LoggingConfig{Format: "json"}, &buf)

	ctx := log.WithContext(context.Background())
	FromContext(ctx).Info("from context")
	if !strings.Contains(buf.String(), "from context") {
		t.Error("expected the context logger to be used")
	}

	// a bare context yields a disabled logger
	FromContext(context.Background()).Info("nowhere")
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != zerolog.DebugLevel || ParseLevel("bogus") != zerolog.InfoLevel {
		t.Error("unexpected level mapping")
	}
}

func TestMetricsRecorder(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordTick(engine.TickResultConverged, 20*time.Millisecond)
	m.RecordTick(engine.TickResultConverged, 10*time.Millisecond)
	m.RecordOperation("AddRootCAA", "applied")
	m.RecordProviderCall("memory-cdn", "apply", time.Millisecond, engine.NewBusyError("in progress", nil))
	m.RecordProviderCall("memory-cdn", "read", time.Millisecond, nil)
	m.RecordTransition("PENDING_DNS_VALIDATION", "AVAILABLE")
	m.RecordBlocked(engine.ErrCodeQuotaExceeded)
	m.SetBindingCounts(map[engine.ConvergenceStatus]int{engine.StatusAvailable: 3})

	if got := testutil.ToFloat64(m.ticks.WithLabelValues(engine.TickResultConverged)); got != 2 {
		t.Errorf("expected 2 converged ticks, got %v", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("AddRootCAA", "applied")); got != 1 {
		t.Errorf("expected 1 operation, got %v", got)
	}
	if got := testutil.ToFloat64(m.providerErrors.WithLabelValues("memory-cdn", "apply", "busy")); got != 1 {
		t.Errorf("expected 1 busy provider error, got %v", got)
	}
	if got := testutil.ToFloat64(m.bindings.WithLabelValues(string(engine.StatusAvailable))); got != 3 {
		t.Errorf("expected 3 available bindings, got %v", got)
	}
	if got := testutil.ToFloat64(m.bindings.WithLabelValues(string(engine.StatusBlocked))); got != 0 {
		t.Errorf("expected blocked gauge to be zero, got %v", got)
	}
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RecordTick("converged", time.Second)
	m.RecordProviderCall("p", "read", time.Second, errors.New("x"))
	m.SetBindingCounts(nil)
	if m.Registry() != nil {
		t.Error("expected no registry when disabled")
	}
	if err := m.Serve(context.Background(), nil); err != nil {
		t.Errorf("expected Serve to be a no-op, got %v", err)
	}
}

func TestMetricsServer(t *testing.T) {
	m, _ := NewMetrics(DefaultConfig().Metrics)
	m.RecordBlocked("POLICY_DENIED")

	healthy := true
	srv := httptest.NewServer(m.NewServer(func(context.Context) error {
		if !healthy {
			return errors.New("1 binding failed")
		}
		return nil
	}).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	resp.Body.Close()
	if !strings.Contains(body.String(), "sitebind_blocked_total") {
		t.Errorf("expected sitebind_blocked_total in the exposition")
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	healthy = false
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestEventPublisherNotify(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true}, zerolog.Nop())
	defer ep.Shutdown(context.Background())

	var all, errorsOnly collector
	ep.Subscribe(all.add, nil)
	ep.Subscribe(errorsOnly.add, FilterByLevel(EventLevelError))

	ep.Notify(context.Background(), &engine.BindingEvent{
		ID:        "ev-1",
		BindingID: "dev.example.com",
		Type:      engine.EventOperationApplied,
		Status:    engine.StatusPendingDNSValidation,
		Operation: engine.OpAddRootCAA,
		Message:   "applied",
	})
	ep.Notify(context.Background(), &engine.BindingEvent{
		BindingID: "dev.example.com",
		Type:      engine.EventBlocked,
		Status:    engine.StatusBlocked,
		Message:   "quota",
	})

	if all.len() != 2 {
		t.Fatalf("expected 2 events, got %d", all.len())
	}
	first := all.events[0]
	if first.ID != "ev-1" || first.Operation != "AddRootCAA" || first.Source != "reconciler" || first.Level != EventLevelInfo {
		t.Errorf("unexpected conversion: %+v", first)
	}
	if all.events[1].ID == "" {
		t.Error("expected an ID to be assigned")
	}
	if errorsOnly.len() != 1 || errorsOnly.events[0].Type != engine.EventBlocked {
		t.Errorf("expected only the blocked event to pass the level filter, got %d", errorsOnly.len())
	}
}

func TestEventPublisherGlobalFilter(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true}, zerolog.Nop())
	var got collector
	ep.Subscribe(got.add, FilterByType(engine.EventAvailable, engine.EventFailed))
	ep.AddFilter(FilterByBindingID("a.example.com"))

	_ = ep.Publish(Event{BindingID: "a.example.com", Type: engine.EventAvailable})
	_ = ep.Publish(Event{BindingID: "b.example.com", Type: engine.EventAvailable})
	_ = ep.Publish(Event{BindingID: "a.example.com", Type: engine.EventSubmitted})

	if got.len() != 1 {
		t.Errorf("expected 1 event, got %d", got.len())
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 16}, zerolog.Nop())
	var got collector
	ep.Subscribe(got.add, nil)

	for i := 0; i < 5; i++ {
		if err := ep.Publish(Event{BindingID: "dev.example.com", Type: engine.EventStatusChanged}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if got.len() != 5 {
		t.Errorf("expected 5 delivered events, got %d", got.len())
	}
	if err := ep.Publish(Event{Type: engine.EventSubmitted}); err == nil {
		t.Error("expected publishing after shutdown to fail")
	}
}

func TestEventPublisherDisabled(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{}, zerolog.Nop())
	var got collector
	ep.Subscribe(got.add, nil)
	ep.Notify(context.Background(), &engine.BindingEvent{Type: engine.EventBlocked})
	if got.len() != 0 {
		t.Error("expected a disabled publisher to drop events")
	}
	_ = ep.Shutdown(context.Background())
}

func TestLevelOf(t *testing.T) {
	tests := map[string]string{
		engine.EventFailed:        EventLevelError,
		engine.EventDriftDetected: EventLevelWarning,
		engine.EventAvailable:     EventLevelInfo,
	}
	for typ, want := range tests {
		if got := LevelOf(typ); got != want {
			t.Errorf("%s: expected %s, got %s", typ, want, got)
		}
	}
}

func TestTracerDisabled(t *testing.T) {
	tr, err := NewTracer(DefaultConfig())
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	ctx, span := tr.StartCommandSpan(context.Background(), "status", "dev.example.com")
	RecordError(span, errors.New("boom"))
	span.End()

	if id := TraceID(ctx); id != "" {
		t.Errorf("expected no trace id from the no-op provider, got %q", id)
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}

	var buf bytes.Buffer
	log := NewLoggerWithWriter(LoggingConfig{Format: "json"}, &buf)
	if log.WithTrace(ctx) != log {
		t.Error("expected WithTrace to return the same logger without a span")
	}
}

func TestTracerRejectsUnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "jaeger"
	if _, err := NewTracer(cfg); err == nil {
		t.Error("expected an unsupported exporter error")
	}
}
