package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sitebind/sitebind/pkg/engine"
)

// Event is a binding event as delivered to subscribers.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      string            `json:"type"`
	Source    string            `json:"source"`
	BindingID string            `json:"binding_id"`
	Status    string            `json:"status,omitempty"`
	Operation string            `json:"operation,omitempty"`
	Message   string            `json:"message"`
	Level     string            `json:"level"`
	Data      map[string]string `json:"data,omitempty"`
}

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

type (
	EventSubscriber func(Event)
	EventFilter     func(Event) bool
)

var (
	errPublisherStopped = errors.New("event publisher stopped")
	errQueueFull        = errors.New("event queue full, event dropped")
)

// EventPublisher fans binding events out to subscribers, either inline or
// through a bounded queue drained by one goroutine. It is the reconciler's
// engine.Notifier in the daemon.
type EventPublisher struct {
	cfg EventsConfig
	log zerolog.Logger

	mu      sync.RWMutex
	subs    []subscription
	filters []EventFilter
	stopped bool

	queue    chan Event
	drained  chan struct{}
	stopOnce sync.Once
}

var _ engine.Notifier = (*EventPublisher)(nil)

type subscription struct {
	deliver EventSubscriber
	accept  EventFilter
}

// NewEventPublisher starts the delivery goroutine when cfg asks for async
// delivery.
func NewEventPublisher(cfg EventsConfig, log zerolog.Logger) *EventPublisher {
	ep := &EventPublisher{
		cfg: cfg,
		log: log.With().Str("component", "events").Logger(),
	}
	if cfg.Enabled && cfg.EnableAsync {
		size := cfg.BufferSize
		if size <= 0 {
			size = 1
		}
		ep.queue = make(chan Event, size)
		ep.drained = make(chan struct{})
		go ep.run()
	}
	return ep
}

// Notify publishes a persisted binding event.
func (ep *EventPublisher) Notify(_ context.Context, ev *engine.BindingEvent) {
	err := ep.Publish(Event{
		ID:        ev.ID,
		Timestamp: ev.Timestamp,
		Type:      ev.Type,
		Source:    "reconciler",
		BindingID: ev.BindingID,
		Status:    string(ev.Status),
		Operation: string(ev.Operation),
		Message:   ev.Message,
		Data:      ev.Data,
	})
	if err != nil {
		ep.log.Warn().Err(err).
			Str("binding_id", ev.BindingID).
			Str("event", ev.Type).
			Msg("Event not published")
	}
}

// Publish fills in ID, timestamp and level, applies the global filters and
// delivers the event. A disabled publisher accepts and drops everything.
func (ep *EventPublisher) Publish(ev Event) error {
	if !ep.cfg.Enabled {
		return nil
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Level == "" {
		ev.Level = LevelOf(ev.Type)
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.stopped {
		return errPublisherStopped
	}
	for _, keep := range ep.filters {
		if !keep(ev) {
			return nil
		}
	}

	if ep.queue == nil {
		ep.fanout(ep.subs, ev)
		return nil
	}
	select {
	case ep.queue <- ev:
		return nil
	default:
		return errQueueFull
	}
}

// Subscribe registers fn for events accepted by filter; nil accepts all.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{deliver: fn, accept: filter})
	ep.mu.Unlock()
}

// AddFilter registers a filter every published event must pass.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	ep.filters = append(ep.filters, filter)
	ep.mu.Unlock()
}

func (ep *EventPublisher) run() {
	defer close(ep.drained)
	for ev := range ep.queue {
		ep.mu.RLock()
		subs := ep.subs
		ep.mu.RUnlock()
		ep.fanout(subs, ev)
	}
}

func (ep *EventPublisher) fanout(subs []subscription, ev Event) {
	for _, s := range subs {
		if s.accept == nil || s.accept(ev) {
			s.deliver(ev)
		}
	}
}

// Shutdown rejects further events and waits for queued ones to be delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.stopOnce.Do(func() {
		ep.mu.Lock()
		ep.stopped = true
		if ep.queue != nil {
			close(ep.queue)
		}
		ep.mu.Unlock()
	})
	if ep.drained == nil {
		return nil
	}
	select {
	case <-ep.drained:
		return nil
	case <-ctx.Done():
		return errors.New("event publisher shutdown timed out")
	}
}

// LevelOf maps an event type to its severity.
func LevelOf(eventType string) string {
	switch eventType {
	case engine.EventBlocked, engine.EventFailed:
		return EventLevelError
	case engine.EventOperationConflict, engine.EventOperationRetry, engine.EventDriftDetected,
		engine.EventScopeMismatch, engine.EventRecreateRequested:
		return EventLevelWarning
	}
	return EventLevelInfo
}

func levelRank(level string) int {
	switch level {
	case EventLevelError:
		return 2
	case EventLevelWarning:
		return 1
	}
	return 0
}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank(minLevel)
	return func(ev Event) bool { return levelRank(ev.Level) >= floor }
}

// FilterByType accepts the listed types, or everything when none are listed.
func FilterByType(types ...string) EventFilter {
	if len(types) == 0 {
		return func(Event) bool { return true }
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(ev Event) bool {
		_, ok := set[ev.Type]
		return ok
	}
}

// FilterByBindingID accepts the events of one binding.
func FilterByBindingID(id string) EventFilter {
	return func(ev Event) bool { return ev.BindingID == id }
}
