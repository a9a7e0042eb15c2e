// Package notify delivers binding events to external receivers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/sitebind/sitebind/pkg/telemetry"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultRetryBackoff = time.Second
	maxRetryInterval    = time.Minute
)

// WebhookConfig configures one webhook receiver.
type WebhookConfig struct {
	// Name identifies the receiver in logs.
	Name string `yaml:"name" validate:"required"`

	// URL receives a POST per event.
	URL string `yaml:"url" validate:"required,url"`

	// Headers are added to every request. Values may reference
	// environment variables as ${NAME}.
	Headers map[string]string `yaml:"headers,omitempty"`

	// Events restricts delivery to these event types. Empty means all.
	Events []string `yaml:"events,omitempty"`

	// MinLevel drops events below this level (info, warning, error).
	MinLevel string `yaml:"min_level,omitempty" validate:"omitempty,oneof=info warning error"`

	// BodyTemplate is a text/template rendering the request body from a
	// Payload. The default body is the Payload as JSON.
	BodyTemplate string `yaml:"body_template,omitempty"`

	// Timeout bounds a single request.
	Timeout time.Duration `yaml:"timeout,omitempty" validate:"omitempty,min=100ms,max=5m"`

	// Retries is the number of additional attempts after a failed request.
	Retries int `yaml:"retries,omitempty" validate:"min=0,max=10"`

	// RetryBackoff is the delay before the first retry. It doubles per retry.
	RetryBackoff time.Duration `yaml:"retry_backoff,omitempty"`
}

// Payload is the body sent to a webhook and the data of a body template.
type Payload struct {
	ID        string            `json:"id"`
	Event     string            `json:"event"`
	BindingID string            `json:"binding_id"`
	Status    string            `json:"status,omitempty"`
	Operation string            `json:"operation,omitempty"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Timestamp string            `json:"timestamp"`
	Data      map[string]string `json:"data,omitempty"`
}

// WebhookNotifier posts binding events to one URL.
type WebhookNotifier struct {
	config WebhookConfig
	client *http.Client
	tmpl   *template.Template
	log    zerolog.Logger
}

// NewWebhookNotifier creates a notifier. The body template is parsed up front.
func NewWebhookNotifier(cfg WebhookConfig, log zerolog.Logger) (*WebhookNotifier, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook %q has no url", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}

	w := &WebhookNotifier{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.With().Str("component", "webhook").Str("webhook", cfg.Name).Logger(),
	}

	if cfg.BodyTemplate != "" {
		tmpl, err := template.New(cfg.Name).Funcs(template.FuncMap{
			"toJson": func(v interface{}) string {
				b, err := json.Marshal(v)
				if err != nil {
					return "null"
				}
				return string(b)
			},
		}).Parse(cfg.BodyTemplate)
		if err != nil {
			return nil, fmt.Errorf("webhook %q: invalid body template: %w", cfg.Name, err)
		}
		w.tmpl = tmpl
	}

	return w, nil
}

// Filter selects the events this webhook receives.
func (w *WebhookNotifier) Filter() telemetry.EventFilter {
	byType := telemetry.FilterByType(w.config.Events...)
	byLevel := telemetry.FilterByLevel(w.config.MinLevel)
	return func(e telemetry.Event) bool {
		return byType(e) && byLevel(e)
	}
}

// Deliver is a telemetry.EventSubscriber. Failures are logged.
func (w *WebhookNotifier) Deliver(event telemetry.Event) {
	if err := w.Send(context.Background(), event); err != nil {
		w.log.Error().Err(err).
			Str("binding_id", event.BindingID).
			Str("event", event.Type).
			Msg("Webhook delivery failed")
	}
}

// Send posts one event, retrying network errors, 429 and 5xx responses with
// exponential backoff.
func (w *WebhookNotifier) Send(ctx context.Context, event telemetry.Event) error {
	body, err := w.render(payloadOf(event))
	if err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.config.RetryBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxRetryInterval

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, w.post(ctx, body)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(w.config.Retries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.log.Debug().Err(err).Dur("backoff", next).Msg("Retrying webhook")
		}),
	)
	if err != nil {
		return err
	}
	w.log.Debug().Str("binding_id", event.BindingID).Str("event", event.Type).Msg("Webhook delivered")
	return nil
}

// post sends body once. Rejections that a retry cannot fix are permanent.
func (w *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sitebind-webhook")
	for key, value := range w.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("webhook rejected the event with status %d", resp.StatusCode))
	}
}

func (w *WebhookNotifier) render(p Payload) ([]byte, error) {
	if w.tmpl == nil {
		return json.Marshal(p)
	}
	var buf bytes.Buffer
	if err := w.tmpl.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("failed to render body template: %w", err)
	}
	return buf.Bytes(), nil
}

func payloadOf(e telemetry.Event) Payload {
	return Payload{
		ID:        e.ID,
		Event:     e.Type,
		BindingID: e.BindingID,
		Status:    e.Status,
		Operation: e.Operation,
		Level:     e.Level,
		Message:   e.Message,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		Data:      e.Data,
	}
}

// Attach creates a notifier per config and subscribes it to the publisher.
func Attach(events *telemetry.EventPublisher, configs []WebhookConfig, log zerolog.Logger) ([]*WebhookNotifier, error) {
	notifiers := make([]*WebhookNotifier, 0, len(configs))
	for _, cfg := range configs {
		w, err := NewWebhookNotifier(cfg, log)
		if err != nil {
			return nil, err
		}
		events.Subscribe(w.Deliver, w.Filter())
		notifiers = append(notifiers, w)
	}
	return notifiers, nil
}
