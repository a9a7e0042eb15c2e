// Package telemetry provides logging, metrics, tracing, and event publishing
// for the convergence daemon and the bindctl CLI.
//
// Logging is built on zerolog with console and JSON output, component loggers,
// and binding-scoped fields:
//
//	log := tel.Logger.NewComponentLogger("scheduler").WithBindingID("dev.example.com")
//	log.Info("binding ticked")
//
// Metrics implements engine.Recorder on a private Prometheus registry. The
// daemon serves it on /metrics together with /healthz:
//
//	opts.Recorder = tel.Metrics
//	go tel.Metrics.Serve(ctx, reporter.Healthy)
//
// Tracing installs an OpenTelemetry provider as the global provider, so the
// reconciler's per-tick and per-provider-call spans are exported through the
// configured otlp or stdout exporter.
//
// EventPublisher implements engine.Notifier. Persisted binding events are
// published to subscribers such as the webhook notifier:
//
//	opts.Notifier = tel.Events
//	tel.Events.Subscribe(webhook.Deliver, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
