package telemetry_test

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/sitebind/sitebind/pkg/engine"
	"github.com/sitebind/sitebind/pkg/telemetry"
)

// Example_eventSubscription shows binding events reaching a filtered subscriber.
func Example_eventSubscription() {
	events := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true}, zerolog.Nop())
	defer events.Shutdown(context.Background())

	events.Subscribe(func(e telemetry.Event) {
		fmt.Printf("%s %s %s\n", e.Level, e.Type, e.BindingID)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	var notifier engine.Notifier = events
	notifier.Notify(context.Background(), &engine.BindingEvent{BindingID: "dev.example.com", Type: engine.EventAvailable})
	notifier.Notify(context.Background(), &engine.BindingEvent{BindingID: "dev.example.com", Type: engine.EventDriftDetected})
	notifier.Notify(context.Background(), &engine.BindingEvent{BindingID: "shop.example.com", Type: engine.EventBlocked})

	// Output:
	// warning drift.detected dev.example.com
	// error binding.blocked shop.example.com
}

// Example_structuredLogging demonstrates binding-scoped JSON logging.
func Example_structuredLogging() {
	log := telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{Level: "info", Format: "json"}, os.Stdout)

	log.NewComponentLogger("reconciler").
		WithBindingID("dev.example.com").
		Debug("not printed at info level")

	fmt.Println(telemetry.ParseLevel("warn"))
	// Output: warn
}
