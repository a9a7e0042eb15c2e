package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sitebind/sitebind/pkg/engine"
	"github.com/sitebind/sitebind/pkg/notify"
	"github.com/sitebind/sitebind/pkg/telemetry"
)

const shutdownTimeout = 15 * time.Second

func newRunCommand() *cobra.Command {
	var (
		simulate bool
		once     bool
		workers  int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the convergence daemon",
		Long: `Run the scheduler that ticks every due binding until it converges.

The daemon also:
  - serves Prometheus metrics and /healthz on the telemetry listen address
  - reloads admission policies when policy.watch is set
  - posts binding events to the configured webhooks

With --simulate every resource kind is served by the in-memory adapters, so
bindings converge without touching any vendor API.`,
		Example: `  # Run against the configured vendors
  bindctl run

  # Run against the in-memory adapters
  bindctl run --simulate

  # Tick every due binding once and exit
  bindctl run --once`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			tel, err := telemetry.NewTelemetry(cfg.Telemetry)
			if err != nil {
				return fmt.Errorf("failed to set up telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Telemetry shutdown failed")
				}
			}()
			daemonLog := tel.Logger.NewComponentLogger("daemon")
			logger := tel.Logger.Zerolog()
			ctx = tel.WithContext(ctx)

			ctx, span := tel.Tracer.StartCommandSpan(ctx, "run", "")
			defer span.End()

			if _, err := notify.Attach(tel.Events, cfg.Notifications.Webhooks, logger); err != nil {
				return err
			}

			a, err := openApp(ctx, appOptions{
				engine:   true,
				simulate: simulate,
				cfg:      cfg,
				recorder: tel.Metrics,
				notifier: tel.Events,
				logger:   &logger,
			})
			if err != nil {
				return err
			}
			defer a.Close()

			if workers <= 0 {
				workers = cfg.Reconcile.Workers
			}
			scheduler := engine.NewScheduler(a.reconciler, a.store, workers, cfg.Reconcile.TickInterval)

			if once {
				n, err := scheduler.RunOnce(ctx)
				if err != nil {
					telemetry.RecordError(span, err)
					return err
				}
				fmt.Printf("✓ Ticked %d bindings\n", n)
				return nil
			}

			if a.policy != nil && cfg.Policy.Watch && len(cfg.Policy.Dirs) > 0 {
				if err := a.policy.Watch(ctx); err != nil {
					return fmt.Errorf("failed to watch policies: %w", err)
				}
			}

			daemonLog.WithTrace(ctx).WithFields(map[string]interface{}{
				"simulate":      simulate,
				"workers":       workers,
				"tick_interval": cfg.Reconcile.TickInterval.String(),
				"metrics":       cfg.Telemetry.Metrics.ListenAddress,
				"webhooks":      len(cfg.Notifications.Webhooks),
			}).Info("Convergence daemon started")

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return scheduler.Run(gctx)
			})
			g.Go(func() error {
				return tel.Metrics.Serve(gctx, a.reporter.Healthy)
			})
			g.Go(func() error {
				refreshBindingGauge(gctx, a, tel.Metrics, cfg.Reconcile.TickInterval)
				return nil
			})

			err = g.Wait()
			if err != nil {
				telemetry.RecordError(span, err)
				daemonLog.WithError(err).Error("Convergence daemon stopped")
				return err
			}
			daemonLog.Info("Convergence daemon stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&simulate, "simulate", false, "use the in-memory adapters instead of the configured vendors")
	cmd.Flags().BoolVar(&once, "once", false, "tick every due binding once and exit")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "concurrent ticks (default reconcile.workers)")

	return cmd
}

// refreshBindingGauge keeps the per-status gauge current until ctx ends.
func refreshBindingGauge(ctx context.Context, a *app, metrics *telemetry.Metrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		counts, err := a.store.CountByStatus(ctx)
		if err == nil {
			metrics.SetBindingCounts(counts)
		} else if ctx.Err() == nil {
			a.log.Warn().Err(err).Msg("Failed to count bindings")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
