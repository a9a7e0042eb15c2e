package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/sitebind/sitebind/pkg/config"
	"github.com/sitebind/sitebind/pkg/engine"
	"github.com/sitebind/sitebind/pkg/policy"
	"github.com/sitebind/sitebind/pkg/providers"
	"github.com/sitebind/sitebind/pkg/stores"
)

// app holds the components a command works with.
type app struct {
	cfg        *config.Config
	store      *stores.SQLiteStore
	registry   *providers.Registry
	providers  *engine.ProviderSet
	policy     *policy.Engine
	reconciler *engine.Reconciler
	reporter   *engine.Reporter
	log        zerolog.Logger
}

// appOptions selects what openApp wires beyond the store.
type appOptions struct {
	// engine builds the provider adapters and the reconciler.
	engine bool

	// simulate replaces every configured vendor by the in-memory adapters.
	simulate bool

	// offline skips the adapters for commands that only touch the store.
	offline bool

	// cfg is used instead of loading the config file when set.
	cfg *config.Config

	recorder engine.Recorder
	notifier engine.Notifier
	logger   *zerolog.Logger
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w (run 'bindctl init' to create one)", err)
		}
		return nil, err
	}
	return cfg, nil
}

func openApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg := opts.cfg
	if cfg == nil {
		var err error
		if cfg, err = loadConfig(); err != nil {
			return nil, err
		}
	}

	logger := log.Logger
	if opts.logger != nil {
		logger = *opts.logger
	}

	store, err := stores.Open(ctx, cfg.Database.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a := &app{
		cfg:      cfg,
		store:    store,
		reporter: engine.NewReporter(store),
		log:      logger,
	}
	if !opts.engine {
		return a, nil
	}

	if err := a.buildEngine(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) buildEngine(ctx context.Context, opts appOptions) error {
	providerCfg := a.cfg.Providers
	if opts.simulate {
		providerCfg = config.Default().Providers
	}

	a.registry = providers.NewRegistry(a.log)
	set := engine.NewProviderSet()
	if !opts.offline {
		var err error
		if set, err = a.registry.Build(ctx, providerCfg); err != nil {
			return fmt.Errorf("failed to configure providers: %w", err)
		}
	}
	a.providers = set

	engineOpts := a.cfg.Reconcile.Options()
	engineOpts.Logger = a.log
	engineOpts.Recorder = opts.recorder
	engineOpts.Notifier = opts.notifier

	if a.cfg.Policy.Enabled {
		pe, err := newPolicyEngine(ctx, a.cfg.Policy, a.log)
		if err != nil {
			return err
		}
		a.policy = pe
		engineOpts.Policy = pe
	}

	a.reconciler = engine.NewReconciler(a.store, set, engineOpts)
	return nil
}

func newPolicyEngine(ctx context.Context, cfg config.PolicyConfig, logger zerolog.Logger) (*policy.Engine, error) {
	pe, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	for _, name := range cfg.Disabled {
		if err := pe.DisablePolicy(name); err != nil {
			return nil, fmt.Errorf("policy.disabled: %w", err)
		}
	}
	if len(cfg.Dirs) > 0 {
		if err := pe.LoadPolicies(ctx, cfg.Dirs); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

// Close releases the store and the policy watcher.
func (a *app) Close() {
	if a.policy != nil {
		_ = a.policy.Close()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to close store")
	}
}

// audit records an operator action. Failures are logged, not returned.
func (a *app) audit(ctx context.Context, action, target string, details interface{}) {
	entry := &stores.AuditEntry{Action: action, Actor: actor}
	if target != "" {
		entry.TargetID = &target
	}
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			s := string(data)
			entry.Details = &s
		}
	}
	if err := a.store.CreateAuditEntry(ctx, entry); err != nil {
		a.log.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

func defaultActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}

// render writes v as JSON or YAML when requested, and as a table otherwise.
func render(w io.Writer, v interface{}, table func(tw *tabwriter.Writer)) error {
	switch {
	case jsonOutput:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case yamlOutput:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
