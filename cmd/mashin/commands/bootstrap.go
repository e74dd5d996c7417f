package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mashin-run/mashin/pkg/config"
	"github.com/mashin-run/mashin/pkg/engine"
	"github.com/mashin-run/mashin/pkg/httpcache"
	"github.com/mashin-run/mashin/pkg/pipeline"
	"github.com/mashin-run/mashin/pkg/plugin"
	"github.com/mashin-run/mashin/pkg/policy"
	"github.com/mashin-run/mashin/pkg/progress"
	"github.com/mashin-run/mashin/pkg/script"
	"github.com/mashin-run/mashin/pkg/stores"
	"github.com/mashin-run/mashin/pkg/telemetry"
)

// bootstrap holds every collaborator a pipeline run needs, built once
// from the engine config file and torn down together at the end of a
// command.
type bootstrap struct {
	cfg       *config.Config
	pipeline  pipeline.Config
	store     *stores.SQLiteStore
	registry  *plugin.Registry
	cache     *httpcache.Cache
	runtime   *script.Runtime
	policyEng *policy.Engine
	tel       *telemetry.Telemetry
}

// newBootstrap reads the engine config at configPath and constructs
// every collaborator named in it. Callers must call close when done.
func newBootstrap(ctx context.Context, quiet bool) (*bootstrap, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	passphrase, err := cfg.ResolvePassphrase()
	if err != nil {
		return nil, err
	}
	salt, err := cfg.ResolveSalt()
	if err != nil {
		return nil, err
	}

	connMaxLifetime, err := cfg.ResolveConnMaxLifetime()
	if err != nil {
		return nil, err
	}
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            cfg.Store.Path,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: connMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing state store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating state store: %w", err)
	}

	cacheDir := cfg.Providers.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "mashin-cache")
	}
	cache, err := httpcache.New(cacheDir)
	if err != nil {
		return nil, fmt.Errorf("creating download cache: %w", err)
	}

	registry := plugin.NewRegistry(plugin.DefaultConfig())
	runtime := script.New(cache, registry)

	var policyEng *policy.Engine
	if cfg.Policy.Mode != "" {
		policyEng, err = policy.NewEngine(log.Logger)
		if err != nil {
			return nil, fmt.Errorf("constructing policy engine: %w", err)
		}
		if err := policyEng.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, fmt.Errorf("loading policies: %w", err)
		}
	}

	telCfg := telemetry.DevelopmentConfig()
	if quiet {
		telCfg = telemetry.ProductionConfig()
	}
	tel, err := telemetry.NewTelemetry(telCfg)
	if err != nil {
		return nil, fmt.Errorf("constructing telemetry: %w", err)
	}

	var prog engine.Progress = progress.NewDiscard()
	if !quiet {
		prog = progress.NewTerminal(os.Stderr)
	}

	return &bootstrap{
		cfg: cfg,
		pipeline: pipeline.Config{
			Passphrase: passphrase,
			Salt:       salt,
			Store:      store,
			Progress:   prog,
			Trail:      store,
		},
		store:     store,
		registry:  registry,
		cache:     cache,
		runtime:   runtime,
		policyEng: policyEng,
		tel:       tel,
	}, nil
}

// close tears down every collaborator, in roughly reverse dependency
// order.
func (b *bootstrap) close(ctx context.Context) {
	if err := b.registry.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("closing provider registry")
	}
	if err := b.store.Close(); err != nil {
		log.Warn().Err(err).Msg("closing state store")
	}
	if err := b.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("shutting down telemetry")
	}
}

// moduleScript adapts script.Runtime (which needs a source string) to
// pipeline.ScriptRunner (which only carries ctx and an engine).
type moduleScript struct {
	runtime *script.Runtime
	source  string
}

func (m moduleScript) Run(ctx context.Context, e *engine.Engine) error {
	return m.runtime.Run(ctx, e, m.source)
}

func loadModuleScript(runtime *script.Runtime, path string) (moduleScript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return moduleScript{}, fmt.Errorf("reading module %s: %w", path, err)
	}
	return moduleScript{runtime: runtime, source: string(data)}, nil
}

// evaluatePolicy runs the configured policy gate (if any) against plan,
// returning an error if an enforcing-mode violation blocks apply.
func (b *bootstrap) evaluatePolicy(ctx context.Context, plan pipeline.Plan, operation string, dryRun bool) error {
	if b.policyEng == nil {
		return nil
	}

	result, err := b.policyEng.EvaluatePlan(ctx, plan, policy.PolicyContext{
		Operation: operation,
		DryRun:    dryRun,
	})
	if err != nil {
		return fmt.Errorf("evaluating policies: %w", err)
	}
	for _, v := range result.Violations {
		log.Warn().Str("policy", v.Policy).Str("urn", v.URN).Str("severity", string(v.Severity)).Msg(v.Message)
	}
	if !result.Allowed && b.cfg.Policy.Mode == "enforcing" {
		return fmt.Errorf("policy evaluation blocked apply: %d violation(s)", len(result.Violations))
	}
	return nil
}

func newRunID() string {
	return uuid.NewString()
}

func printPlan(plan pipeline.Plan) {
	if plan.IsEmpty() {
		fmt.Println("No changes.")
		return
	}
	for _, c := range plan.Changes {
		fmt.Printf("  %-8s %s (%s)\n", c.Kind, c.URN, c.Provider)
	}
}
