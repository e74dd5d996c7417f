package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mashin-run/mashin/pkg/engine"
	"github.com/mashin-run/mashin/pkg/pipeline"
	"github.com/mashin-run/mashin/pkg/stores"
	"github.com/mashin-run/mashin/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run <module>",
		Short: "Run a module: plan, then apply unless --dry-run",
		Long: `Run drives a module's host script through Prepare, Read, and (unless
--dry-run) Apply: it computes the plan by diffing the script's declared
resources against encrypted state, prints it, and then applies it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModule(cmd.Context(), args[0], dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute and print the plan without applying it")
	return cmd
}

func runModule(ctx context.Context, modulePath string, dryRun bool) error {
	b, err := newBootstrap(ctx, jsonOutput)
	if err != nil {
		return err
	}
	defer b.close(ctx)

	runID := newRunID()
	ctx = b.tel.WithContext(ctx)
	ctx = telemetry.WithRunContext(ctx, runID, modulePath, currentUser())

	cfg := b.pipeline
	cfg.RunID = runID
	cfg.ModulePath = modulePath

	script, err := loadModuleScript(b.runtime, modulePath)
	if err != nil {
		telemetry.EndRunContext(ctx, runID, "failed", err)
		return err
	}

	resourcesCount, err := pipeline.Prepare(ctx, cfg, script)
	if err != nil {
		telemetry.EndRunContext(ctx, runID, "failed", err)
		pipeline.FinishRun(ctx, cfg, stores.RunStatusFailed, err)
		return fmt.Errorf("prepare: %w", err)
	}

	readEngine, plan, err := pipeline.Read(ctx, cfg, script, resourcesCount)
	if err != nil {
		telemetry.EndRunContext(ctx, runID, "failed", err)
		pipeline.FinishRun(ctx, cfg, stores.RunStatusFailed, err)
		return fmt.Errorf("read: %w", err)
	}

	log.Info().Int("changes", len(plan.Changes)).Msg("plan computed")
	printPlan(plan)

	if err := b.evaluatePolicy(ctx, plan, "plan", dryRun); err != nil {
		readEngine.Drop(ctx)
		telemetry.EndRunContext(ctx, runID, "blocked", err)
		pipeline.FinishRun(ctx, cfg, stores.RunStatusCancelled, err)
		return err
	}

	if dryRun {
		readEngine.Drop(ctx)
		telemetry.EndRunContext(ctx, runID, "dry-run", nil)
		pipeline.FinishRun(ctx, cfg, stores.RunStatusCompleted, nil)
		return nil
	}

	if plan.IsEmpty() {
		readEngine.Drop(ctx)
		telemetry.EndRunContext(ctx, runID, "no-op", nil)
		pipeline.FinishRun(ctx, cfg, stores.RunStatusCompleted, nil)
		return nil
	}

	if err := b.evaluatePolicy(ctx, plan, "apply", false); err != nil {
		readEngine.Drop(ctx)
		telemetry.EndRunContext(ctx, runID, "blocked", err)
		pipeline.FinishRun(ctx, cfg, stores.RunStatusCancelled, err)
		return err
	}

	registerProviders := func(e *engine.Engine) error {
		b.registry.RegisterAllOn(e)
		return nil
	}
	if err := pipeline.Apply(ctx, cfg, script, readEngine, resourcesCount, registerProviders); err != nil {
		telemetry.EndRunContext(ctx, runID, "failed", err)
		pipeline.FinishRun(ctx, cfg, stores.RunStatusFailed, err)
		return fmt.Errorf("apply: %w", err)
	}

	telemetry.EndRunContext(ctx, runID, "succeeded", nil)
	pipeline.FinishRun(ctx, cfg, stores.RunStatusCompleted, nil)
	fmt.Println("Apply complete.")
	return nil
}

func currentUser() string {
	if u := osUser(); u != "" {
		return u
	}
	return "unknown"
}
