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

func newDestroyCommand() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "destroy <module>",
		Short: "Destroy every resource a module declares",
		Long: `Destroy runs a module's Prepare and Read phases exactly as run does,
then forces every resource the module knows about -- both declared
resources and orphans -- to Delete, instead of applying the plan that
Read computed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return destroyModule(cmd.Context(), args[0], autoApprove)
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the confirmation prompt")
	return cmd
}

func destroyModule(ctx context.Context, modulePath string, autoApprove bool) error {
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

	log.Info().Int("resources", len(plan.Changes)).Msg("resources to destroy")
	printPlan(plan)

	if !autoApprove {
		fmt.Println("Pass --auto-approve to actually destroy these resources.")
		readEngine.Drop(ctx)
		telemetry.EndRunContext(ctx, runID, "dry-run", nil)
		pipeline.FinishRun(ctx, cfg, stores.RunStatusCancelled, nil)
		return nil
	}

	registerProviders := func(e *engine.Engine) error {
		b.registry.RegisterAllOn(e)
		return nil
	}
	if err := pipeline.Destroy(ctx, cfg, readEngine, resourcesCount, registerProviders); err != nil {
		telemetry.EndRunContext(ctx, runID, "failed", err)
		pipeline.FinishRun(ctx, cfg, stores.RunStatusFailed, err)
		return fmt.Errorf("destroy: %w", err)
	}

	telemetry.EndRunContext(ctx, runID, "succeeded", nil)
	pipeline.FinishRun(ctx, cfg, stores.RunStatusCompleted, nil)
	fmt.Println("Destroy complete.")
	return nil
}
