package pipeline

import (
	"context"

	"github.com/mashin-run/mashin/pkg/engine"
	"github.com/mashin-run/mashin/pkg/planner"
	"github.com/mashin-run/mashin/pkg/stores"
	"github.com/mashin-run/mashin/pkg/telemetry"
)

// Destroy implements the `mashin destroy` operation: conceptually "run
// with every declared resource forced to Delete". readEngine must be the
// engine returned by Read for the same module; Destroy consumes it the
// same way Apply does (readEngine must not be used afterward).
//
// Unlike Apply, Destroy never re-runs the host script: forcing every
// entry in the executed-resource map to ChangeDelete and then running
// the script a third time would just let it call resource_execute again
// and recreate everything it declares. Instead every resource the map
// already knows about (both script-declared and true orphans) is run
// through the same per-URN delete sweep Apply uses for orphans alone.
func Destroy(ctx context.Context, cfg Config, readEngine *engine.Engine, resourcesCount int, registerProviders func(*engine.Engine) error) error {
	ctx = telemetry.WithPhaseContext(ctx, cfg.RunID, "destroy")

	orphans, err := planner.OrphanDeletes(ctx, readEngine)
	if err != nil {
		readEngine.Drop(ctx)
		telemetry.EndPhaseContext(ctx, cfg.RunID, "destroy", err)
		return err
	}

	executed := readEngine.ExecutedResourceMap()
	for u, r := range executed {
		r.Change = engine.Change{Kind: engine.ChangeDelete}
		executed[u] = r
	}
	for _, u := range orphans {
		executed[u.String()] = &engine.ExecutedResource{
			URN:      u.String(),
			Provider: u.Provider(),
			Change:   engine.Change{Kind: engine.ChangeDelete},
		}
	}
	readEngine.Drop(ctx)

	e, err := newEngineBuilder(cfg, engine.Apply).
		ResourcesCount(resourcesCount).
		Executed(executed).
		Build()
	if err != nil {
		telemetry.EndPhaseContext(ctx, cfg.RunID, "destroy", err)
		return err
	}
	defer e.Drop(ctx)

	if registerProviders != nil {
		if err := registerProviders(e); err != nil {
			telemetry.EndPhaseContext(ctx, cfg.RunID, "destroy", err)
			return err
		}
	}

	if err := applyOrphanDeletes(ctx, e); err != nil {
		appendEvent(ctx, cfg, stores.EventLevelError, "destroy failed: "+err.Error())
		telemetry.EndPhaseContext(ctx, cfg.RunID, "destroy", err)
		return err
	}

	appendEvent(ctx, cfg, stores.EventLevelInfo, "destroy completed")
	telemetry.EndPhaseContext(ctx, cfg.RunID, "destroy", nil)
	return nil
}
