// Package planner implements Mashin's per-resource Create/Read/Update/
// Delete decision logic: given a URN and a desired configuration, it
// resolves the provider, loads and decrypts any previous state, calls
// the plugin, diffs the result, and decides the required change.
package planner

import (
	"context"
	"encoding/json"

	"github.com/mashin-run/mashin/pkg/diff"
	"github.com/mashin-run/mashin/pkg/engine"
	"github.com/mashin-run/mashin/pkg/state"
	"github.com/mashin-run/mashin/pkg/telemetry"
	"github.com/mashin-run/mashin/pkg/urn"
)

// Result is returned by Plan for a single resource_execute call. Folded
// is what the host script receives back; the rest is bookkeeping used by
// the pipeline.
type Result struct {
	Folded   json.RawMessage
	Resource *engine.ExecutedResource
}

// Plan executes the per-resource algorithm of step 2 onward (step 1,
// the Prepare-phase counter increment and early return, is the caller's
// responsibility since it never reaches the planner).
//
// u is the resource's URN, config its desired configuration JSON.
func Plan(ctx context.Context, e *engine.Engine, u urn.URN, config json.RawMessage) (Result, error) {
	provider, ok := e.Provider(u.Provider())
	if !ok {
		return Result{}, engine.New(engine.UnknownProvider, "no provider registered for this urn").
			WithResource(u.String()).WithProvider(u.Provider())
	}

	existing, hadEntry := e.ExecutedResource(u)
	action := engine.ActionRead
	if hadEntry {
		action = actionForChange(existing.Change.Kind)
	}

	previousRaw, err := loadPrevious(ctx, e, u)
	if err != nil {
		return Result{}, err
	}

	resCtx := telemetry.WithResourceContext(ctx, e.RunID(), u.String(), u.Provider(), string(action))

	observedRaw, err := provider.Run(resCtx, action, u, config, previousRaw)
	if err != nil {
		wrapped := engine.Wrap(engine.PluginCrashed, "plugin run failed", err).
			WithResource(u.String()).WithProvider(u.Provider())
		telemetry.EndResourceContext(resCtx, e.RunID(), u.String(), u.Provider(), string(action), "failed", wrapped)
		return Result{}, wrapped
	}

	entries, err := diff.Diff(previousRaw, observedRaw)
	if err != nil {
		wrapped := engine.Wrap(engine.StoreCorrupt, "diffing observed against previous state", err).WithResource(u.String())
		telemetry.EndResourceContext(resCtx, e.RunID(), u.String(), u.Provider(), string(action), "failed", wrapped)
		return Result{}, wrapped
	}

	folded, err := state.Fold(observedRaw)
	if err != nil {
		wrapped := engine.Wrap(engine.StoreCorrupt, "folding observed state", err).WithResource(u.String())
		telemetry.EndResourceContext(resCtx, e.RunID(), u.String(), u.Provider(), string(action), "failed", wrapped)
		return Result{}, wrapped
	}

	resource := &engine.ExecutedResource{
		URN:      u.String(),
		Provider: u.Provider(),
		Diff:     entries,
	}

	switch e.Phase() {
	case engine.Read:
		if change, hasChange := decideChange(previousRaw, entries); hasChange {
			resource.Change = change
			e.SetExecutedResource(u, resource)
			if change.Kind == engine.ChangeUpdate {
				if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
					tel.Metrics.RecordDriftDetection(u.Provider(), "detected")
					_ = tel.Events.PublishDriftDetected(u.String(), len(change.Paths))
				}
			}
		}
	case engine.Apply:
		if hadEntry {
			enc, err := state.Encrypt(observedRaw, e.Key())
			if err != nil {
				wrapped := engine.Wrap(engine.StoreUnavailable, "encrypting observed state", err).WithResource(u.String())
				telemetry.EndResourceContext(resCtx, e.RunID(), u.String(), u.Provider(), string(action), "failed", wrapped)
				return Result{}, wrapped
			}
			if err := e.Store().Put(ctx, u, state.Serialize(enc)); err != nil {
				wrapped := engine.Wrap(engine.StoreUnavailable, "writing state store entry", err).WithResource(u.String())
				telemetry.EndResourceContext(resCtx, e.RunID(), u.String(), u.Provider(), string(action), "failed", wrapped)
				return Result{}, wrapped
			}
			if rec := e.Audit(); rec != nil {
				_ = rec.RecordResourceAction(ctx, string(action), u.String(), "")
			}
			e.RemoveExecutedResource(u)
		}
	}

	telemetry.EndResourceContext(resCtx, e.RunID(), u.String(), u.Provider(), string(action), "applied", nil)
	return Result{Folded: folded, Resource: resource}, nil
}

// loadPrevious reads and decrypts the current store entry for u, if any.
// Absence yields a nil (JSON null) previous_raw, never an error.
func loadPrevious(ctx context.Context, e *engine.Engine, u urn.URN) (json.RawMessage, error) {
	serialized, found, err := e.Store().Get(ctx, u)
	if err != nil {
		return nil, engine.Wrap(engine.StoreUnavailable, "reading state store entry", err).WithResource(u.String())
	}
	if !found {
		return nil, nil
	}

	enc, err := state.Deserialize(serialized)
	if err != nil {
		return nil, engine.Wrap(engine.DecryptionFailed, "malformed stored entry", err).WithResource(u.String())
	}

	raw, err := state.Decrypt(enc, e.Key())
	if err != nil {
		return nil, engine.Wrap(engine.DecryptionFailed, "decrypting stored entry", err).WithResource(u.String())
	}
	return raw, nil
}

// decideChange implements step 7 of the per-resource algorithm.
func decideChange(previousRaw json.RawMessage, entries []diff.Entry) (engine.Change, bool) {
	if len(previousRaw) == 0 {
		return engine.Change{Kind: engine.ChangeCreate}, true
	}

	nonSensitivePaths := diff.PathsOfChanges(entries)
	if len(nonSensitivePaths) == 0 {
		// Either structurally identical, or the only differences are in
		// sensitive paths that folded away entirely.
		return engine.Change{}, false
	}

	return engine.Change{Kind: engine.ChangeUpdate, Paths: nonSensitivePaths}, true
}

func actionForChange(kind engine.ChangeKind) engine.Action {
	switch kind {
	case engine.ChangeCreate:
		return engine.ActionCreate
	case engine.ChangeUpdate:
		return engine.ActionUpdate
	case engine.ChangeDelete:
		return engine.ActionDelete
	default:
		return engine.ActionRead
	}
}

// OrphanDeletes returns, in URN byte order, every URN present in the
// store's enumeration but absent from the engine's executed-resource map
// — the set the Apply-phase orphan sweep must delete.
func OrphanDeletes(ctx context.Context, e *engine.Engine) ([]urn.URN, error) {
	stored, err := e.Store().Enumerate(ctx)
	if err != nil {
		return nil, engine.Wrap(engine.StoreUnavailable, "enumerating state store", err)
	}

	var orphans []urn.URN
	for _, u := range stored {
		if _, ok := e.ExecutedResource(u); !ok {
			orphans = append(orphans, u)
		}
	}
	sortURNs(orphans)
	return orphans, nil
}

func sortURNs(urns []urn.URN) {
	for i := 1; i < len(urns); i++ {
		for j := i; j > 0 && urn.Less(urns[j], urns[j-1]); j-- {
			urns[j], urns[j-1] = urns[j-1], urns[j]
		}
	}
}
