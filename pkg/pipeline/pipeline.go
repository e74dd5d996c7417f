// Package pipeline drives the three-phase Prepare→Read→Apply state
// machine that sits above a single engine.Engine: it re-runs the host
// script once per phase, renders the plan between Read and Apply, and
// performs the orphan-delete sweep before Apply's script run. When a
// Trail is configured it also keeps a durable audit trail of the run
// (pkg/stores' runs/events/audit tables) and, when the context carries a
// pkg/telemetry instance, emits phase and per-resource spans/metrics
// around the same boundaries.
package pipeline

import (
	"context"
	"sort"
	"time"

	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/mashin-run/mashin/pkg/diff"
	"github.com/mashin-run/mashin/pkg/engine"
	"github.com/mashin-run/mashin/pkg/planner"
	"github.com/mashin-run/mashin/pkg/state"
	"github.com/mashin-run/mashin/pkg/stores"
	"github.com/mashin-run/mashin/pkg/telemetry"
	"github.com/mashin-run/mashin/pkg/urn"
)

// ScriptRunner executes the host script once against e. Every
// resource_execute / register_provider_* / get_env / print op the
// script performs is expected to flow back through e and, for
// resource_execute, through planner.Plan.
type ScriptRunner interface {
	Run(ctx context.Context, e *engine.Engine) error
}

// Trail persists the audit trail of a pipeline run: its lifecycle (a
// Run row), its phase-level log (Events), and its resource-level
// actions (AuditEntry rows). *stores.SQLiteStore satisfies this
// structurally; see pkg/stores/trail.go.
type Trail interface {
	CreateRun(ctx context.Context, run *stores.Run) error
	UpdateRunStatus(ctx context.Context, id string, status stores.RunStatus, errMsg *string) error
	AppendEvent(ctx context.Context, event *stores.Event) error
	CreateAuditEntry(ctx context.Context, entry *stores.AuditEntry) error
}

// Config carries the inputs a pipeline run needs to construct a fresh
// engine for each phase. Trail and RunID are optional: a zero-value
// Config (no Trail, empty RunID) runs exactly as before, with audit
// recording and run-row bookkeeping disabled.
type Config struct {
	Passphrase string
	Salt       []byte
	Store      engine.Store
	Progress   engine.Progress
	Trail      Trail
	RunID      string
	ModulePath string
}

// Change describes one resource's place in the rendered plan.
type Change struct {
	URN      string
	Provider string
	Kind     engine.ChangeKind
	Paths    []string
	Diff     []diff.Entry
}

// Plan is the rendered output of the Read phase: the set of resources
// that need a Create, Update, or Delete, in URN byte order. It is a
// pure function of the executed-resource map (Testable Property 6).
type Plan struct {
	Changes []Change
}

// IsEmpty reports whether Apply would have nothing to do.
func (p Plan) IsEmpty() bool { return len(p.Changes) == 0 }

// newEngineBuilder starts an engine.Builder from the collaborators
// every phase shares, already carrying cfg's run ID and audit
// recorder. Callers add phase, executed-resource map, and resources
// count as needed.
func newEngineBuilder(cfg Config, phase engine.Phase) *engine.Builder {
	return engine.NewBuilder().
		Passphrase(cfg.Passphrase).
		Salt(cfg.Salt).
		Store(cfg.Store).
		Phase(phase).
		Progress(cfg.Progress).
		RunID(cfg.RunID).
		Audit(storeTrailAdapter{trail: cfg.Trail, runID: cfg.RunID})
}

// storeTrailAdapter adapts a Trail collaborator to engine.AuditRecorder,
// stamping RunID onto every entry so planner and pipeline code never
// have to thread it through by hand.
type storeTrailAdapter struct {
	trail Trail
	runID string
}

func (a storeTrailAdapter) RecordResourceAction(ctx context.Context, action, urn, details string) error {
	if a.trail == nil {
		return nil
	}
	entry := &stores.AuditEntry{
		RunID:     a.runID,
		Action:    action,
		TargetID:  &urn,
		Timestamp: time.Now(),
	}
	if details != "" {
		entry.Details = &details
	}
	return a.trail.CreateAuditEntry(ctx, entry)
}

// appendEvent records a phase-level log line against cfg's run, best
// effort: a Trail write failure is logged and otherwise ignored, since
// losing an audit-trail line should never fail a pipeline run.
func appendEvent(ctx context.Context, cfg Config, level stores.EventLevel, msg string) {
	if cfg.Trail == nil || cfg.RunID == "" {
		return
	}
	event := &stores.Event{
		RunID:     cfg.RunID,
		Level:     level,
		Message:   msg,
		Timestamp: time.Now(),
	}
	if err := cfg.Trail.AppendEvent(ctx, event); err != nil {
		log.Warn().Err(err).Str("run_id", cfg.RunID).Msg("appending pipeline event")
	}
}

// FinishRun closes out cfg's Run row with a terminal status. Callers
// (cmd/mashin) invoke it on every terminal path a command can take --
// dry-run, no-op, policy-blocked, or the outcome of Apply/Destroy --
// since only the caller knows which of those actually happened. A no-op
// if cfg carries no Trail or RunID.
func FinishRun(ctx context.Context, cfg Config, status stores.RunStatus, cause error) {
	if cfg.Trail == nil || cfg.RunID == "" {
		return
	}
	var errMsg *string
	if cause != nil {
		msg := cause.Error()
		errMsg = &msg
	}
	if err := cfg.Trail.UpdateRunStatus(ctx, cfg.RunID, status, errMsg); err != nil {
		log.Warn().Err(err).Str("run_id", cfg.RunID).Msg("updating run status")
	}
}

// Prepare runs the script once with phase=Prepare to size the
// resources_count used by later progress indicators. It returns that
// count; the script itself performs no store or plugin I/O in this
// phase (resource_execute is a no-op besides the counter increment).
//
// If cfg carries a Trail, Prepare also opens the Run row for this
// invocation: every later phase call with the same cfg.RunID appends to
// the same run.
func Prepare(ctx context.Context, cfg Config, script ScriptRunner) (int, error) {
	if cfg.Trail != nil && cfg.RunID != "" {
		now := time.Now()
		run := &stores.Run{
			ID:         cfg.RunID,
			ModulePath: cfg.ModulePath,
			Status:     stores.RunStatusRunning,
			StartedAt:  now,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := cfg.Trail.CreateRun(ctx, run); err != nil {
			log.Warn().Err(err).Str("run_id", cfg.RunID).Msg("creating run record")
		}
	}

	ctx = telemetry.WithPhaseContext(ctx, cfg.RunID, "prepare")

	e, err := newEngineBuilder(cfg, engine.Prepare).Build()
	if err != nil {
		telemetry.EndPhaseContext(ctx, cfg.RunID, "prepare", err)
		return 0, err
	}
	defer e.Drop(ctx)

	if err := script.Run(ctx, e); err != nil {
		appendEvent(ctx, cfg, stores.EventLevelError, "prepare phase failed: "+err.Error())
		telemetry.EndPhaseContext(ctx, cfg.RunID, "prepare", err)
		return 0, err
	}

	appendEvent(ctx, cfg, stores.EventLevelInfo, "prepare phase completed")
	telemetry.EndPhaseContext(ctx, cfg.RunID, "prepare", nil)
	return e.ResourcesCount(), nil
}

// Read runs the script a second time with phase=Read, then renders the
// plan. It returns the engine used for this phase (whose executed-
// resource map must be threaded, untouched, into Apply) alongside the
// rendered Plan.
func Read(ctx context.Context, cfg Config, script ScriptRunner, resourcesCount int) (*engine.Engine, Plan, error) {
	ctx = telemetry.WithPhaseContext(ctx, cfg.RunID, "read")

	e, err := newEngineBuilder(cfg, engine.Read).
		ResourcesCount(resourcesCount).
		Build()
	if err != nil {
		telemetry.EndPhaseContext(ctx, cfg.RunID, "read", err)
		return nil, Plan{}, err
	}

	if err := script.Run(ctx, e); err != nil {
		e.Drop(ctx)
		appendEvent(ctx, cfg, stores.EventLevelError, "read phase failed: "+err.Error())
		telemetry.EndPhaseContext(ctx, cfg.RunID, "read", err)
		return nil, Plan{}, err
	}

	orphans, err := planner.OrphanDeletes(ctx, e)
	if err != nil {
		e.Drop(ctx)
		appendEvent(ctx, cfg, stores.EventLevelError, "read phase failed: "+err.Error())
		telemetry.EndPhaseContext(ctx, cfg.RunID, "read", err)
		return nil, Plan{}, err
	}

	plan := renderPlan(e, orphans)
	appendEvent(ctx, cfg, stores.EventLevelInfo, "plan computed")
	telemetry.EndPhaseContext(ctx, cfg.RunID, "read", nil)
	return e, plan, nil
}

// renderPlan is a pure function of the executed-resource map and the
// orphan set (Testable Property 6): same inputs, same plan text.
func renderPlan(e *engine.Engine, orphans []urn.URN) Plan {
	var changes []Change
	for _, r := range e.ExecutedResources() {
		changes = append(changes, Change{
			URN:      r.URN,
			Provider: r.Provider,
			Kind:     r.Change.Kind,
			Paths:    r.Change.Paths,
			Diff:     r.Diff,
		})
	}
	for _, u := range orphans {
		changes = append(changes, Change{URN: u.String(), Provider: u.Provider(), Kind: engine.ChangeDelete})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].URN < changes[j].URN })
	return Plan{Changes: changes}
}

// Apply builds the Apply-phase engine from readEngine's retained
// executed-resource map plus a forced Delete entry for every orphan
// URN, performs the orphan-delete sweep, then runs the script a third
// time so each declared resource_execute call writes its new state.
//
// readEngine is dropped by Apply once its map has been copied out;
// callers must not use it afterward.
func Apply(ctx context.Context, cfg Config, script ScriptRunner, readEngine *engine.Engine, resourcesCount int, registerProviders func(*engine.Engine) error) error {
	ctx = telemetry.WithPhaseContext(ctx, cfg.RunID, "apply")

	orphans, err := planner.OrphanDeletes(ctx, readEngine)
	if err != nil {
		readEngine.Drop(ctx)
		telemetry.EndPhaseContext(ctx, cfg.RunID, "apply", err)
		return err
	}

	executed := readEngine.ExecutedResourceMap()
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
		telemetry.EndPhaseContext(ctx, cfg.RunID, "apply", err)
		return err
	}
	defer e.Drop(ctx)

	if registerProviders != nil {
		if err := registerProviders(e); err != nil {
			telemetry.EndPhaseContext(ctx, cfg.RunID, "apply", err)
			return err
		}
	}

	if err := applyOrphanDeletes(ctx, e); err != nil {
		appendEvent(ctx, cfg, stores.EventLevelError, "apply phase failed: "+err.Error())
		telemetry.EndPhaseContext(ctx, cfg.RunID, "apply", err)
		return err
	}

	if err := script.Run(ctx, e); err != nil {
		appendEvent(ctx, cfg, stores.EventLevelError, "apply phase failed: "+err.Error())
		telemetry.EndPhaseContext(ctx, cfg.RunID, "apply", err)
		return err
	}

	appendEvent(ctx, cfg, stores.EventLevelInfo, "apply phase completed")
	telemetry.EndPhaseContext(ctx, cfg.RunID, "apply", nil)
	return nil
}

// applyOrphanDeletes performs every pending Delete entry in the
// executed-resource map, in URN byte order, before the script runs a
// third time: it is the pipeline's own responsibility, not the
// planner's, since the planner never chooses Delete directly. Each
// delete is wrapped in a resource span and, when e carries an
// AuditRecorder, recorded as an audit entry.
func applyOrphanDeletes(ctx context.Context, e *engine.Engine) error {
	var pending []*engine.ExecutedResource
	for _, r := range e.ExecutedResources() {
		if r.Change.Kind == engine.ChangeDelete {
			pending = append(pending, r)
		}
	}

	for _, r := range pending {
		u, err := urn.Parse(r.URN)
		if err != nil {
			return engine.Wrap(engine.MalformedUrn, "parsing orphan urn", err).WithResource(r.URN)
		}

		provider, ok := e.Provider(r.Provider)
		if !ok {
			return engine.New(engine.UnknownProvider, "no provider registered for orphan delete").
				WithResource(r.URN).WithProvider(r.Provider)
		}

		previousRaw, err := loadPreviousForDelete(ctx, e, u)
		if err != nil {
			return err
		}

		resCtx := telemetry.WithResourceContext(ctx, e.RunID(), u.String(), r.Provider, "delete")

		if _, err := provider.Run(resCtx, engine.ActionDelete, u, nil, previousRaw); err != nil {
			wrapped := engine.Wrap(engine.PluginCrashed, "plugin delete failed", err).
				WithResource(r.URN).WithProvider(r.Provider)
			telemetry.EndResourceContext(resCtx, e.RunID(), u.String(), r.Provider, "delete", "failed", wrapped)
			return wrapped
		}

		if err := e.Store().Delete(ctx, u); err != nil {
			wrapped := engine.Wrap(engine.StoreUnavailable, "deleting orphan state entry", err).WithResource(r.URN)
			telemetry.EndResourceContext(resCtx, e.RunID(), u.String(), r.Provider, "delete", "failed", wrapped)
			return wrapped
		}

		telemetry.EndResourceContext(resCtx, e.RunID(), u.String(), r.Provider, "delete", "applied", nil)
		if rec := e.Audit(); rec != nil {
			_ = rec.RecordResourceAction(ctx, "orphan_delete", r.URN, "")
		}

		e.RemoveExecutedResource(u)
	}
	return nil
}

// loadPreviousForDelete reads and decrypts u's current store entry.
// Absence yields a nil previous_raw, never an error — mirroring
// planner.Plan's own loadPrevious, duplicated here since the orphan
// sweep runs outside the per-resource planner algorithm.
func loadPreviousForDelete(ctx context.Context, e *engine.Engine, u urn.URN) (json.RawMessage, error) {
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
