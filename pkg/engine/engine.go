package engine

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/mashin-run/mashin/pkg/diff"
	"github.com/mashin-run/mashin/pkg/state"
	"github.com/mashin-run/mashin/pkg/urn"
)

// Phase identifies which of the three pipeline passes an Engine is
// executing.
type Phase int

const (
	// Prepare runs the script once to count declared resources without
	// touching the store or any plugin.
	Prepare Phase = iota
	// Read runs the script a second time, planning every resource
	// against observed reality without mutating the store.
	Read
	// Apply runs the script a third time, dispatching the action the
	// planner chose during Read and writing the store.
	Apply
)

func (p Phase) String() string {
	switch p {
	case Prepare:
		return "prepare"
	case Read:
		return "read"
	case Apply:
		return "apply"
	default:
		return "unknown"
	}
}

// Action names the operation a Provider.Run call should perform.
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ChangeKind names the required change decided by the planner for one
// resource.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change is the required_change recorded against a URN in the
// executed-resource map.
type Change struct {
	Kind  ChangeKind
	Paths []string // populated only for ChangeUpdate
}

// ExecutedResource is the per-URN bookkeeping record threaded from Read
// into Apply.
type ExecutedResource struct {
	URN      string
	Provider string
	Diff     []diff.Entry
	Change   Change
}

// Provider is the engine-facing contract a loaded plugin satisfies. A
// concrete implementation (see pkg/plugin) drives the ABI's new/run/drop
// symbols underneath this interface.
type Provider interface {
	// Run executes one resource action and returns the observed raw
	// state JSON.
	Run(ctx context.Context, action Action, u urn.URN, config, previousRaw json.RawMessage) (observedRaw json.RawMessage, err error)
	// Drop destroys the provider instance. Must be safe to call exactly
	// once.
	Drop(ctx context.Context) error
}

// Store is the engine-facing state store contract: get/put/delete are
// keyed by URN and operate on the serialized encrypted form.
type Store interface {
	Get(ctx context.Context, u urn.URN) (serialized string, found bool, err error)
	Put(ctx context.Context, u urn.URN, serialized string) error
	Delete(ctx context.Context, u urn.URN) error
	Enumerate(ctx context.Context) ([]urn.URN, error)
}

// ProgressHandle is an optional per-run progress indicator.
type ProgressHandle interface {
	Increment()
	Finish()
}

// Progress is the engine's progress-reporting collaborator.
type Progress interface {
	Println(msg string)
	ProgressBar(total int) ProgressHandle
}

// AuditRecorder records a single resource-scoped audit action (a state
// write, an orphan delete) against the run identified by the Engine's
// own RunID. A nil AuditRecorder, the Builder's default, disables
// recording: planner and pipeline code must treat it as optional.
type AuditRecorder interface {
	RecordResourceAction(ctx context.Context, action, urn, details string) error
}

// Engine owns the derived key, store handle, provider registry, and
// executed-resource map for a single phase of a single pipeline run.
type Engine struct {
	phase     Phase
	key       [state.KeySize]byte
	store     Store
	progress  Progress
	providers map[string]Provider
	executed  map[string]*ExecutedResource

	resourcesCount int
	runID          string
	audit          AuditRecorder
}

// Phase returns the phase this Engine was built for.
func (e *Engine) Phase() Phase { return e.phase }

// ResourcesCount returns the total declared-resource count accumulated
// during Prepare.
func (e *Engine) ResourcesCount() int { return e.resourcesCount }

// IncrementResourcesCount increments the counter; only meaningful during
// Prepare, but callable at any phase (later phases simply don't use the
// result).
func (e *Engine) IncrementResourcesCount() {
	e.resourcesCount++
}

// Store returns the engine's state store handle.
func (e *Engine) Store() Store { return e.store }

// Progress returns the engine's progress collaborator.
func (e *Engine) Progress() Progress { return e.progress }

// Key returns the derived encryption key for this engine instance.
func (e *Engine) Key() [state.KeySize]byte { return e.key }

// RunID returns the pipeline run this Engine belongs to, or "" if the
// caller never set one (e.g. tests that construct an Engine directly).
func (e *Engine) RunID() string { return e.runID }

// Audit returns the Engine's audit recorder, or nil if none was
// configured.
func (e *Engine) Audit() AuditRecorder { return e.audit }

// RegisterProvider registers a loaded provider under name. The set of
// registered providers grows monotonically within a phase; registering
// the same name twice replaces the prior registration.
func (e *Engine) RegisterProvider(name string, p Provider) {
	e.providers[name] = p
}

// Provider looks up a registered provider by name.
func (e *Engine) Provider(name string) (Provider, bool) {
	p, ok := e.providers[name]
	return p, ok
}

// ExecutedResource looks up the executed-resource map entry for u, if
// any.
func (e *Engine) ExecutedResource(u urn.URN) (*ExecutedResource, bool) {
	r, ok := e.executed[u.String()]
	return r, ok
}

// SetExecutedResource inserts or replaces the executed-resource map entry
// for u.
func (e *Engine) SetExecutedResource(u urn.URN, r *ExecutedResource) {
	e.executed[u.String()] = r
}

// RemoveExecutedResource removes u from the executed-resource map (Apply
// does this once a resource's write has completed).
func (e *Engine) RemoveExecutedResource(u urn.URN) {
	delete(e.executed, u.String())
}

// ExecutedResources returns every entry in the executed-resource map, in
// URN byte order, for stable plan rendering and orphan sweeps.
func (e *Engine) ExecutedResources() []*ExecutedResource {
	out := make([]*ExecutedResource, 0, len(e.executed))
	for _, r := range e.executed {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URN < out[j].URN })
	return out
}

// ExecutedResourceMap returns the live executed-resource map, to be
// threaded into the Builder for the next phase.
func (e *Engine) ExecutedResourceMap() map[string]*ExecutedResource {
	return e.executed
}

// Drop invokes every registered provider's Drop, in arbitrary order,
// collecting (not short-circuiting on) any error.
func (e *Engine) Drop(ctx context.Context) error {
	var first error
	for _, p := range e.providers {
		if err := p.Drop(ctx); err != nil && first == nil {
			first = err
		}
	}
	e.providers = map[string]Provider{}
	return first
}

// Builder constructs an Engine for one phase. See the Builder methods
// for the required fields.
type Builder struct {
	passphrase string
	salt       []byte
	store      Store
	phase      Phase
	progress   Progress
	executed   map[string]*ExecutedResource
	resources  int
	runID      string
	audit      AuditRecorder
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) Passphrase(p string) *Builder {
	b.passphrase = p
	return b
}

func (b *Builder) Salt(salt []byte) *Builder {
	b.salt = salt
	return b
}

func (b *Builder) Store(s Store) *Builder {
	b.store = s
	return b
}

func (b *Builder) Phase(p Phase) *Builder {
	b.phase = p
	return b
}

func (b *Builder) Progress(p Progress) *Builder {
	b.progress = p
	return b
}

// Executed threads the executed-resource map from a prior phase (Read's
// output map, consumed by Apply). For Prepare this is left nil.
func (b *Builder) Executed(executed map[string]*ExecutedResource) *Builder {
	b.executed = executed
	return b
}

// ResourcesCount seeds the counter carried over from Prepare, used to
// size progress indicators in Read and Apply.
func (b *Builder) ResourcesCount(n int) *Builder {
	b.resources = n
	return b
}

// RunID tags the Engine with the pipeline run it belongs to, for
// telemetry span labeling and audit-entry attribution. Leave unset
// outside a pipeline-driven run.
func (b *Builder) RunID(id string) *Builder {
	b.runID = id
	return b
}

// Audit wires a collaborator that records resource-scoped audit actions
// during Apply. Leave nil to disable recording.
func (b *Builder) Audit(a AuditRecorder) *Builder {
	b.audit = a
	return b
}

// Build derives the encryption key and constructs the Engine. It fails
// with a KeyDerivationFailed-classed error if key derivation fails.
func (b *Builder) Build() (*Engine, error) {
	key, err := state.DeriveKey(b.passphrase, b.salt)
	if err != nil {
		return nil, Wrap(KeyDerivationFailed, "deriving engine key", err)
	}

	// The executed-resource map is cleared at the start of Prepare and
	// Read; only Apply retains what the prior phase (Read) produced.
	executed := b.executed
	if b.phase != Apply || executed == nil {
		executed = make(map[string]*ExecutedResource)
	}

	return &Engine{
		phase:          b.phase,
		key:            key,
		store:          b.store,
		progress:       b.progress,
		providers:      make(map[string]Provider),
		executed:       executed,
		resourcesCount: b.resources,
		runID:          b.runID,
		audit:          b.audit,
	}, nil
}
