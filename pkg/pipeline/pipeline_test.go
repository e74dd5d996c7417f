package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/mashin-run/mashin/pkg/engine"
	"github.com/mashin-run/mashin/pkg/planner"
	"github.com/mashin-run/mashin/pkg/state"
	"github.com/mashin-run/mashin/pkg/stores"
	"github.com/mashin-run/mashin/pkg/urn"
)

func testSalt() []byte {
	salt := make([]byte, state.SaltSize)
	for i := range salt {
		salt[i] = byte(i)
	}
	return salt
}

type noopProgress struct{}

func (noopProgress) Println(string)                        {}
func (noopProgress) ProgressBar(int) engine.ProgressHandle { return nil }

type memStore struct{ entries map[string]string }

func newMemStore() *memStore { return &memStore{entries: map[string]string{}} }

func (s *memStore) Get(_ context.Context, u urn.URN) (string, bool, error) {
	v, ok := s.entries[u.String()]
	return v, ok, nil
}
func (s *memStore) Put(_ context.Context, u urn.URN, v string) error {
	s.entries[u.String()] = v
	return nil
}
func (s *memStore) Delete(_ context.Context, u urn.URN) error {
	delete(s.entries, u.String())
	return nil
}
func (s *memStore) Enumerate(_ context.Context) ([]urn.URN, error) {
	out := make([]urn.URN, 0, len(s.entries))
	for k := range s.entries {
		u, _ := urn.Parse(k)
		out = append(out, u)
	}
	return out, nil
}

// scriptedProvider returns a fixed response per action.
type scriptedProvider struct {
	responses map[engine.Action]json.RawMessage
	deletes   int
}

func (p *scriptedProvider) Run(_ context.Context, action engine.Action, _ urn.URN, _, _ json.RawMessage) (json.RawMessage, error) {
	if action == engine.ActionDelete {
		p.deletes++
	}
	if r, ok := p.responses[action]; ok {
		return r, nil
	}
	return json.RawMessage(`null`), nil
}
func (p *scriptedProvider) Drop(_ context.Context) error { return nil }

type declared struct {
	urn    string
	config json.RawMessage
}

// fakeScript simulates the host script: it declares a fixed resource
// list and a fixed provider set, replaying register_provider_allocate
// and resource_execute against whatever engine it's given.
type fakeScript struct {
	providers map[string]engine.Provider
	resources []declared
}

func (f *fakeScript) Run(ctx context.Context, e *engine.Engine) error {
	for name, p := range f.providers {
		e.RegisterProvider(name, p)
	}

	if e.Phase() == engine.Prepare {
		for range f.resources {
			e.IncrementResourcesCount()
		}
		return nil
	}

	for _, d := range f.resources {
		u, err := urn.Parse(d.urn)
		if err != nil {
			return err
		}
		if _, err := planner.Plan(ctx, e, u, d.config); err != nil {
			return err
		}
	}
	return nil
}

func runFullPipeline(t *testing.T, store engine.Store, script *fakeScript) Plan {
	t.Helper()
	ctx := context.Background()
	cfg := Config{Passphrase: "pw", Salt: testSalt(), Store: store, Progress: noopProgress{}}

	count, err := Prepare(ctx, cfg, script)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	readEngine, plan, err := Read(ctx, cfg, script, count)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	register := func(e *engine.Engine) error {
		for name, p := range script.providers {
			e.RegisterProvider(name, p)
		}
		return nil
	}

	if err := Apply(ctx, cfg, script, readEngine, count, register); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	return plan
}

// fakeTrail is an in-memory Trail, recording every call so tests can
// assert the audit trail actually gets written to across a run.
type fakeTrail struct {
	mu      sync.Mutex
	runs    map[string]*stores.Run
	events  []*stores.Event
	entries []*stores.AuditEntry
}

func newFakeTrail() *fakeTrail {
	return &fakeTrail{runs: map[string]*stores.Run{}}
}

func (f *fakeTrail) CreateRun(_ context.Context, run *stores.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *run
	f.runs[run.ID] = &cp
	return nil
}

func (f *fakeTrail) UpdateRunStatus(_ context.Context, id string, status stores.RunStatus, errMsg *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil
	}
	run.Status = status
	run.Error = errMsg
	return nil
}

func (f *fakeTrail) AppendEvent(_ context.Context, event *stores.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeTrail) CreateAuditEntry(_ context.Context, entry *stores.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

// TestPipelineRecordsAuditTrail exercises the full Prepare/Read/Apply run
// with a Trail configured: it must open a Run row, log an event per
// phase, and record an audit entry for the orphan delete Apply performs.
func TestPipelineRecordsAuditTrail(t *testing.T) {
	store := newMemStore()
	y, _ := urn.Parse("urn:provider:demo:y")
	key, _ := state.DeriveKey("pw", testSalt())
	enc, _ := state.Encrypt([]byte(`{}`), key)
	store.Put(context.Background(), y, state.Serialize(enc))

	provider := &scriptedProvider{}
	script := &fakeScript{providers: map[string]engine.Provider{"demo": provider}}

	trail := newFakeTrail()
	ctx := context.Background()
	cfg := Config{
		Passphrase: "pw",
		Salt:       testSalt(),
		Store:      store,
		Progress:   noopProgress{},
		Trail:      trail,
		RunID:      "run-1",
		ModulePath: "module.js",
	}

	count, err := Prepare(ctx, cfg, script)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	readEngine, plan, err := Read(ctx, cfg, script, count)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	register := func(e *engine.Engine) error {
		for name, p := range script.providers {
			e.RegisterProvider(name, p)
		}
		return nil
	}
	if err := Apply(ctx, cfg, script, readEngine, count, register); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(plan.Changes) != 1 {
		t.Fatalf("expected one change, got %+v", plan.Changes)
	}

	run, ok := trail.runs["run-1"]
	if !ok {
		t.Fatal("expected Prepare to create a run row")
	}
	if run.ModulePath != "module.js" {
		t.Fatalf("expected module_path module.js, got %s", run.ModulePath)
	}

	FinishRun(ctx, cfg, stores.RunStatusCompleted, nil)
	if run.Status != stores.RunStatusCompleted {
		t.Fatalf("expected run status completed, got %s", run.Status)
	}

	if len(trail.events) < 3 {
		t.Fatalf("expected at least one event per phase, got %d", len(trail.events))
	}

	if len(trail.entries) != 1 {
		t.Fatalf("expected one audit entry for the orphan delete, got %d", len(trail.entries))
	}
	if trail.entries[0].Action != "orphan_delete" || trail.entries[0].TargetID == nil || *trail.entries[0].TargetID != y.String() {
		t.Fatalf("unexpected audit entry: %+v", trail.entries[0])
	}
}

// S1: Create.
func TestPipelineScenarioS1Create(t *testing.T) {
	store := newMemStore()
	provider := &scriptedProvider{responses: map[engine.Action]json.RawMessage{
		engine.ActionRead:   json.RawMessage(`null`),
		engine.ActionCreate: json.RawMessage(`{"size":{"__value":1,"__sensitive":false}}`),
	}}
	script := &fakeScript{
		providers: map[string]engine.Provider{"demo": provider},
		resources: []declared{{urn: "urn:provider:demo:thing?=x", config: json.RawMessage(`{"size":1}`)}},
	}

	plan := runFullPipeline(t, store, script)
	if len(plan.Changes) != 1 || plan.Changes[0].Kind != engine.ChangeCreate {
		t.Fatalf("expected one Create change, got %+v", plan.Changes)
	}

	u, _ := urn.Parse("urn:provider:demo:thing?=x")
	serialized, found, _ := store.Get(context.Background(), u)
	if !found {
		t.Fatal("expected store entry after apply")
	}
	key, _ := state.DeriveKey("pw", testSalt())
	enc, _ := state.Deserialize(serialized)
	decrypted, _ := state.Decrypt(enc, key)
	if string(decrypted) != `{"size":{"__value":1,"__sensitive":false}}` {
		t.Fatalf("decrypted = %s", decrypted)
	}
}

// S4: Orphan delete — store has an undeclared URN, apply must invoke
// its plugin with action Delete and remove it from the store.
func TestPipelineScenarioS4OrphanDelete(t *testing.T) {
	store := newMemStore()
	y, _ := urn.Parse("urn:provider:demo:y")
	key, _ := state.DeriveKey("pw", testSalt())
	enc, _ := state.Encrypt([]byte(`{}`), key)
	store.Put(context.Background(), y, state.Serialize(enc))

	provider := &scriptedProvider{}
	script := &fakeScript{providers: map[string]engine.Provider{"demo": provider}}

	plan := runFullPipeline(t, store, script)
	if len(plan.Changes) != 1 || plan.Changes[0].Kind != engine.ChangeDelete {
		t.Fatalf("expected one Delete change, got %+v", plan.Changes)
	}
	if provider.deletes != 1 {
		t.Fatalf("expected plugin Delete to be invoked once, got %d", provider.deletes)
	}
	if _, found, _ := store.Get(context.Background(), y); found {
		t.Fatal("expected orphan entry to be removed from the store")
	}
}

// S5: Unknown provider aborts Read without mutating the store.
func TestPipelineScenarioS5UnknownProvider(t *testing.T) {
	store := newMemStore()
	script := &fakeScript{
		providers: map[string]engine.Provider{},
		resources: []declared{{urn: "urn:provider:missing:thing?=z", config: json.RawMessage(`{}`)}},
	}

	ctx := context.Background()
	cfg := Config{Passphrase: "pw", Salt: testSalt(), Store: store, Progress: noopProgress{}}

	count, err := Prepare(ctx, cfg, script)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	_, _, err = Read(ctx, cfg, script, count)
	if !engine.Is(err, engine.UnknownProvider) {
		t.Fatalf("expected UnknownProvider, got %v", err)
	}
	if len(store.entries) != 0 {
		t.Fatalf("expected no store mutation, got %v", store.entries)
	}
}

// S6: Tamper detection — a corrupted stored entry surfaces
// DecryptionFailed during Read and Apply is never attempted.
func TestPipelineScenarioS6TamperDetection(t *testing.T) {
	store := newMemStore()
	u, _ := urn.Parse("urn:provider:demo:x")
	key, _ := state.DeriveKey("pw", testSalt())
	enc, _ := state.Encrypt([]byte(`{"size":{"__value":1,"__sensitive":false}}`), key)
	enc.Ciphertext[0] ^= 0xFF // flip one byte
	store.Put(context.Background(), u, state.Serialize(enc))

	provider := &scriptedProvider{responses: map[engine.Action]json.RawMessage{
		engine.ActionRead: json.RawMessage(`{"size":{"__value":2,"__sensitive":false}}`),
	}}
	script := &fakeScript{
		providers: map[string]engine.Provider{"demo": provider},
		resources: []declared{{urn: "urn:provider:demo:x", config: json.RawMessage(`{"size":2}`)}},
	}

	ctx := context.Background()
	cfg := Config{Passphrase: "pw", Salt: testSalt(), Store: store, Progress: noopProgress{}}

	count, err := Prepare(ctx, cfg, script)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	_, _, err = Read(ctx, cfg, script, count)
	if !engine.Is(err, engine.DecryptionFailed) {
		t.Fatalf("expected DecryptionFailed, got %v", err)
	}
}
