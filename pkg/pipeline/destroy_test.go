package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mashin-run/mashin/pkg/engine"
	"github.com/mashin-run/mashin/pkg/state"
	"github.com/mashin-run/mashin/pkg/stores"
	"github.com/mashin-run/mashin/pkg/urn"
)

// TestDestroyDeletesEveryResource runs a normal Create through the
// pipeline, then destroys the result: every entry the Create put into
// the store must be gone, and the provider's Delete action must have
// been invoked once per resource plus once per orphan.
func TestDestroyDeletesEveryResource(t *testing.T) {
	store := newMemStore()
	provider := &scriptedProvider{responses: map[engine.Action]json.RawMessage{
		engine.ActionRead:   json.RawMessage(`null`),
		engine.ActionCreate: json.RawMessage(`{"size":{"__value":1,"__sensitive":false}}`),
	}}
	script := &fakeScript{
		providers: map[string]engine.Provider{"demo": provider},
		resources: []declared{{urn: "urn:provider:demo:thing?=x", config: json.RawMessage(`{"size":1}`)}},
	}

	runFullPipeline(t, store, script)
	if len(store.entries) != 1 {
		t.Fatalf("expected one stored entry after create, got %v", store.entries)
	}

	ctx := context.Background()
	cfg := Config{Passphrase: "pw", Salt: testSalt(), Store: store, Progress: noopProgress{}}

	count, err := Prepare(ctx, cfg, script)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	readEngine, _, err := Read(ctx, cfg, script, count)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	register := func(e *engine.Engine) error {
		for name, p := range script.providers {
			e.RegisterProvider(name, p)
		}
		return nil
	}

	if err := Destroy(ctx, cfg, readEngine, count, register); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if len(store.entries) != 0 {
		t.Fatalf("expected no stored entries after destroy, got %v", store.entries)
	}
	if provider.deletes != 1 {
		t.Fatalf("expected exactly one plugin Delete call, got %d", provider.deletes)
	}
}

// TestDestroyRemovesOrphans ensures a store entry the script never
// declares (an orphan) is destroyed exactly as a declared resource is.
func TestDestroyRemovesOrphans(t *testing.T) {
	store := newMemStore()
	y, _ := urn.Parse("urn:provider:demo:y")
	key, _ := state.DeriveKey("pw", testSalt())
	enc, _ := state.Encrypt([]byte(`{}`), key)
	store.Put(context.Background(), y, state.Serialize(enc))

	provider := &scriptedProvider{}
	script := &fakeScript{providers: map[string]engine.Provider{"demo": provider}}

	ctx := context.Background()
	cfg := Config{Passphrase: "pw", Salt: testSalt(), Store: store, Progress: noopProgress{}}

	count, err := Prepare(ctx, cfg, script)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	readEngine, _, err := Read(ctx, cfg, script, count)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	register := func(e *engine.Engine) error {
		e.RegisterProvider("demo", provider)
		return nil
	}

	if err := Destroy(ctx, cfg, readEngine, count, register); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, found, _ := store.Get(ctx, y); found {
		t.Fatal("expected orphan entry to be removed")
	}
	if provider.deletes != 1 {
		t.Fatalf("expected one Delete call for the orphan, got %d", provider.deletes)
	}
}

// TestDestroyRecordsAuditEntries ensures Destroy, like Apply, records an
// audit entry for every resource it deletes when a Trail is configured.
func TestDestroyRecordsAuditEntries(t *testing.T) {
	store := newMemStore()
	provider := &scriptedProvider{responses: map[engine.Action]json.RawMessage{
		engine.ActionRead:   json.RawMessage(`null`),
		engine.ActionCreate: json.RawMessage(`{"size":{"__value":1,"__sensitive":false}}`),
	}}
	script := &fakeScript{
		providers: map[string]engine.Provider{"demo": provider},
		resources: []declared{{urn: "urn:provider:demo:thing?=x", config: json.RawMessage(`{"size":1}`)}},
	}
	runFullPipeline(t, store, script)

	trail := newFakeTrail()
	ctx := context.Background()
	cfg := Config{
		Passphrase: "pw",
		Salt:       testSalt(),
		Store:      store,
		Progress:   noopProgress{},
		Trail:      trail,
		RunID:      "run-destroy",
		ModulePath: "module.js",
	}

	count, err := Prepare(ctx, cfg, script)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	readEngine, _, err := Read(ctx, cfg, script, count)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	register := func(e *engine.Engine) error {
		for name, p := range script.providers {
			e.RegisterProvider(name, p)
		}
		return nil
	}
	if err := Destroy(ctx, cfg, readEngine, count, register); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if len(trail.entries) != 1 || trail.entries[0].Action != "orphan_delete" {
		t.Fatalf("expected one orphan_delete audit entry, got %+v", trail.entries)
	}

	foundCompletedEvent := false
	for _, e := range trail.events {
		if e.Message == "destroy completed" {
			foundCompletedEvent = true
		}
	}
	if !foundCompletedEvent {
		t.Fatalf("expected a 'destroy completed' event, got %+v", trail.events)
	}

	FinishRun(ctx, cfg, stores.RunStatusCompleted, nil)
	if trail.runs["run-destroy"].Status != stores.RunStatusCompleted {
		t.Fatalf("expected run status completed, got %s", trail.runs["run-destroy"].Status)
	}
}
