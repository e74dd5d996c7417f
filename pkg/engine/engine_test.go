package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mashin-run/mashin/pkg/urn"
)

func testSalt() []byte {
	salt := make([]byte, 32)
	for i := range salt {
		salt[i] = byte(i)
	}
	return salt
}

type noopProgress struct{}

func (noopProgress) Println(string)                {}
func (noopProgress) ProgressBar(int) ProgressHandle { return nil }

type memStore struct {
	entries map[string]string
}

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

type stubProvider struct {
	dropped bool
}

func (p *stubProvider) Run(_ context.Context, _ Action, _ urn.URN, _, _ json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}
func (p *stubProvider) Drop(_ context.Context) error {
	p.dropped = true
	return nil
}

func TestBuilderRequiresValidSalt(t *testing.T) {
	_, err := NewBuilder().Passphrase("x").Salt([]byte("short")).Phase(Prepare).Build()
	if err == nil {
		t.Fatal("expected key derivation failure for short salt")
	}
	if !Is(err, KeyDerivationFailed) {
		t.Fatalf("expected KeyDerivationFailed, got %v", err)
	}
}

func TestExecutedResourceMapClearedBetweenPrepareAndRead(t *testing.T) {
	store := newMemStore()
	e, err := NewBuilder().Passphrase("p").Salt(testSalt()).Store(store).Phase(Prepare).Progress(noopProgress{}).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	u, _ := urn.Parse("urn:provider:demo:x")
	e.SetExecutedResource(u, &ExecutedResource{URN: u.String(), Change: Change{Kind: ChangeCreate}})

	if len(e.ExecutedResources()) != 1 {
		t.Fatalf("expected one executed resource after insert")
	}

	// Build the Read engine with the Prepare engine's map threaded in:
	// the map must still start empty, never carrying over earlier entries.
	e2, err := NewBuilder().Passphrase("p").Salt(testSalt()).Store(store).Phase(Read).Progress(noopProgress{}).Executed(e.ExecutedResourceMap()).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(e2.ExecutedResources()) != 0 {
		t.Fatalf("expected fresh Read engine to start with an empty map")
	}
}

func TestExecutedResourceMapRetainedIntoApply(t *testing.T) {
	store := newMemStore()
	readEngine, err := NewBuilder().Passphrase("p").Salt(testSalt()).Store(store).Phase(Read).Progress(noopProgress{}).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	u, _ := urn.Parse("urn:provider:demo:x")
	readEngine.SetExecutedResource(u, &ExecutedResource{URN: u.String(), Change: Change{Kind: ChangeCreate}})

	applyEngine, err := NewBuilder().Passphrase("p").Salt(testSalt()).Store(store).Phase(Apply).
		Executed(readEngine.ExecutedResourceMap()).Progress(noopProgress{}).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if _, ok := applyEngine.ExecutedResource(u); !ok {
		t.Fatalf("expected Apply to retain Read's executed-resource map")
	}
}

func TestDropInvokesEveryProvider(t *testing.T) {
	store := newMemStore()
	e, err := NewBuilder().Passphrase("p").Salt(testSalt()).Store(store).Phase(Apply).Progress(noopProgress{}).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	p1 := &stubProvider{}
	p2 := &stubProvider{}
	e.RegisterProvider("one", p1)
	e.RegisterProvider("two", p2)

	if err := e.Drop(context.Background()); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if !p1.dropped || !p2.dropped {
		t.Fatalf("expected every registered provider to be dropped")
	}
}

func TestExecutedResourcesSortedByURN(t *testing.T) {
	store := newMemStore()
	e, err := NewBuilder().Passphrase("p").Salt(testSalt()).Store(store).Phase(Read).Progress(noopProgress{}).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ub, _ := urn.Parse("urn:provider:demo:b")
	ua, _ := urn.Parse("urn:provider:demo:a")
	e.SetExecutedResource(ub, &ExecutedResource{URN: ub.String()})
	e.SetExecutedResource(ua, &ExecutedResource{URN: ua.String()})

	got := e.ExecutedResources()
	if len(got) != 2 || got[0].URN != ua.String() || got[1].URN != ub.String() {
		t.Fatalf("expected URN-byte-order sort, got %+v", got)
	}
}
