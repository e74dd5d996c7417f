package plugin

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mashin-run/mashin/pkg/engine"
)

// Registry owns loaded provider plugins for one phase. It is the
// concrete implementation behind the script ops
// register_provider_allocate and register_provider_download.
type Registry struct {
	mu        sync.Mutex
	providers map[string]*Provider
	cfg       Config
}

// NewRegistry returns an empty Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Timeout == 0 {
		cfg = DefaultConfig()
	}
	return &Registry{providers: make(map[string]*Provider), cfg: cfg}
}

// Allocate implements register_provider_allocate: it loads wasmModule,
// calls mashin_new with config, and registers the resulting provider
// under name in e. Registering the same name twice drops the old
// registration's plugin handle without calling its drop symbol (matching
// the provider-set's "grows monotonically within a phase" invariant —
// re-registration is not expected mid-phase, but is not unsafe either).
func (r *Registry) Allocate(ctx context.Context, e *engine.Engine, name string, wasmModule []byte, config json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := Load(ctx, name, wasmModule, config, r.cfg)
	if err != nil {
		return err
	}

	r.providers[name] = p
	e.RegisterProvider(name, p)
	return nil
}

// RegisterAllOn re-registers every already-loaded provider onto e
// without reloading any WASM module. This lets a later phase (Destroy,
// which never re-runs the host script and so never calls
// register_provider_allocate again) reuse the providers a prior Read
// phase already instantiated.
func (r *Registry) RegisterAllOn(e *engine.Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, p := range r.providers {
		e.RegisterProvider(name, p)
	}
}

// Close drops and unloads every registered provider.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for name, p := range r.providers {
		if err := p.Drop(ctx); err != nil && first == nil {
			first = err
		}
		delete(r.providers, name)
	}
	return first
}
