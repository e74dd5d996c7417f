// Package plugin hosts Mashin provider plugins: WASM modules exposing
// exactly three ABI symbols, mashin_new/mashin_run/mashin_drop, called
// through github.com/tetratelabs/wazero. It implements engine.Provider.
package plugin

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"encoding/json"

	"github.com/mashin-run/mashin/pkg/engine"
	"github.com/mashin-run/mashin/pkg/urn"
)

const (
	symbolNew  = "mashin_new"
	symbolRun  = "mashin_run"
	symbolDrop = "mashin_drop"
)

// Config configures a loaded Provider instance.
type Config struct {
	// Timeout bounds every individual ABI call.
	Timeout time.Duration
	// MemoryLimitPages caps the module's linear memory (64KiB pages).
	MemoryLimitPages uint32
}

// DefaultConfig returns sane defaults, mirroring the host provider's own
// conservative bounds.
func DefaultConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		MemoryLimitPages: 256, // 16MB
	}
}

// Provider is a loaded WASM-hosted Mashin provider plugin, implementing
// engine.Provider.
type Provider struct {
	name string

	runtime wazero.Runtime
	module  api.Module

	malloc api.Function
	free   api.Function

	fnNew  api.Function
	fnRun  api.Function
	fnDrop api.Function

	handle  uint64 // provider_handle returned by mashin_new
	timeout time.Duration
}

var _ engine.Provider = (*Provider)(nil)

// Load compiles and instantiates wasmModule, binds its three exported
// ABI symbols, and calls mashin_new with config to obtain a provider
// handle.
func Load(ctx context.Context, name string, wasmModule []byte, config json.RawMessage, cfg Config) (*Provider, error) {
	if cfg.Timeout == 0 {
		cfg = DefaultConfig()
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, engine.Wrap(engine.PluginLoadFailed, "instantiating WASI", err).WithProvider(name)
	}

	module, err := runtime.Instantiate(ctx, wasmModule)
	if err != nil {
		runtime.Close(ctx)
		return nil, engine.Wrap(engine.PluginLoadFailed, "instantiating WASM module", err).WithProvider(name)
	}

	p := &Provider{name: name, runtime: runtime, module: module, timeout: cfg.Timeout}

	if p.malloc = module.ExportedFunction("malloc"); p.malloc == nil {
		return nil, p.incompatible("malloc")
	}
	if p.free = module.ExportedFunction("free"); p.free == nil {
		return nil, p.incompatible("free")
	}
	if p.fnNew = module.ExportedFunction(symbolNew); p.fnNew == nil {
		return nil, p.incompatible(symbolNew)
	}
	if p.fnRun = module.ExportedFunction(symbolRun); p.fnRun == nil {
		return nil, p.incompatible(symbolRun)
	}
	if p.fnDrop = module.ExportedFunction(symbolDrop); p.fnDrop == nil {
		return nil, p.incompatible(symbolDrop)
	}

	handle, err := p.callNew(ctx, config)
	if err != nil {
		return nil, err
	}
	p.handle = handle

	return p, nil
}

func (p *Provider) incompatible(symbol string) error {
	p.runtime.Close(context.Background())
	return engine.New(engine.PluginIncompatible, fmt.Sprintf("missing required export %q", symbol)).WithProvider(p.name)
}

// callNew invokes mashin_new(logger_handle, config_ptr, config_len) and
// returns the provider_handle. A constant logger handle of 0 is passed:
// this port does not give plugins a boxed logger handle (see the
// grounding ledger for the ambient-logging rationale); the argument slot
// is still present so the ABI shape matches spec exactly.
func (p *Provider) callNew(ctx context.Context, config json.RawMessage) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ptr, length, err := p.writeInput(ctx, config)
	if err != nil {
		return 0, engine.Wrap(engine.PluginCrashed, "writing new() config", err).WithProvider(p.name)
	}
	defer p.deallocate(ctx, ptr)

	results, err := p.fnNew.Call(ctx, 0, uint64(ptr), uint64(length))
	if err != nil {
		return 0, engine.Wrap(engine.PluginCrashed, "mashin_new trapped", err).WithProvider(p.name)
	}
	if len(results) == 0 {
		return 0, engine.New(engine.PluginCrashed, "mashin_new returned no result").WithProvider(p.name)
	}
	return results[0], nil
}

// Run implements engine.Provider by marshalling {action, urn, config,
// previous_raw} and invoking mashin_run(provider_handle, args_ptr,
// args_len). The result buffer's first 4 bytes are a big-endian length
// followed by that many bytes of JSON; per spec this buffer is never
// deallocated by the engine (the plugin intentionally leaks it until its
// own arena is reclaimed at drop).
func (p *Provider) Run(ctx context.Context, action engine.Action, u urn.URN, config, previousRaw json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := struct {
		Action      engine.Action   `json:"action"`
		URN         string          `json:"urn"`
		Config      json.RawMessage `json:"config"`
		PreviousRaw json.RawMessage `json:"previous_raw"`
	}{Action: action, URN: u.String(), Config: config, PreviousRaw: previousRaw}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, engine.Wrap(engine.PluginCrashed, "marshalling run() args", err).WithProvider(p.name).WithResource(u.String())
	}

	ptr, length, err := p.writeInput(ctx, argsJSON)
	if err != nil {
		return nil, engine.Wrap(engine.PluginCrashed, "writing run() args", err).WithProvider(p.name).WithResource(u.String())
	}
	defer p.deallocate(ctx, ptr)

	results, err := p.fnRun.Call(ctx, p.handle, uint64(ptr), uint64(length))
	if err != nil {
		return nil, engine.Wrap(engine.PluginCrashed, "mashin_run trapped", err).WithProvider(p.name).WithResource(u.String())
	}
	if len(results) == 0 {
		return nil, engine.New(engine.PluginCrashed, "mashin_run returned no result").WithProvider(p.name).WithResource(u.String())
	}

	resultPtr := uint32(results[0])
	if resultPtr == 0 {
		return json.RawMessage("null"), nil
	}

	header, ok := p.module.Memory().Read(resultPtr, 4)
	if !ok {
		return nil, engine.New(engine.PluginCrashed, "could not read run() result length header").WithProvider(p.name).WithResource(u.String())
	}
	payloadLen := binary.BigEndian.Uint32(header)

	payload, ok := p.module.Memory().Read(resultPtr+4, payloadLen)
	if !ok {
		return nil, engine.New(engine.PluginCrashed, "could not read run() result payload").WithProvider(p.name).WithResource(u.String())
	}

	// Copy out of WASM linear memory via the shared wire-format parser;
	// the source buffer itself is intentionally never freed (see doc
	// comment above).
	out, err := parseLengthPrefixed(append(header, payload...))
	if err != nil {
		return nil, engine.Wrap(engine.PluginCrashed, "parsing run() result", err).WithProvider(p.name).WithResource(u.String())
	}
	return out, nil
}

// parseLengthPrefixed decodes the run() result wire format: a 4-byte
// big-endian length followed by that many bytes of JSON.
func parseLengthPrefixed(buf []byte) (json.RawMessage, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("buffer too short for length header: %d bytes", len(buf))
	}
	n := binary.BigEndian.Uint32(buf[:4])
	if uint32(len(buf)-4) < n {
		return nil, fmt.Errorf("buffer truncated: header declares %d bytes, have %d", n, len(buf)-4)
	}
	out := make([]byte, n)
	copy(out, buf[4:4+n])
	return out, nil
}

// Drop implements engine.Provider by calling mashin_drop(provider_handle)
// exactly once, then closing the module and runtime.
func (p *Provider) Drop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.fnDrop.Call(ctx, p.handle)
	closeErr := p.runtime.Close(context.Background())

	if err != nil {
		return engine.Wrap(engine.PluginCrashed, "mashin_drop trapped", err).WithProvider(p.name)
	}
	return closeErr
}

// writeInput allocates WASM memory via malloc, writes input into it, and
// returns the pointer and length. The caller is responsible for freeing
// the pointer with deallocate once the call using it has returned (input
// buffers are owned by the caller for the call's duration only).
func (p *Provider) writeInput(ctx context.Context, input []byte) (uint32, uint32, error) {
	if len(input) == 0 {
		return 0, 0, nil
	}

	results, err := p.malloc.Call(ctx, uint64(len(input)))
	if err != nil {
		return 0, 0, fmt.Errorf("malloc: %w", err)
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, 0, fmt.Errorf("malloc returned null pointer")
	}

	if !p.module.Memory().Write(ptr, input) {
		return 0, 0, fmt.Errorf("writing input to WASM memory")
	}
	return ptr, uint32(len(input)), nil
}

func (p *Provider) deallocate(ctx context.Context, ptr uint32) {
	if ptr == 0 {
		return
	}
	_, _ = p.free.Call(ctx, uint64(ptr))
}
