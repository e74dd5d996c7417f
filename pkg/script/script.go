// Package script hosts the user's infrastructure module inside an
// embedded JavaScript runtime (github.com/dop251/goja) and exposes the
// engine's fixed five-operation surface as plain global functions:
// register_provider_download, register_provider_allocate,
// resource_execute, get_env, and print. A fresh goja.Runtime is created
// per phase for isolation, mirroring how one script source is re-run
// once per Prepare/Read/Apply phase.
package script

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dop251/goja"
	"github.com/go-playground/validator/v10"

	"github.com/mashin-run/mashin/pkg/engine"
	"github.com/mashin-run/mashin/pkg/planner"
	"github.com/mashin-run/mashin/pkg/urn"
)

// EnvKeyRequest validates a get_env key per spec.md §4.I: non-empty, no
// '=', no NUL byte (the two characters a POSIX environment cannot carry
// in a variable name).
type EnvKeyRequest struct {
	Key string `validate:"required,envkey"`
}

// envKeyValidate registers "envkey" as a custom rule rather than
// spelling the NUL byte out in a backtick tag string, which can only
// ever carry the literal characters '\', 'x', '0' — never the byte
// itself.
var envKeyValidate = newEnvKeyValidator()

func newEnvKeyValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("envkey", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return !strings.ContainsRune(s, '=') && !strings.ContainsRune(s, 0)
	}); err != nil {
		panic(err)
	}
	return v
}

// Downloader implements register_provider_download: it fetches url,
// caching it under source, and returns a local path to the cached
// artifact.
type Downloader interface {
	Download(ctx context.Context, source, url string) (path string, err error)
}

// ProviderLoader implements register_provider_allocate: it loads the
// WASM module at a local path, calls its new() with config, and
// registers the result under name in e.
type ProviderLoader interface {
	Allocate(ctx context.Context, e *engine.Engine, name string, wasmModule []byte, config json.RawMessage) error
}

// Runtime compiles and runs one module source against an engine,
// dispatching the five host ops. It holds no state across Run calls.
type Runtime struct {
	downloader Downloader
	loader     ProviderLoader
	readModule func(path string) ([]byte, error)
}

// New returns a Runtime bound to the given collaborators.
func New(downloader Downloader, loader ProviderLoader) *Runtime {
	return &Runtime{downloader: downloader, loader: loader, readModule: os.ReadFile}
}

// Run compiles and executes source once against e, to completion. Any
// op error aborts the script and is returned as-is (preserving its
// engine.Kind), matching the propagation policy of an engine error
// surfacing with the offending URN or provider name intact.
func (r *Runtime) Run(ctx context.Context, e *engine.Engine, source string) error {
	vm := goja.New()
	run := &scriptRun{rt: r, vm: vm, e: e, ctx: ctx}
	run.bind()

	if _, err := vm.RunString(source); err != nil {
		if run.opErr != nil {
			return run.opErr
		}
		return fmt.Errorf("script execution failed: %w", err)
	}
	return nil
}

// scriptRun is the per-invocation binding state: it threads ctx and e
// into the five host functions and captures the first op error so Run
// can return it with its original engine.Kind intact (a goja panic
// otherwise only round-trips a string through the JS exception).
type scriptRun struct {
	rt    *Runtime
	vm    *goja.Runtime
	e     *engine.Engine
	ctx   context.Context
	opErr error
}

func (s *scriptRun) bind() {
	_ = s.vm.Set("register_provider_download", s.registerProviderDownload)
	_ = s.vm.Set("register_provider_allocate", s.registerProviderAllocate)
	_ = s.vm.Set("resource_execute", s.resourceExecute)
	_ = s.vm.Set("get_env", s.getEnv)
	_ = s.vm.Set("print", s.print)
}

// fail records err and throws it into the JS runtime so script
// execution stops at the point of the call.
func (s *scriptRun) fail(err error) {
	s.opErr = err
	panic(s.vm.ToValue(err.Error()))
}

func (s *scriptRun) registerProviderDownload(source, url string) string {
	if s.rt.downloader == nil {
		s.fail(fmt.Errorf("register_provider_download: no downloader configured"))
	}
	path, err := s.rt.downloader.Download(s.ctx, source, url)
	if err != nil {
		s.fail(fmt.Errorf("downloading provider %q: %w", source, err))
	}
	return path
}

// registerProviderAllocate loads the WASM module at path and registers
// it under name. symbols is accepted for ABI-shape fidelity with the
// op's original signature but is unused: this port's plugin contract is
// a fixed three-symbol ABI (see pkg/plugin), so there is nothing to
// describe per-call.
func (s *scriptRun) registerProviderAllocate(name, path string, symbols goja.Value, config goja.Value) {
	if s.rt.loader == nil {
		s.fail(fmt.Errorf("register_provider_allocate: no provider loader configured"))
	}
	wasmModule, err := s.rt.readModule(path)
	if err != nil {
		s.fail(engine.Wrap(engine.PluginLoadFailed, "reading provider module", err).WithProvider(name))
	}

	configJSON, err := s.exportJSON(config)
	if err != nil {
		s.fail(fmt.Errorf("register_provider_allocate: marshalling config: %w", err))
	}

	if err := s.rt.loader.Allocate(s.ctx, s.e, name, wasmModule, configJSON); err != nil {
		s.fail(err)
	}
}

func (s *scriptRun) resourceExecute(rawURN string, config goja.Value) goja.Value {
	if s.e.Phase() == engine.Prepare {
		s.e.IncrementResourcesCount()
		return s.vm.ToValue(map[string]interface{}{})
	}

	u, err := urn.Parse(rawURN)
	if err != nil {
		s.fail(err)
	}

	configJSON, err := s.exportJSON(config)
	if err != nil {
		s.fail(fmt.Errorf("resource_execute: marshalling config: %w", err))
	}

	result, err := planner.Plan(s.ctx, s.e, u, configJSON)
	if err != nil {
		s.fail(err)
	}
	return s.importJSON(result.Folded)
}

// exportJSON converts a JS value (typically a plain object literal) into
// its JSON encoding, the wire shape every op below this boundary deals
// in.
func (s *scriptRun) exportJSON(v goja.Value) (json.RawMessage, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return json.RawMessage("null"), nil
	}
	b, err := json.Marshal(v.Export())
	if err != nil {
		return nil, err
	}
	return b, nil
}

// importJSON converts a JSON payload back into a JS value the script
// can read directly as a plain object.
func (s *scriptRun) importJSON(raw json.RawMessage) goja.Value {
	if len(raw) == 0 {
		return goja.Undefined()
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		s.fail(fmt.Errorf("decoding plugin result: %w", err))
	}
	return s.vm.ToValue(v)
}

func (s *scriptRun) getEnv(key string) interface{} {
	if err := envKeyValidate.Struct(EnvKeyRequest{Key: key}); err != nil {
		s.fail(engine.New(engine.InvalidKey, fmt.Sprintf("rejected environment variable key %q", key)))
	}
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	return v
}

func (s *scriptRun) print(msg string, isErr bool) {
	line := msg
	if isErr {
		line = "error: " + msg
	}
	s.e.Progress().Println(line)
}
