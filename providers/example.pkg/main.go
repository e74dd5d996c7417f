// Command example.pkg is a minimal Mashin provider: it manages a single
// resource type, "note", whose state is nothing more than a string
// value. It exists to give the catalog and the three-symbol plugin ABI
// something real to load, not to be useful on its own.
//
// It is a standalone module deliberately: a provider plugin talks to the
// engine only across the WASM boundary's length-prefixed JSON buffers,
// so it has no business importing the engine's Go types.
package main

import (
	"encoding/binary"
	"encoding/json"
)

// arena is a bump allocator backing malloc/free. The plugin never frees
// anything it allocates for itself; the host only calls free on the
// input buffers it writes into this module, and mashin_run's own result
// buffer is never reclaimed until the module instance is dropped, per
// the host ABI's documented leak-by-design convention.
var arena = make([]byte, 0, 1<<20)

//go:wasmexport malloc
func malloc(size uint32) uint32 {
	start := len(arena)
	if start+int(size) > cap(arena) {
		grown := make([]byte, start, cap(arena)*2+int(size))
		copy(grown, arena)
		arena = grown
	}
	arena = arena[:start+int(size)]
	return uint32(start)
}

//go:wasmexport free
func free(ptr uint32) {
	// Bump allocator: individual frees are no-ops. The arena is
	// reclaimed wholesale when the WASM instance is closed.
	_ = ptr
}

func readArena(ptr, length uint32) []byte {
	return arena[ptr : ptr+length]
}

func writeResult(payload []byte) uint32 {
	ptr := malloc(uint32(4 + len(payload)))
	buf := readArena(ptr, uint32(4+len(payload)))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	return ptr
}

// noteConfig is the "note" resource's declared configuration.
type noteConfig struct {
	Value string `json:"value"`
}

// noteState is the "note" resource's persisted state: identical in
// shape to noteConfig, kept as a distinct type since state and
// configuration are conceptually different even when they coincide.
type noteState struct {
	Value string `json:"value"`
}

type provider struct {
	// notes tracks every resource this provider has created or read,
	// keyed by URN, since the module itself has no external storage of
	// its own (the engine's state store is the only durable record).
	notes map[string]noteState
}

var instance *provider

//go:wasmexport mashin_new
func mashinNew(loggerHandle uint64, configPtr, configLen uint32) uint64 {
	_ = loggerHandle
	_ = configPtr
	_ = configLen
	instance = &provider{notes: make(map[string]noteState)}
	return 1
}

type runArgs struct {
	Action      string          `json:"action"`
	URN         string          `json:"urn"`
	Config      json.RawMessage `json:"config"`
	PreviousRaw json.RawMessage `json:"previous_raw"`
}

//go:wasmexport mashin_run
func mashinRun(handle uint64, argsPtr, argsLen uint32) uint32 {
	_ = handle
	var args runArgs
	if err := json.Unmarshal(readArena(argsPtr, argsLen), &args); err != nil {
		return writeResult([]byte(`{"error":"malformed run arguments"}`))
	}

	switch args.Action {
	case "read":
		st, ok := instance.notes[args.URN]
		if !ok {
			return writeResult([]byte(`null`))
		}
		out, _ := json.Marshal(st)
		return writeResult(out)

	case "create", "update":
		var cfg noteConfig
		if len(args.Config) > 0 {
			json.Unmarshal(args.Config, &cfg)
		}
		st := noteState{Value: cfg.Value}
		instance.notes[args.URN] = st
		out, _ := json.Marshal(st)
		return writeResult(out)

	case "delete":
		delete(instance.notes, args.URN)
		return writeResult([]byte(`null`))

	default:
		return writeResult([]byte(`{"error":"unknown action"}`))
	}
}

//go:wasmexport mashin_drop
func mashinDrop(handle uint64) {
	_ = handle
	instance = nil
}

func main() {}
