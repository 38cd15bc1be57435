// Package plugin hosts user-supplied WASM modules as runtime closure
// handlers: arbitrary logic that may call out and is not replayable,
// sandboxing them with github.com/tetratelabs/wazero the same
// way github.com/ncruces/go-sqlite3 embeds its own SQLite engine as a
// wazero guest.
//
// Guest ABI: a module exports alloc(size uint32) uint32 and
// run_closure(state_ptr, state_len, args_ptr, args_len uint32) uint64,
// where the input and the packed (ptr<<32|len) result are both a
// JSON-encoded map[string]types.Value field bag (input) and a JSON-encoded
// closure result (output).
package plugin

import (
	"context"
	"encoding/json"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/ionvault/persist/internal/perr"
	"github.com/ionvault/persist/internal/types"
)

// Host owns the wazero runtime shared by every loaded module.
type Host struct {
	ctx     context.Context
	runtime wazero.Runtime
}

// NewHost constructs a Host with a fresh wazero runtime and WASI preview1
// imports instantiated, ready to compile guest modules.
func NewHost(ctx context.Context) (*Host, error) {
	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, perr.Internalf("failed to instantiate WASI preview1: %v", err)
	}
	return &Host{ctx: ctx, runtime: rt}, nil
}

// Close tears down the wazero runtime and every module instantiated from
// it.
func (h *Host) Close() error {
	return h.runtime.Close(h.ctx)
}

// Module is one loaded, instantiated guest exposing a single run_closure
// export, bound to one entity type's runtime closure handler.
type Module struct {
	host  *Host
	mod   api.Module
	run   api.Function
	alloc api.Function
}

// Load compiles and instantiates wasmBytes, binding its exported
// alloc/run_closure functions.
func (h *Host) Load(wasmBytes []byte) (*Module, error) {
	compiled, err := h.runtime.CompileModule(h.ctx, wasmBytes)
	if err != nil {
		return nil, perr.Internalf("failed to compile wasm module: %v", err)
	}
	instance, err := h.runtime.InstantiateModule(h.ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		return nil, perr.Internalf("failed to instantiate wasm module: %v", err)
	}

	run := instance.ExportedFunction("run_closure")
	if run == nil {
		_ = instance.Close(h.ctx)
		return nil, perr.Validationf("missing-export", "wasm module has no run_closure export")
	}
	alloc := instance.ExportedFunction("alloc")
	if alloc == nil {
		_ = instance.Close(h.ctx)
		return nil, perr.Validationf("missing-export", "wasm module has no alloc export")
	}

	return &Module{host: h, mod: instance, run: run, alloc: alloc}, nil
}

// Close releases the module's guest instance.
func (m *Module) Close() error {
	return m.mod.Close(m.host.ctx)
}

// Invoke runs the guest's run_closure against state's field bag and args,
// returning the decoded JSON result.
func (m *Module) Invoke(ctx context.Context, state types.State, args json.RawMessage) (any, error) {
	statePayload, err := json.Marshal(state.Fields)
	if err != nil {
		return nil, perr.Internalf("failed to marshal state for wasm closure: %v", err)
	}

	statePtr, stateLen, err := m.writeBuffer(ctx, statePayload)
	if err != nil {
		return nil, err
	}
	argsPtr, argsLen, err := m.writeBuffer(ctx, args)
	if err != nil {
		return nil, err
	}

	packed, err := m.run.Call(ctx, uint64(statePtr), uint64(stateLen), uint64(argsPtr), uint64(argsLen))
	if err != nil {
		return nil, perr.Validationf("closure-trap", "wasm closure trapped: %v", err)
	}
	if len(packed) != 1 {
		return nil, perr.Internalf("wasm closure returned %d values, expected 1", len(packed))
	}

	resultPtr := uint32(packed[0] >> 32)
	resultLen := uint32(packed[0])
	resultBytes, ok := m.mod.Memory().Read(resultPtr, resultLen)
	if !ok {
		return nil, perr.Internalf("wasm closure result out of bounds (ptr=%d len=%d)", resultPtr, resultLen)
	}

	var result any
	if err := json.Unmarshal(resultBytes, &result); err != nil {
		return nil, perr.Internalf("failed to decode wasm closure result: %v", err)
	}
	return result, nil
}

func (m *Module) writeBuffer(ctx context.Context, data []byte) (uint32, uint32, error) {
	results, err := m.alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, 0, perr.Internalf("wasm alloc failed: %v", err)
	}
	ptr := uint32(results[0])
	if !m.mod.Memory().Write(ptr, data) {
		return 0, 0, perr.Internalf("failed to write %d bytes into guest memory at %d", len(data), ptr)
	}
	return ptr, uint32(len(data)), nil
}
