package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

const hostModule = "greentic:host"

type wasmRuntime struct {
	r wazero.Runtime
}

func newWasmRuntime(ctx context.Context) (*wasmRuntime, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache := gate.cache; cache != nil {
		cfg = cfg.WithCompilationCache(cache)
	}
	r := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}

	i32 := api.ValueTypeI32
	_, err := r.NewHostModuleBuilder(hostModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(hostCall),
			[]api.ValueType{i32, i32, i32, i32, i32, i32},
			[]api.ValueType{api.ValueTypeI64}).
		WithParameterNames("iface_ptr", "iface_len", "fn_ptr", "fn_len", "in_ptr", "in_len").
		Export("call").
		Instantiate(ctx)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return &wasmRuntime{r: r}, nil
}

func (rt *wasmRuntime) compile(ctx context.Context, bin []byte) (wazero.CompiledModule, error) {
	compiled, err := rt.r.CompileModule(ctx, bin)
	if err != nil {
		return nil, err
	}
	exports := compiled.ExportedFunctions()
	for _, name := range []string{"alloc", "describe"} {
		if _, ok := exports[name]; !ok {
			_ = compiled.Close(ctx)
			return nil, fmt.Errorf("missing export %q", name)
		}
	}
	if len(compiled.ExportedMemories()) == 0 {
		_ = compiled.Close(ctx)
		return nil, errors.New("missing exported memory")
	}
	return compiled, nil
}

func (rt *wasmRuntime) close(ctx context.Context) error {
	return rt.r.Close(ctx)
}

// invocation carries the capabilities of one guest call to the host import.
type invocation struct {
	imports Imports

	mu      sync.Mutex
	hostErr error
}

func (inv *invocation) fail(err error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.hostErr == nil {
		inv.hostErr = err
	}
}

func (inv *invocation) err() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.hostErr
}

type invocationKey struct{}

// hostCall implements greentic:host.call.
func hostCall(ctx context.Context, m api.Module, stack []uint64) {
	inv, _ := ctx.Value(invocationKey{}).(*invocation)
	if inv == nil || inv.imports == nil {
		// describe, validate_config and healthcheck run with no capabilities.
		stack[0] = 0
		return
	}

	mem := m.Memory()
	iface, ok1 := mem.Read(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
	fn, ok2 := mem.Read(api.DecodeU32(stack[2]), api.DecodeU32(stack[3]))
	in, ok3 := mem.Read(api.DecodeU32(stack[4]), api.DecodeU32(stack[5]))
	if !ok1 || !ok2 || !ok3 {
		inv.fail(errors.New("host call arguments out of range"))
		stack[0] = 0
		return
	}

	out, err := inv.imports.Call(ctx, string(iface), string(fn), bytes.Clone(in))
	if err != nil {
		inv.fail(err)
		stack[0] = 0
		return
	}

	packed, err := writeGuest(ctx, m, out)
	if err != nil {
		inv.fail(err)
		stack[0] = 0
		return
	}
	stack[0] = packed
}

// writeGuest copies data into memory obtained from the guest's alloc.
func writeGuest(ctx context.Context, m api.Module, data []byte) (uint64, error) {
	alloc := m.ExportedFunction("alloc")
	if alloc == nil {
		return 0, errors.New("missing export \"alloc\"")
	}
	res, err := alloc.Call(ctx, api.EncodeU32(uint32(len(data))))
	if err != nil {
		return 0, fmt.Errorf("alloc: %w", err)
	}
	ptr := api.DecodeU32(res[0])
	if !m.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("alloc returned out of range offset %d", ptr)
	}
	return pack(ptr, uint32(len(data))), nil
}

func pack(ptr, size uint32) uint64 {
	return uint64(ptr)<<32 | uint64(size)
}

func unpack(v uint64) (ptr, size uint32) {
	return uint32(v >> 32), uint32(v)
}

func readGuest(m api.Module, packed uint64) ([]byte, error) {
	ptr, size := unpack(packed)
	data, ok := m.Memory().Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("output [%d,+%d) out of range", ptr, size)
	}
	return bytes.Clone(data), nil
}

// wasmGuest runs each call in a fresh instance of a compiled image.
type wasmGuest struct {
	rt       *wasmRuntime
	compiled wazero.CompiledModule
	locator  string
	logger   *slog.Logger
}

type wasmResult struct {
	OK  json.RawMessage `json:"ok"`
	Err *string         `json:"err"`
}

func (g *wasmGuest) Describe(ctx context.Context) ([]byte, error) {
	return g.run(ctx, nil, "describe", nil)
}

func (g *wasmGuest) ValidateConfig(ctx context.Context, config []byte) ([]byte, error) {
	return g.run(ctx, nil, "validate_config", [][]byte{config})
}

func (g *wasmGuest) Healthcheck(ctx context.Context) ([]byte, error) {
	return g.run(ctx, nil, "healthcheck", nil)
}

func (g *wasmGuest) Invoke(ctx context.Context, op Op, input []byte, imports Imports) ([]byte, error) {
	inv := &invocation{imports: imports}
	out, err := g.run(ctx, inv, "invoke", [][]byte{[]byte(op), input})

	// A failed host call the guest ignored still fails the invocation.
	if hostErr := inv.err(); hostErr != nil {
		if err != nil {
			hostErr = errors.Join(err, hostErr)
		}
		return nil, &Fault{Locator: g.locator, Op: string(op), Err: fmt.Errorf("host call failed: %w", hostErr)}
	}
	if err != nil {
		return nil, err
	}

	var res wasmResult
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, &Fault{Locator: g.locator, Op: string(op), Err: fmt.Errorf("decode invoke result: %w", err)}
	}
	if res.Err != nil {
		return nil, &ModuleError{Op: op, Message: *res.Err}
	}
	if len(res.OK) == 0 {
		return nil, &Fault{Locator: g.locator, Op: string(op), Err: errors.New("invoke result has neither ok nor err")}
	}
	return res.OK, nil
}

func (g *wasmGuest) Close(context.Context) error { return nil }

// run instantiates the image, copies args into guest memory, calls export
// and reads back the packed output.
func (g *wasmGuest) run(ctx context.Context, inv *invocation, export string, args [][]byte) ([]byte, error) {
	if inv != nil {
		ctx = context.WithValue(ctx, invocationKey{}, inv)
	}

	out := &logWriter{logger: g.logger, locator: g.locator}
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStdout(out).
		WithStderr(out).
		WithStartFunctions("_initialize")

	m, err := g.rt.r.InstantiateModule(ctx, g.compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate: %w", err)
	}
	defer m.Close(ctx)

	fn := m.ExportedFunction(export)
	if fn == nil {
		return nil, fmt.Errorf("missing export %q", export)
	}

	params := make([]uint64, 0, 2*len(args))
	for _, arg := range args {
		packed, err := writeGuest(ctx, m, arg)
		if err != nil {
			return nil, err
		}
		ptr, size := unpack(packed)
		params = append(params, api.EncodeU32(ptr), api.EncodeU32(size))
	}

	res, err := fn.Call(ctx, params...)
	if err != nil {
		return nil, fmt.Errorf("%s trapped: %w", export, err)
	}
	if len(res) != 1 {
		return nil, fmt.Errorf("%s returned %d values", export, len(res))
	}
	return readGuest(m, res[0])
}

// logWriter forwards guest stdout and stderr to the logger.
type logWriter struct {
	logger  *slog.Logger
	locator string
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if len(line) > 0 {
			w.logger.Debug("guest output", "locator", w.locator, "line", string(line))
		}
	}
	return len(p), nil
}
