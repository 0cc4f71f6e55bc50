package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental/table"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/engine"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/memory"
)

// exportBase is the first address handed out for exported functions.
// Smaller addresses are indices into the module's function table, which is
// what function pointers are on wasm32.
const exportBase = 0xFFFF0000

const wasiModule = "wasi_snapshot_preview1"

// Library is a wasm32 module loaded as a native library. Calls into the
// module are serialized; while native code waits on a callback the library
// is unlocked so that the callback can call back in.
type Library struct {
	runtime  wazero.Runtime
	module   api.Module
	mem      api.Memory
	mallocFn api.Function
	freeFn   api.Function
	space    *memory.Space
	cfg      Config
	name     string
	exports  []string
	exportIx map[string]int
	tramps   []*trampoline
	errno    uint32
	mu       sync.Mutex
	closed   bool
}

// Load instantiates wasm as a library named name.
func (e *Engine) Load(ctx context.Context, name string, wasm []byte) (*Library, error) {
	rcfg := wazero.NewRuntimeConfig().WithCompilationCache(e.cache)
	if e.cfg.MemoryLimitPages > 0 {
		rcfg = rcfg.WithMemoryLimitPages(e.cfg.MemoryLimitPages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rcfg)

	lib, err := load(ctx, r, e.cfg, name, wasm)
	if err != nil {
		r.Close(ctx)
		return nil, err
	}
	engine.Logger().Debug("sandbox library loaded",
		zap.String("library", name),
		zap.Int("exports", len(lib.exports)),
		zap.Int("trampolines", len(lib.tramps)))
	return lib, nil
}

func load(ctx context.Context, r wazero.Runtime, cfg Config, name string, wasm []byte) (*Library, error) {
	compiled, err := r.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.Load("compile "+name, err)
	}

	lib := &Library{runtime: r, cfg: cfg, name: name}

	needWASI := false
	host := r.NewHostModuleBuilder(cfg.TrampolineModule)
	for _, def := range compiled.ImportedFunctions() {
		module, field, _ := def.Import()
		switch module {
		case wasiModule:
			needWASI = true
		case cfg.TrampolineModule:
			t, err := newTrampoline(lib, field, def)
			if err != nil {
				return nil, err
			}
			lib.tramps = append(lib.tramps, t)
			host.NewFunctionBuilder().
				WithGoModuleFunction(api.GoModuleFunc(t.call), def.ParamTypes(), def.ResultTypes()).
				Export(field)
		default:
			return nil, errors.Load(fmt.Sprintf("%s imports %s.%s, which no host provides", name, module, field), nil)
		}
	}
	if len(lib.tramps) > 0 {
		if _, err := host.Instantiate(ctx); err != nil {
			return nil, errors.Load("instantiate trampolines", err)
		}
	}
	if needWASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
			return nil, errors.Load("instantiate WASI", err)
		}
	}

	mod, err := r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions("_initialize"))
	if err != nil {
		return nil, errors.Load("instantiate "+name, err)
	}
	lib.module = mod
	lib.mem = mod.Memory()
	if lib.mem == nil {
		return nil, errors.Load(name+" exports no memory", nil)
	}
	lib.mallocFn = mod.ExportedFunction(cfg.Malloc)
	lib.freeFn = mod.ExportedFunction(cfg.Free)

	defs := mod.ExportedFunctionDefinitions()
	lib.exports = make([]string, 0, len(defs))
	for export := range defs {
		lib.exports = append(lib.exports, export)
	}
	sort.Strings(lib.exports)
	lib.exportIx = make(map[string]int, len(lib.exports))
	for i, export := range lib.exports {
		lib.exportIx[export] = i
	}

	if fn := mod.ExportedFunction(cfg.ErrnoLocation); fn != nil {
		res, err := fn.Call(ctx)
		if err != nil || len(res) == 0 {
			return nil, errors.Load("locate errno", err)
		}
		lib.errno = uint32(res[0])
	}
	if err := lib.locateTrampolines(ctx); err != nil {
		return nil, err
	}

	lib.space = memory.NewSpace(&Memory{mem: lib.mem}, allocator{lib: lib}, abi.Wasm32, cfg.Coordinator)
	return lib, nil
}

func (l *Library) Name() string {
	return l.name
}

// Space returns the library's linear memory as an address space.
func (l *Library) Space() *memory.Space {
	return l.space
}

// Lookup resolves an exported function to an address usable with Call.
func (l *Library) Lookup(symbol string) (uint64, error) {
	i, ok := l.exportIx[symbol]
	if !ok {
		return 0, errors.Unresolved(symbol, fmt.Errorf("%s does not export %q", l.name, symbol))
	}
	return exportBase + uint64(i), nil
}

// Errno returns the address of the library's errno, or 0 when the library
// does not export one.
func (l *Library) Errno() uint64 {
	return uint64(l.errno)
}

// Call invokes the function at fn.
func (l *Library) Call(ctx context.Context, fn uint64, req engine.Request) (abi.Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return abi.Result{}, errors.Closed(errors.PhaseInvoke, "library "+l.name)
	}

	f, err := l.lower(ctx, req)
	defer l.release(ctx, f)
	if err != nil {
		return abi.Result{}, err
	}

	target, symbol, err := l.function(fn, f)
	if err != nil {
		return abi.Result{}, err
	}

	if req.ClearErrno && l.errno != 0 {
		l.mem.WriteUint32Le(l.errno, 0)
	}
	values, err := target.Call(ctx, f.params...)
	if err != nil {
		return abi.Result{}, errors.New(errors.PhaseNative, errors.KindPanic).
			Symbol(symbol).
			Detail("native code trapped").
			Cause(err).
			Build()
	}

	res, err := l.raise(f, req.Ret, values)
	if err != nil {
		return abi.Result{}, err
	}
	if l.errno != 0 {
		code, _ := l.mem.ReadUint32Le(l.errno)
		res.Errno = int(int32(code))
	}
	return res, nil
}

// function resolves a call target and checks it against the lowered frame.
func (l *Library) function(fn uint64, f *frame) (api.Function, string, error) {
	if fn >= exportBase && fn-exportBase < uint64(len(l.exports)) {
		symbol := l.exports[fn-exportBase]
		target := l.module.ExportedFunction(symbol)
		def := target.Definition()
		if !sameTypes(def.ParamTypes(), f.types) || !sameTypes(def.ResultTypes(), f.results) {
			return nil, symbol, errors.New(errors.PhaseInvoke, errors.KindTypeMismatch).
				Symbol(symbol).
				Detail("native function has type %s, call passes %s",
					typeString(def.ParamTypes(), def.ResultTypes()), typeString(f.types, f.results)).
				Build()
		}
		return target, symbol, nil
	}
	symbol := fmt.Sprintf("%#x", fn)
	if fn == 0 {
		return nil, symbol, errors.NilPointer(errors.PhaseInvoke, nil, "function pointer")
	}
	if fn >= exportBase {
		return nil, symbol, errors.NotFound(errors.PhaseInvoke, "function", symbol)
	}
	target, err := lookupTable(l.module, uint32(fn), f.types, f.results)
	if err != nil {
		return nil, symbol, errors.New(errors.PhaseInvoke, errors.KindNotFound).
			Symbol(symbol).
			Detail("no function of type %s at table index %d", typeString(f.types, f.results), fn).
			Cause(err).
			Build()
	}
	return target, symbol, nil
}

func lookupTable(m api.Module, index uint32, params, results []api.ValueType) (fn api.Function, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return table.LookupFunction(m, 0, index, params, results), nil
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func typeString(params, results []api.ValueType) string {
	name := func(ts []api.ValueType) string {
		s := "("
		for i, t := range ts {
			if i > 0 {
				s += ","
			}
			s += api.ValueTypeName(t)
		}
		return s + ")"
	}
	return name(params) + "->" + name(results)
}

// Close releases the module. Blocks still allocated in its memory become
// inert: freeing them is a no-op.
func (l *Library) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for _, t := range l.tramps {
		t.slot.Store(nil)
	}
	return l.runtime.Close(ctx)
}

var _ engine.Library = (*Library)(nil)
