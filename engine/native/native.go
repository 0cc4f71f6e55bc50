//go:build (darwin || linux) && (amd64 || arm64)

package native

import (
	"context"
	"reflect"
	"runtime"

	"github.com/ebitengine/purego"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/engine"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/memory"
)

// Engine opens shared libraries in the current process. All libraries share
// the process address space.
type Engine struct {
	space    *memory.Space
	calls    *xsync.MapOf[callKey, reflect.Value]
	libc     uintptr
	errnoLoc func() uintptr
}

type callKey struct {
	fn    uint64
	shape string
}

// New loads the C library and creates an engine.
func New(cfg *Config) (*Engine, error) {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.Libc == "" {
		c.Libc = defaultLibc
	}
	libc, err := purego.Dlopen(c.Libc, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, errors.Load("open "+c.Libc, err)
	}

	e := &Engine{
		calls: xsync.NewMapOf[callKey, reflect.Value](),
		libc:  libc,
	}
	alloc, err := newAllocator(libc)
	if err != nil {
		return nil, err
	}
	if _, err := purego.Dlsym(libc, errnoSymbol); err != nil {
		return nil, errors.Unresolved(errnoSymbol, err)
	}
	purego.RegisterLibFunc(&e.errnoLoc, libc, errnoSymbol)
	e.space = memory.NewSpace(processMemory{}, alloc, abi.Host(), c.Coordinator)
	return e, nil
}

// Space returns the process address space.
func (e *Engine) Space() *memory.Space {
	return e.space
}

// Open loads a shared library by name or path.
func (e *Engine) Open(_ context.Context, name string) (engine.Library, error) {
	handle, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, errors.Load("open "+name, err)
	}
	engine.Logger().Debug("native library loaded", zap.String("library", name))
	return &Library{engine: e, name: name, handle: handle}, nil
}

// Close releases the engine's handle on the C library.
func (e *Engine) Close() error {
	return purego.Dlclose(e.libc)
}

// Library is a shared library opened with dlopen.
type Library struct {
	engine *Engine
	name   string
	handle uintptr
}

func (l *Library) Name() string {
	return l.name
}

func (l *Library) Space() *memory.Space {
	return l.engine.space
}

// Lookup resolves symbol with dlsym.
func (l *Library) Lookup(symbol string) (uint64, error) {
	addr, err := purego.Dlsym(l.handle, symbol)
	if err != nil {
		return 0, errors.Unresolved(symbol, err)
	}
	return uint64(addr), nil
}

// Call invokes fn on the calling goroutine's OS thread and captures errno
// on that thread.
func (l *Library) Call(_ context.Context, fn uint64, req engine.Request) (abi.Result, error) {
	return l.engine.call(fn, req)
}

func (l *Library) NewStub(conv abi.CallingConvention, sig abi.Signature, slot *engine.Slot) (uint64, error) {
	return l.engine.newStub(conv, sig, slot)
}

// Close calls dlclose. Function addresses obtained from the library must
// not be called afterwards.
func (l *Library) Close(context.Context) error {
	return purego.Dlclose(l.handle)
}

func (e *Engine) errno() int {
	p := e.errnoLoc()
	if p == 0 {
		return 0
	}
	v, _ := processMemory{}.ReadU32(uint64(p))
	return int(int32(v))
}

func (e *Engine) clearErrno() {
	if p := e.errnoLoc(); p != 0 {
		processMemory{}.WriteU32(uint64(p), 0)
	}
}

func (e *Engine) call(fn uint64, req engine.Request) (abi.Result, error) {
	if fn == 0 {
		return abi.Result{}, errors.NilPointer(errors.PhaseInvoke, nil, "function pointer")
	}
	if req.Frame.Variadic() {
		if err := checkVariadic(req.Frame); err != nil {
			return abi.Result{}, err
		}
	}
	if err := checkAggregates(req); err != nil {
		return abi.Result{}, err
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if req.ClearErrno {
		e.clearErrno()
	}
	var res abi.Result
	if integral(req) {
		words := make([]uintptr, len(req.Frame.Args))
		for i, a := range req.Frame.Args {
			words[i] = uintptr(a.Word)
		}
		r1, _, _ := purego.SyscallN(uintptr(fn), words...)
		if !req.Ret.IsVoid() {
			res.Word = extend(req.Ret.Kind, uint64(r1))
		}
	} else {
		var err error
		res, err = e.callRegistered(fn, req)
		if err != nil {
			return abi.Result{}, err
		}
	}
	res.Errno = e.errno()
	return res, nil
}

// checkVariadic rejects variadic frames the platform convention cannot be
// met for.
func checkVariadic(f abi.Frame) error {
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return errors.Unsupported(errors.PhaseInvoke, "variadic calls on darwin/arm64")
	}
	for _, a := range f.Args[f.Fixed:] {
		if a.Type.Kind == abi.Struct || a.Type.Kind.IsFloat() {
			return errors.Unsupported(errors.PhaseInvoke, "variadic "+a.Type.String()+" argument")
		}
	}
	return nil
}

// structsByValue reports whether purego passes and returns structures by
// value on this platform. It does so on darwin only.
const structsByValue = runtime.GOOS == "darwin"

// checkAggregates rejects by-value structures where purego cannot pass them.
func checkAggregates(req engine.Request) error {
	if structsByValue {
		return nil
	}
	if req.Ret.Kind == abi.Struct {
		return errors.Unsupported(errors.PhaseInvoke, "structure return by value on "+runtime.GOOS)
	}
	for _, a := range req.Frame.Args {
		if a.Type.Kind == abi.Struct {
			return errors.Unsupported(errors.PhaseInvoke, "structure argument by value on "+runtime.GOOS)
		}
	}
	return nil
}

// maxSyscallArgs is the argument limit of purego.SyscallN.
const maxSyscallArgs = 15

// integral reports whether every value of the call fits a general purpose
// register.
func integral(req engine.Request) bool {
	if len(req.Frame.Args) > maxSyscallArgs {
		return false
	}
	if req.Ret.Kind == abi.Struct || req.Ret.Kind.IsFloat() {
		return false
	}
	for _, a := range req.Frame.Args {
		if a.Type.Kind == abi.Struct || a.Type.Kind.IsFloat() {
			return false
		}
	}
	return true
}

// extend widens a register value of kind k to an abi word.
func extend(k abi.Kind, v uint64) uint64 {
	switch k {
	case abi.Sint8:
		return uint64(int64(int8(v)))
	case abi.Sint16:
		return uint64(int64(int16(v)))
	case abi.Sint32:
		return uint64(int64(int32(v)))
	case abi.Uint8:
		return v & 0xff
	case abi.Uint16:
		return v & 0xffff
	case abi.Uint32:
		return v & 0xffffffff
	}
	return v
}

var (
	_ engine.Loader  = (*Engine)(nil)
	_ engine.Library = (*Library)(nil)
)
