package runtime

import (
	"context"
	"reflect"
	"strconv"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/callback"
	"github.com/wippyai/ffi-runtime/engine"
	"github.com/wippyai/ffi-runtime/memory"
	"github.com/wippyai/ffi-runtime/transcoder"
)

// Library is a native library with the conversion settings used for calls
// into it. It is safe for concurrent use.
type Library struct {
	native    engine.Library
	codec     *transcoder.Codec
	callbacks *callback.Manager
	objects   *transcoder.ObjectTable
	opts      Options
	functions *xsync.MapOf[funcKey, *Function]

	// held for every call when Options.Synchronized is set
	monitor   *monitor
	closeOnce sync.Once
	closeErr  error
}

// Open loads the library name through loader.
func Open(ctx context.Context, loader engine.Loader, name string, opts ...Option) (*Library, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	native, err := loader.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return attach(native, o)
}

// Attach wraps a library already opened by an engine. Closing the returned
// Library closes native.
func Attach(native engine.Library, opts ...Option) (*Library, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return attach(native, o)
}

func attach(native engine.Library, o Options) (*Library, error) {
	cs, err := o.charset()
	if err != nil {
		return nil, err
	}
	l := &Library{
		native:    native,
		objects:   transcoder.NewObjectTable(),
		opts:      o,
		functions: xsync.NewMapOf[funcKey, *Function](),
		monitor:   newMonitor(),
	}
	l.callbacks = callback.NewManager(native, callback.Config{
		Convention: o.Convention,
		Handler:    o.CallbackHandler,
		Threads:    o.Threads,
		Policy:     o.ThreadPolicy,
		Proxy:      l.proxy,
	})
	l.codec = transcoder.NewCodec(native.Space(), transcoder.Scope{
		Mapper:       o.TypeMapper,
		Charset:      cs,
		Callbacks:    l.callbacks,
		Objects:      l.objects,
		Rule:         o.Alignment,
		AllowObjects: o.AllowObjects,
	})
	Logger().Debug("library attached",
		zap.String("library", native.Name()),
		zap.Stringer("alignment", o.Alignment),
		zap.Stringer("convention", o.Convention))
	return l, nil
}

func (l *Library) Name() string {
	return l.native.Name()
}

// Native returns the engine library.
func (l *Library) Native() engine.Library {
	return l.native
}

// Codec converts values with the library's settings.
func (l *Library) Codec() *transcoder.Codec {
	return l.codec
}

// Callbacks returns the manager of the library's callback entry points.
func (l *Library) Callbacks() *callback.Manager {
	return l.callbacks
}

func (l *Library) Space() *memory.Space {
	return l.native.Space()
}

func (l *Library) Options() Options {
	return l.opts
}

// Objects returns the table of Go values passed to native code as handles.
func (l *Library) Objects() *transcoder.ObjectTable {
	return l.objects
}

// Function returns the exported function symbol. The symbol is resolved
// on first use; a missing symbol fails that call with a link error.
func (l *Library) Function(symbol string) *Function {
	return l.function(symbol, l.opts.Convention)
}

// FunctionWith is Function with a calling convention other than the
// library default.
func (l *Library) FunctionWith(symbol string, conv abi.CallingConvention) *Function {
	return l.function(symbol, conv)
}

type funcKey struct {
	symbol string
	conv   abi.CallingConvention
}

func (l *Library) function(symbol string, conv abi.CallingConvention) *Function {
	fn, _ := l.functions.LoadOrCompute(funcKey{symbol, conv}, func() *Function {
		return &Function{lib: l, name: symbol, conv: conv}
	})
	return fn
}

// FunctionAt returns a function for a native function pointer.
func (l *Library) FunctionAt(addr uint64) *Function {
	fn := &Function{lib: l, name: "0x" + strconv.FormatUint(addr, 16), conv: l.opts.Convention, addr: addr}
	fn.link.Do(func() {})
	return fn
}

// NewStruct allocates a zeroed native instance of v's type, which must be
// a pointer to a struct, and returns a handle bound to v.
func (l *Library) NewStruct(v any) (*transcoder.Struct, error) {
	return transcoder.NewStruct(l.codec, v)
}

// proxy turns foreign function pointers read from native memory into Go
// functions of type t.
func (l *Library) proxy(_ *transcoder.Codec, addr uint64, t reflect.Type) (reflect.Value, error) {
	sig, err := describe(t, "0x"+strconv.FormatUint(addr, 16))
	if err != nil {
		return reflect.Value{}, err
	}
	return sig.bind(l.FunctionAt(addr)), nil
}

// Close releases the library's callbacks and closes the native library.
func (l *Library) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.callbacks.Close()
		l.closeErr = l.native.Close(ctx)
	})
	return l.closeErr
}
