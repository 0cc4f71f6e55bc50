package runtime

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/wippyai/ffi-runtime/engine"
	"github.com/wippyai/ffi-runtime/errors"
)

// Runtime opens libraries through one loader and shares them by name.
type Runtime struct {
	loader engine.Loader
	opts   []Option
	libs   map[string]*Library
	closed bool
	mu     sync.Mutex
}

// New creates a runtime whose libraries use opts.
func New(loader engine.Loader, opts ...Option) *Runtime {
	return &Runtime{
		loader: loader,
		opts:   opts,
		libs:   make(map[string]*Library),
	}
}

// Load returns the library name, opening it on first use. Later calls
// return the same Library.
func (r *Runtime) Load(ctx context.Context, name string) (*Library, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.Closed(errors.PhaseLoad, "runtime")
	}
	if lib, ok := r.libs[name]; ok {
		return lib, nil
	}
	lib, err := Open(ctx, r.loader, name, r.opts...)
	if err != nil {
		return nil, err
	}
	r.libs[name] = lib
	return lib, nil
}

// Close closes every library opened by the runtime.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	libs := r.libs
	r.libs = make(map[string]*Library)
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, lib := range libs {
		if err := lib.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
