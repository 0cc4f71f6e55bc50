package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/tetratelabs/wazero"

	"github.com/wippyai/ffi-runtime/engine"
	"github.com/wippyai/ffi-runtime/errors"
)

// Engine loads wasm32 modules as native libraries. Every library runs in its
// own wazero runtime so that its trampoline imports bind to that library;
// compiled code is shared through a compilation cache.
type Engine struct {
	cache wazero.CompilationCache
	cfg   Config
}

// New creates a sandbox engine. A nil cfg selects the defaults.
func New(ctx context.Context, cfg *Config) (*Engine, error) {
	return &Engine{
		cache: wazero.NewCompilationCache(),
		cfg:   cfg.withDefaults(),
	}, nil
}

// Open loads the wasm module at path. The library is named after the file
// without its extension.
func (e *Engine) Open(ctx context.Context, path string) (engine.Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Load("read "+path, err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return e.Load(ctx, name, data)
}

// Close releases compiled code. Libraries already loaded keep working until
// they are closed.
func (e *Engine) Close(ctx context.Context) error {
	return e.cache.Close(ctx)
}

var _ engine.Loader = (*Engine)(nil)
