//go:build !((darwin || linux) && (amd64 || arm64))

package native

import (
	"context"
	"runtime"

	"github.com/wippyai/ffi-runtime/engine"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/memory"
)

// Engine is unavailable on this platform.
type Engine struct{}

func New(*Config) (*Engine, error) {
	return nil, errors.Unsupported(errors.PhaseLoad, "native engine on "+runtime.GOOS+"/"+runtime.GOARCH)
}

func (e *Engine) Space() *memory.Space {
	return nil
}

func (e *Engine) Open(context.Context, string) (engine.Library, error) {
	return nil, errors.Unsupported(errors.PhaseLoad, "native engine on "+runtime.GOOS+"/"+runtime.GOARCH)
}

func (e *Engine) Close() error {
	return nil
}
