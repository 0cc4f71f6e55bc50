package sandbox

import (
	"github.com/wippyai/ffi-runtime/resource"
)

// Default export and import names of a clang-built wasm32 library.
const (
	DefaultMalloc           = "malloc"
	DefaultFree             = "free"
	DefaultErrnoLocation    = "__errno_location"
	DefaultTrampolineModule = "ffi"
	DefaultTrampolineLookup = "__ffi_trampoline"
)

// Config holds configuration for the sandbox engine.
type Config struct {
	// Coordinator reclaims blocks allocated in library memory.
	// nil selects resource.Default().
	Coordinator *resource.Coordinator `yaml:"-"`

	// Malloc and Free name the exported allocator. A library without them
	// can still be called but cannot receive marshaled memory.
	Malloc string `yaml:"malloc"`
	Free   string `yaml:"free"`

	// ErrnoLocation names the export returning the address of errno.
	ErrnoLocation string `yaml:"errno_location"`

	// TrampolineModule is the import module whose functions serve as
	// callback entry points. Imports are named "<prefix><n>" where n is
	// the argument of TrampolineLookup.
	TrampolineModule string `yaml:"trampoline_module"`

	// TrampolineLookup names the export mapping trampoline n to its
	// function pointer.
	TrampolineLookup string `yaml:"trampoline_lookup"`

	// MemoryLimitPages sets the maximum memory per library in pages (64KB
	// each). 0 means the wazero default.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`
}

func (c *Config) withDefaults() Config {
	var out Config
	if c != nil {
		out = *c
	}
	if out.Malloc == "" {
		out.Malloc = DefaultMalloc
	}
	if out.Free == "" {
		out.Free = DefaultFree
	}
	if out.ErrnoLocation == "" {
		out.ErrnoLocation = DefaultErrnoLocation
	}
	if out.TrampolineModule == "" {
		out.TrampolineModule = DefaultTrampolineModule
	}
	if out.TrampolineLookup == "" {
		out.TrampolineLookup = DefaultTrampolineLookup
	}
	if out.Coordinator == nil {
		out.Coordinator = resource.Default()
	}
	return out
}
