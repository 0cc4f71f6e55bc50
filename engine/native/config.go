package native

import "github.com/wippyai/ffi-runtime/resource"

// Config holds configuration for the native engine.
type Config struct {
	// Coordinator reclaims blocks allocated with the C allocator.
	// nil selects resource.Default().
	Coordinator *resource.Coordinator `yaml:"-"`

	// Libc overrides the path of the C library providing malloc, free and
	// errno. Empty selects the platform default.
	Libc string `yaml:"libc"`
}
