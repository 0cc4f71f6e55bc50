package abi

import (
	"runtime"
)

// Platform describes the data model of a native target.
type Platform struct {
	Name         string
	GOOS         string
	GOARCH       string
	PointerSize  uint64
	LongSize     uint64
	WCharSize    uint64
	MaxAlignment uint64 // largest alignment the GNU compiler applies to a struct member
	MSVC         bool   // platform compiler lays out structures with MSVC rules by default
}

var (
	Linux386 = Platform{
		Name: "linux/386", GOOS: "linux", GOARCH: "386",
		PointerSize: 4, LongSize: 4, WCharSize: 4, MaxAlignment: 4,
	}
	LinuxAMD64 = Platform{
		Name: "linux/amd64", GOOS: "linux", GOARCH: "amd64",
		PointerSize: 8, LongSize: 8, WCharSize: 4, MaxAlignment: 8,
	}
	LinuxARM64 = Platform{
		Name: "linux/arm64", GOOS: "linux", GOARCH: "arm64",
		PointerSize: 8, LongSize: 8, WCharSize: 4, MaxAlignment: 8,
	}
	DarwinAMD64 = Platform{
		Name: "darwin/amd64", GOOS: "darwin", GOARCH: "amd64",
		PointerSize: 8, LongSize: 8, WCharSize: 4, MaxAlignment: 8,
	}
	DarwinARM64 = Platform{
		Name: "darwin/arm64", GOOS: "darwin", GOARCH: "arm64",
		PointerSize: 8, LongSize: 8, WCharSize: 4, MaxAlignment: 8,
	}
	Windows386 = Platform{
		Name: "windows/386", GOOS: "windows", GOARCH: "386",
		PointerSize: 4, LongSize: 4, WCharSize: 2, MaxAlignment: 8, MSVC: true,
	}
	WindowsAMD64 = Platform{
		Name: "windows/amd64", GOOS: "windows", GOARCH: "amd64",
		PointerSize: 8, LongSize: 4, WCharSize: 2, MaxAlignment: 8, MSVC: true,
	}
	// Wasm32 is the clang wasm32 data model used by sandboxed libraries.
	Wasm32 = Platform{
		Name: "wasm32", GOOS: "wasip1", GOARCH: "wasm",
		PointerSize: 4, LongSize: 4, WCharSize: 4, MaxAlignment: 8,
	}
)

var platforms = []Platform{
	Linux386, LinuxAMD64, LinuxARM64,
	DarwinAMD64, DarwinARM64,
	Windows386, WindowsAMD64,
	Wasm32,
}

// Platforms returns every predefined platform.
func Platforms() []Platform {
	out := make([]Platform, len(platforms))
	copy(out, platforms)
	return out
}

// LookupPlatform returns the predefined platform with the given name.
func LookupPlatform(name string) (Platform, bool) {
	for _, p := range platforms {
		if p.Name == name {
			return p, true
		}
	}
	return Platform{}, false
}

// Host returns the platform the current process runs on.
func Host() Platform {
	if p, ok := LookupPlatform(runtime.GOOS + "/" + runtime.GOARCH); ok {
		return p
	}
	ptr := uint64(32 << (^uintptr(0) >> 63) / 8)
	wchar := uint64(4)
	if runtime.GOOS == "windows" {
		wchar = 2
	}
	return Platform{
		Name:         runtime.GOOS + "/" + runtime.GOARCH,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		PointerSize:  ptr,
		LongSize:     ptr,
		WCharSize:    wchar,
		MaxAlignment: 8,
		MSVC:         runtime.GOOS == "windows",
	}
}

func (p Platform) String() string {
	return p.Name
}

// AlignTo rounds offset up to a multiple of align.
func AlignTo(offset, align uint64) uint64 {
	if align <= 1 {
		return offset
	}
	return (offset + align - 1) / align * align
}
