//go:build amd64 || arm64

package native

const (
	defaultLibc = "/usr/lib/libSystem.B.dylib"
	errnoSymbol = "__error"
)
