//go:build amd64 || arm64

package native

const (
	defaultLibc = "libc.so.6"
	errnoSymbol = "__errno_location"
)
