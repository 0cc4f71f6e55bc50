//go:build unix

package runtime

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func errnoName(code int) string {
	e := syscall.Errno(code)
	name := unix.ErrnoName(e)
	if name == "" {
		return e.Error()
	}
	return name + ": " + e.Error()
}
