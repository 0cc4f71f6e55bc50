//go:build !unix

package runtime

import "syscall"

func errnoName(code int) string {
	return syscall.Errno(code).Error()
}
