//go:build !linux && !darwin && !windows

package thread

func id() int {
	return 0
}
