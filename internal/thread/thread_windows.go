package thread

import "golang.org/x/sys/windows"

func id() int {
	return int(windows.GetCurrentThreadId())
}
