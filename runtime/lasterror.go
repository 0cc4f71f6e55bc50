package runtime

import (
	"strconv"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/internal/thread"
)

// lastErrors holds the non-zero codes by thread; a missing entry is 0.
var lastErrors = xsync.NewMapOf[int, int]()

// LastError returns the native error code recorded by the most recent call
// made on the current OS thread. Callers that need it should keep the
// goroutine on one thread around the call and this read with
// runtime.LockOSThread.
func LastError() int {
	code, _ := lastErrors.Load(thread.ID())
	return code
}

// SetLastError overwrites the error code recorded for the current thread.
func SetLastError(code int) {
	if code == 0 {
		lastErrors.Delete(thread.ID())
		return
	}
	lastErrors.Store(thread.ID(), code)
}

// lastError builds the error reported for code under ThrowLastError.
func lastError(symbol string, code int, p abi.Platform) error {
	msg := "errno " + strconv.Itoa(code)
	if p == abi.Host() {
		if name := errnoName(code); name != "" {
			msg = name
		}
	}
	return errors.Native(symbol, code, msg)
}
