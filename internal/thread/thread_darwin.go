package thread

import (
	"sync"

	"github.com/ebitengine/purego"
)

var threadID = sync.OnceValue(func() func(thread uintptr, id *uint64) int32 {
	lib, err := purego.Dlopen("/usr/lib/libSystem.B.dylib", purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil
	}
	var fn func(thread uintptr, id *uint64) int32
	purego.RegisterLibFunc(&fn, lib, "pthread_threadid_np")
	return fn
})

func id() int {
	fn := threadID()
	if fn == nil {
		return 0
	}
	var tid uint64
	if fn(0, &tid) != 0 {
		return 0
	}
	return int(tid)
}
