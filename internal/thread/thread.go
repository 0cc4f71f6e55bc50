// Package thread identifies OS threads. Callers pin the goroutine with
// runtime.LockOSThread for as long as an ID must stay meaningful.
package thread

// ID returns an identifier of the current OS thread. It is 0 on platforms
// without thread ids, where all threads share one identity.
func ID() int {
	return id()
}
