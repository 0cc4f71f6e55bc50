// Package resource tracks native resources owned by the runtime and reclaims
// them when they are released.
//
// # Handle Table
//
// The UnifiedTable maps integer handles to Go values together with the
// native address they represent:
//
//	table := resource.NewTable()
//	h := table.InsertAt(resource.TypeBlock, addr, freer)
//	value, ok := table.Get(h)
//	value, ok = table.Remove(h) // runs Dropper.Drop
//
// # Borrows
//
// A borrow marks a resource as used by an in-flight native call or callback
// dispatch. Remove refuses to drop a borrowed resource:
//
//	table.Borrow(h)
//	defer table.ReturnBorrow(h)
//
// # Coordinator
//
// The Coordinator wraps a table with a background reclaimer. Release only
// queues the handle, so it may be called from runtime cleanup functions.
// A release requested while the resource is borrowed is deferred until the
// last borrow is returned:
//
//	coord := resource.NewCoordinator()
//	defer coord.Close()
//
//	h := coord.Track(resource.TypeBlock, addr, freer)
//	runtime.AddCleanup(owner, coord.Release, h)
//
// Flush waits for queued releases, which is useful in tests. Close stops the
// reclaimer and drops everything still tracked.
//
// # Observers
//
// Register observers to track resource lifecycle events:
//
//	table.Subscribe(obs) // obs.OnResourceEvent(resource.Event)
package resource
