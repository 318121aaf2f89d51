// Package lock provides keyed mutual exclusion.
//
// Device synchronization holds a lock per gateway for the duration of a
// reconciliation pass so the poll loop, a manual sync and a pushed status
// report never interleave writes for the same gateway.
//
// Two implementations are provided:
//   - Local: in-process, for single-replica deployments and tests
//   - Redis: SET NX PX with a per-holder token, shared across replicas
//
// Usage:
//
//	locker := lock.NewLocal()
//	unlock, err := locker.Lock(ctx, "sync:gw-1")
//	if err != nil {
//	    return err
//	}
//	defer unlock()
package lock
