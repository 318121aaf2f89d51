// Package commandqueue is the durable, idempotent, priority-ordered queue of
// device-control commands.
//
// # Lifecycle
//
//	pending ─┐
//	queued ──┼─▶ in_progress ─▶ succeeded
//	         │        │
//	         │        ├─▶ failed ─(due)─▶ queued
//	         │        └─▶ dead_letter ─(RequeueDead)─▶ queued
//	         └─▶ cancelled
//
// At most one non-terminal command exists per idempotency key. The key is
// derived from device, command type and the key identity in the payload, so
// resubmitting the same logical command returns the existing row.
//
// # Stores
//
// SQLiteStore shares the service database. PostgresStore lets several
// replicas dispatch from one queue; claims use FOR UPDATE SKIP LOCKED.
//
// # Degraded mode
//
// Queue treats its store as optional. With no store, or a store whose tables
// are missing, every operation logs a warning and returns an empty result
// instead of an error, so gateway traffic keeps flowing without durability.
//
// # Dispatch
//
// Dispatcher polls the queue, claims due commands, records each attempt and
// applies the retry policy: exponential backoff base × 2^(n-1) capped at a
// maximum, dead-lettering once attempts run out or on a permanent failure.
package commandqueue
