package commandqueue

import "errors"

// Queue errors.
var (
	// ErrNotFound is returned when a command or attempt does not exist.
	ErrNotFound = errors.New("commandqueue: not found")

	// ErrStoreUnavailable is returned by stores whose tables are missing.
	// Queue converts it into a logged no-op.
	ErrStoreUnavailable = errors.New("commandqueue: store unavailable")

	// ErrConflict is returned when re-queueing a dead-lettered command while
	// another active command holds its idempotency key.
	ErrConflict = errors.New("commandqueue: active command with same idempotency key")

	// ErrInvalidTransition is returned when the command's status does not
	// allow the requested change.
	ErrInvalidTransition = errors.New("commandqueue: invalid status transition")

	// ErrInvalidCommand is returned when an enqueued command lacks required fields.
	ErrInvalidCommand = errors.New("commandqueue: invalid command")

	// ErrAttemptFinished is returned when finishing an attempt twice.
	ErrAttemptFinished = errors.New("commandqueue: attempt already finished")
)
