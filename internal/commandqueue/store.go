package commandqueue

import (
	"cmp"
	"context"
	"slices"
	"time"
)

// Store is the persistence contract behind Queue. Implementations return
// ErrStoreUnavailable when their tables are missing.
type Store interface {
	// Insert adds cmd unless an active command holds its idempotency key,
	// then returns the active row, old or new.
	Insert(ctx context.Context, cmd *Command) (*Command, error)

	// PickDue claims up to limit pending or queued commands that are due at
	// now, setting them in_progress, in priority then FIFO order.
	PickDue(ctx context.Context, now time.Time, limit int) ([]Command, error)

	// RequeueDue moves failed commands whose retry time has come to queued.
	RequeueDue(ctx context.Context, now time.Time) (int, error)

	// ReleaseStale returns in_progress commands untouched since before to
	// queued. It recovers claims orphaned by a crashed dispatcher.
	ReleaseStale(ctx context.Context, before time.Time) (int, error)

	MarkInProgress(ctx context.Context, id string) error
	MarkSucceeded(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string, nextAttemptAt *time.Time, attemptCount int, deadLetter bool) error

	// RetryNow re-queues a pending, queued or failed command for immediate pickup.
	RetryNow(ctx context.Context, id string) error

	// RequeueDead re-queues a dead-lettered command with a fresh attempt budget.
	RequeueDead(ctx context.Context, id string) error

	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Command, error)
	List(ctx context.Context, f Filter) ([]Command, error)

	RecordStart(ctx context.Context, commandID string, at time.Time) (attemptID string, err error)
	RecordFinish(ctx context.Context, attemptID string, at time.Time, success bool, errMsg string) error
	Attempts(ctx context.Context, commandID string) ([]Attempt, error)
}

// sortClaimed orders claimed rows the way they were selected; RETURNING
// gives no ordering guarantee.
func sortClaimed(cmds []Command) {
	slices.SortFunc(cmds, func(a, b Command) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
}
