package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Logger is the logging interface used by the queue and dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Queue is the command queue facade. Its store is optional: a nil store, or
// one reporting ErrStoreUnavailable, turns every operation into a logged
// no-op with an empty result.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Queue struct {
	store  Store
	logger Logger
	now    func() time.Time
}

// NewQueue creates a queue on store. store may be nil.
func NewQueue(store Store, logger Logger) *Queue {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Queue{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Available reports whether the queue has a store. A store whose tables are
// missing still reports true; its operations degrade individually.
func (q *Queue) Available() bool {
	return q.store != nil
}

// degraded reports whether err (or a missing store) means the operation
// should become a no-op, logging a warning if so.
func (q *Queue) degraded(op string, err error) bool {
	if q.store == nil {
		q.logger.Warn("command queue unavailable, skipping", "operation", op)
		return true
	}
	if errors.Is(err, ErrStoreUnavailable) {
		q.logger.Warn("command queue store unavailable, skipping", "operation", op, "error", err)
		return true
	}
	return false
}

// Enqueue adds a command, deriving its idempotency key. If an active command
// already holds the key, that command is returned unchanged. In degraded
// mode Enqueue returns (nil, nil).
func (q *Queue) Enqueue(ctx context.Context, nc NewCommand) (*Command, error) {
	if err := validateNew(nc); err != nil {
		return nil, err
	}
	if q.degraded("enqueue", nil) {
		return nil, nil
	}

	payload := nc.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	now := q.now().UTC()
	cmd := &Command{
		ID:             uuid.NewString(),
		FacilityID:     nc.FacilityID,
		GatewayID:      nc.GatewayID,
		DeviceID:       nc.DeviceID,
		CommandType:    nc.CommandType,
		Payload:        payload,
		IdempotencyKey: IdempotencyKey(nc.DeviceID, nc.CommandType, payload),
		Status:         StatusPending,
		Priority:       nc.Priority,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	got, err := q.store.Insert(ctx, cmd)
	if err != nil {
		if q.degraded("enqueue", err) {
			return nil, nil
		}
		return nil, err
	}
	if got.ID != cmd.ID {
		q.logger.Debug("duplicate command ignored",
			"command_id", got.ID,
			"device_id", got.DeviceID,
			"command_type", string(got.CommandType),
		)
	} else {
		q.logger.Info("command enqueued",
			"command_id", got.ID,
			"gateway_id", got.GatewayID,
			"device_id", got.DeviceID,
			"command_type", string(got.CommandType),
			"priority", got.Priority,
		)
	}
	return got, nil
}

func validateNew(nc NewCommand) error {
	switch {
	case nc.FacilityID == "":
		return fmt.Errorf("%w: facility id is required", ErrInvalidCommand)
	case nc.GatewayID == "":
		return fmt.Errorf("%w: gateway id is required", ErrInvalidCommand)
	case nc.DeviceID == "":
		return fmt.Errorf("%w: device id is required", ErrInvalidCommand)
	case nc.CommandType == "":
		return fmt.Errorf("%w: command type is required", ErrInvalidCommand)
	}
	return nil
}

// PickDue claims up to limit due commands in priority then FIFO order.
func (q *Queue) PickDue(ctx context.Context, limit int) ([]Command, error) {
	if limit <= 0 || q.degraded("pick_due", nil) {
		return nil, nil
	}
	cmds, err := q.store.PickDue(ctx, q.now(), limit)
	if err != nil {
		if q.degraded("pick_due", err) {
			return nil, nil
		}
		return nil, err
	}
	return cmds, nil
}

// RequeueDue moves failed commands whose retry time has passed back to queued.
func (q *Queue) RequeueDue(ctx context.Context) (int, error) {
	if q.degraded("requeue_due", nil) {
		return 0, nil
	}
	n, err := q.store.RequeueDue(ctx, q.now())
	if err != nil && q.degraded("requeue_due", err) {
		return 0, nil
	}
	return n, err
}

// ReleaseStale returns in_progress commands untouched for longer than
// olderThan to queued.
func (q *Queue) ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if q.degraded("release_stale", nil) {
		return 0, nil
	}
	n, err := q.store.ReleaseStale(ctx, q.now().Add(-olderThan))
	if err != nil && q.degraded("release_stale", err) {
		return 0, nil
	}
	return n, err
}

// MarkInProgress claims a single command outside PickDue.
func (q *Queue) MarkInProgress(ctx context.Context, id string) error {
	return q.exec("mark_in_progress", func(s Store) error { return s.MarkInProgress(ctx, id) })
}

// MarkSucceeded completes an in-progress command and clears its retry time.
func (q *Queue) MarkSucceeded(ctx context.Context, id string) error {
	return q.exec("mark_succeeded", func(s Store) error { return s.MarkSucceeded(ctx, id) })
}

// MarkFailed records a failed attempt, either rescheduling the command at
// nextAttemptAt or parking it in dead_letter.
func (q *Queue) MarkFailed(ctx context.Context, id, errMsg string, nextAttemptAt *time.Time, attemptCount int, deadLetter bool) error {
	return q.exec("mark_failed", func(s Store) error {
		return s.MarkFailed(ctx, id, errMsg, nextAttemptAt, attemptCount, deadLetter)
	})
}

// RetryNow makes a pending, queued or failed command due immediately.
// Dead-lettered commands are forwarded to RequeueDead.
func (q *Queue) RetryNow(ctx context.Context, id string) error {
	return q.exec("retry_now", func(s Store) error {
		err := s.RetryNow(ctx, id)
		if !errors.Is(err, ErrInvalidTransition) {
			return err
		}
		cmd, getErr := s.Get(ctx, id)
		if getErr != nil || cmd.Status != StatusDeadLetter {
			return err
		}
		return s.RequeueDead(ctx, id)
	})
}

// RequeueDead re-queues a dead-lettered command with a fresh attempt budget.
func (q *Queue) RequeueDead(ctx context.Context, id string) error {
	return q.exec("requeue_dead", func(s Store) error { return s.RequeueDead(ctx, id) })
}

// Cancel stops a command that has not completed.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	return q.exec("cancel", func(s Store) error { return s.Cancel(ctx, id) })
}

func (q *Queue) exec(op string, fn func(Store) error) error {
	if q.degraded(op, nil) {
		return nil
	}
	err := fn(q.store)
	if err != nil && q.degraded(op, err) {
		return nil
	}
	return err
}

// Get returns a command. In degraded mode it returns ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*Command, error) {
	if q.degraded("get", nil) {
		return nil, ErrNotFound
	}
	cmd, err := q.store.Get(ctx, id)
	if err != nil && q.degraded("get", err) {
		return nil, ErrNotFound
	}
	return cmd, err
}

// List returns commands matching f, newest first.
func (q *Queue) List(ctx context.Context, f Filter) ([]Command, error) {
	if q.degraded("list", nil) {
		return []Command{}, nil
	}
	cmds, err := q.store.List(ctx, f)
	if err != nil {
		if q.degraded("list", err) {
			return []Command{}, nil
		}
		return nil, err
	}
	if cmds == nil {
		cmds = []Command{}
	}
	return cmds, nil
}

// RecordStart opens an attempt for a command. In degraded mode it returns
// an empty attempt id, which RecordFinish ignores.
func (q *Queue) RecordStart(ctx context.Context, commandID string) (string, error) {
	if q.degraded("record_start", nil) {
		return "", nil
	}
	id, err := q.store.RecordStart(ctx, commandID, q.now())
	if err != nil && q.degraded("record_start", err) {
		return "", nil
	}
	return id, err
}

// RecordFinish closes an attempt. errMsg is empty on success.
func (q *Queue) RecordFinish(ctx context.Context, attemptID string, success bool, errMsg string) error {
	if attemptID == "" {
		return nil
	}
	return q.exec("record_finish", func(s Store) error {
		return s.RecordFinish(ctx, attemptID, q.now(), success, errMsg)
	})
}

// Attempts lists a command's attempts, oldest first.
func (q *Queue) Attempts(ctx context.Context, commandID string) ([]Attempt, error) {
	if q.degraded("attempts", nil) {
		return []Attempt{}, nil
	}
	attempts, err := q.store.Attempts(ctx, commandID)
	if err != nil {
		if q.degraded("attempts", err) {
			return []Attempt{}, nil
		}
		return nil, err
	}
	if attempts == nil {
		attempts = []Attempt{}
	}
	return attempts, nil
}
