package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Executor runs a command against its gateway. Errors wrapped with
// Permanent dead-letter the command without further retries.
type Executor interface {
	Execute(ctx context.Context, cmd Command) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, cmd Command) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// RetryPolicy controls rescheduling of failed commands.
type RetryPolicy struct {
	// MaxAttempts is the number of executions before dead-lettering.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is 5 attempts starting at 30s, capped at 30m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   30 * time.Second,
		MaxDelay:    30 * time.Minute,
	}
}

// Backoff returns the delay after the attempt-th failure:
// BaseDelay × 2^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Queue    *Queue
	Executor Executor

	// Workers bounds concurrent executions. Default: 4.
	Workers int

	// PollInterval is the delay between ticks. Default: 2 seconds.
	PollInterval time.Duration

	// BatchSize is the most commands claimed per tick. Default: 20.
	BatchSize int

	Retry RetryPolicy

	// StaleAfter releases in_progress claims older than this back to
	// queued. Default: 10 minutes.
	StaleAfter time.Duration

	// ExecTimeout bounds a single execution. Default: 30 seconds.
	ExecTimeout time.Duration

	// OnDeadLetter is called after a command is dead-lettered.
	OnDeadLetter func(cmd Command, err error)

	Logger Logger
}

// Dispatcher polls the queue and executes due commands.
type Dispatcher struct {
	queue    *Queue
	executor Executor
	cfg      DispatcherConfig
	logger   Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDispatcher creates a dispatcher. Call Start to begin polling.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Queue == nil {
		return nil, errors.New("commandqueue: dispatcher requires a queue")
	}
	if cfg.Executor == nil {
		return nil, errors.New("commandqueue: dispatcher requires an executor")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Dispatcher{
		queue:    cfg.Queue,
		executor: cfg.Executor,
		cfg:      cfg,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Start begins the poll loop. It stops when ctx is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.loop(ctx)
	d.logger.Info("command dispatcher started",
		"workers", d.cfg.Workers,
		"poll_interval", d.cfg.PollInterval.String(),
	)
}

// Stop waits for the current tick to finish. Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
		d.wg.Wait()
		d.logger.Info("command dispatcher stopped")
	})
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("dispatch tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one dispatch pass: promote due retries, release stale claims,
// claim a batch and execute it. It returns the number of commands executed.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	if _, err := d.queue.RequeueDue(ctx); err != nil {
		return 0, fmt.Errorf("requeueing due commands: %w", err)
	}
	if n, err := d.queue.ReleaseStale(ctx, d.cfg.StaleAfter); err != nil {
		return 0, fmt.Errorf("releasing stale commands: %w", err)
	} else if n > 0 {
		d.logger.Warn("released stale command claims", "count", n)
	}

	cmds, err := d.queue.PickDue(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claiming commands: %w", err)
	}
	if len(cmds) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for _, cmd := range cmds {
		g.Go(func() error {
			if err := d.run(gctx, cmd); err != nil {
				d.logger.Error("recording command outcome failed",
					"command_id", cmd.ID,
					"error", err,
				)
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors
	return len(cmds), nil
}

// ExecuteNow claims and runs one command immediately, outside the poll loop.
func (d *Dispatcher) ExecuteNow(ctx context.Context, id string) (*Command, error) {
	cmd, err := d.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := d.queue.MarkInProgress(ctx, id); err != nil {
		return nil, err
	}
	cmd.Status = StatusInProgress
	if err := d.run(ctx, *cmd); err != nil {
		return nil, err
	}
	return d.queue.Get(ctx, id)
}

// run executes one claimed command and records the outcome. The returned
// error concerns bookkeeping only; execution failures are recorded.
func (d *Dispatcher) run(ctx context.Context, cmd Command) error {
	attemptID, err := d.queue.RecordStart(ctx, cmd.ID)
	if err != nil {
		return fmt.Errorf("recording attempt start: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, d.cfg.ExecTimeout)
	start := time.Now()
	execErr := d.executor.Execute(execCtx, cmd)
	cancel()

	if execErr == nil {
		if err := d.queue.RecordFinish(ctx, attemptID, true, ""); err != nil {
			return fmt.Errorf("recording attempt finish: %w", err)
		}
		if err := d.queue.MarkSucceeded(ctx, cmd.ID); err != nil {
			return fmt.Errorf("marking succeeded: %w", err)
		}
		d.logger.Info("command succeeded",
			"command_id", cmd.ID,
			"gateway_id", cmd.GatewayID,
			"device_id", cmd.DeviceID,
			"duration", time.Since(start).String(),
		)
		return nil
	}

	errMsg := execErr.Error()
	if err := d.queue.RecordFinish(ctx, attemptID, false, errMsg); err != nil {
		return fmt.Errorf("recording attempt finish: %w", err)
	}

	attempts := cmd.AttemptCount + 1
	deadLetter := IsPermanent(execErr) || attempts >= d.cfg.Retry.MaxAttempts
	var next *time.Time
	if !deadLetter {
		t := time.Now().Add(d.cfg.Retry.Backoff(attempts)).UTC()
		next = &t
	}
	if err := d.queue.MarkFailed(ctx, cmd.ID, errMsg, next, attempts, deadLetter); err != nil {
		return fmt.Errorf("marking failed: %w", err)
	}

	if deadLetter {
		d.logger.Error("command dead-lettered",
			"command_id", cmd.ID,
			"gateway_id", cmd.GatewayID,
			"device_id", cmd.DeviceID,
			"attempts", attempts,
			"permanent", IsPermanent(execErr),
			"error", errMsg,
		)
		if d.cfg.OnDeadLetter != nil {
			cmd.Status = StatusDeadLetter
			cmd.AttemptCount = attempts
			cmd.LastError = &errMsg
			d.cfg.OnDeadLetter(cmd, execErr)
		}
		return nil
	}
	d.logger.Warn("command failed, will retry",
		"command_id", cmd.ID,
		"attempts", attempts,
		"next_attempt_at", next.Format(time.RFC3339),
		"error", errMsg,
	)
	return nil
}
