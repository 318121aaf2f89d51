package commandqueue

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed postgres_schema.sql
var postgresSchema string

// Postgres error codes.
const (
	pgUndefinedTable   = "42P01"
	pgUniqueViolation  = "23505"
	postgresColumnList = `id, facility_id, gateway_id, device_id, command_type, payload,
	idempotency_key, status, priority, attempt_count, last_error, next_attempt_at,
	created_at, updated_at, seq`
)

// PostgresStore keeps the queue in a Postgres database shared by every
// replica. Claims lock rows with FOR UPDATE SKIP LOCKED so concurrent
// dispatchers never take the same command.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on an open pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the queue tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("creating command queue schema: %w", err)
	}
	return nil
}

// Insert implements Store.
func (s *PostgresStore) Insert(ctx context.Context, cmd *Command) (*Command, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gateway_commands (
			id, facility_id, gateway_id, device_id, command_type, payload,
			idempotency_key, status, priority, attempt_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $10)
		ON CONFLICT (idempotency_key)
			WHERE status IN ('pending', 'queued', 'in_progress', 'failed')
			DO NOTHING`,
		cmd.ID, cmd.FacilityID, cmd.GatewayID, cmd.DeviceID, string(cmd.CommandType),
		jsonPayload(cmd.Payload), cmd.IdempotencyKey, string(cmd.Status), cmd.Priority, cmd.CreatedAt.UTC(),
	)
	if err != nil {
		return nil, s.wrap("inserting command", err)
	}

	row := s.pool.QueryRow(ctx, `SELECT `+postgresColumnList+` FROM gateway_commands
		WHERE idempotency_key = $1 AND status IN ('pending', 'queued', 'in_progress', 'failed')
		ORDER BY created_at DESC LIMIT 1`, cmd.IdempotencyKey)
	got, err := scanPostgresCommand(row)
	if err != nil {
		return nil, s.wrap("loading active command", err)
	}
	return got, nil
}

// PickDue implements Store.
func (s *PostgresStore) PickDue(ctx context.Context, now time.Time, limit int) ([]Command, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE gateway_commands
		SET status = 'in_progress', updated_at = $1
		WHERE id IN (
			SELECT id FROM gateway_commands
			WHERE status IN ('pending', 'queued')
				AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			ORDER BY priority DESC, created_at ASC, seq ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+postgresColumnList,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, s.wrap("claiming due commands", err)
	}
	cmds, err := collectPostgres(rows)
	if err != nil {
		return nil, s.wrap("claiming due commands", err)
	}
	sortClaimed(cmds)
	return cmds, nil
}

// RequeueDue implements Store.
func (s *PostgresStore) RequeueDue(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE gateway_commands
		SET status = 'queued', updated_at = $1
		WHERE status = 'failed' AND next_attempt_at IS NOT NULL AND next_attempt_at <= $1`,
		now.UTC())
	if err != nil {
		return 0, s.wrap("requeueing due commands", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReleaseStale implements Store.
func (s *PostgresStore) ReleaseStale(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE gateway_commands
		SET status = 'queued', updated_at = now()
		WHERE status = 'in_progress' AND updated_at < $1`,
		before.UTC())
	if err != nil {
		return 0, s.wrap("releasing stale commands", err)
	}
	return int(tag.RowsAffected()), nil
}

// MarkInProgress implements Store.
func (s *PostgresStore) MarkInProgress(ctx context.Context, id string) error {
	return s.transition(ctx, id, "marking command in progress", `
		UPDATE gateway_commands SET status = 'in_progress', updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'queued', 'failed')`)
}

// MarkSucceeded implements Store.
func (s *PostgresStore) MarkSucceeded(ctx context.Context, id string) error {
	return s.transition(ctx, id, "marking command succeeded", `
		UPDATE gateway_commands
		SET status = 'succeeded', next_attempt_at = NULL, last_error = NULL, updated_at = now()
		WHERE id = $1 AND status = 'in_progress'`)
}

// MarkFailed implements Store.
func (s *PostgresStore) MarkFailed(ctx context.Context, id, errMsg string, nextAttemptAt *time.Time, attemptCount int, deadLetter bool) error {
	status := StatusFailed
	var next *time.Time
	if deadLetter {
		status = StatusDeadLetter
	} else if nextAttemptAt != nil {
		t := nextAttemptAt.UTC()
		next = &t
	}
	return s.transition(ctx, id, "marking command failed", `
		UPDATE gateway_commands
		SET status = $2, last_error = $3, next_attempt_at = $4, attempt_count = $5, updated_at = now()
		WHERE id = $1 AND status = 'in_progress'`,
		string(status), errMsg, next, attemptCount)
}

// RetryNow implements Store.
func (s *PostgresStore) RetryNow(ctx context.Context, id string) error {
	return s.transition(ctx, id, "retrying command", `
		UPDATE gateway_commands
		SET status = 'queued', next_attempt_at = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'queued', 'failed')`)
}

// RequeueDead implements Store.
func (s *PostgresStore) RequeueDead(ctx context.Context, id string) error {
	err := s.transition(ctx, id, "requeueing dead-lettered command", `
		UPDATE gateway_commands
		SET status = 'queued', attempt_count = 0, next_attempt_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'dead_letter'`)
	if isPgCode(err, pgUniqueViolation) {
		return ErrConflict
	}
	return err
}

// Cancel implements Store.
func (s *PostgresStore) Cancel(ctx context.Context, id string) error {
	return s.transition(ctx, id, "cancelling command", `
		UPDATE gateway_commands SET status = 'cancelled', next_attempt_at = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'queued', 'failed', 'dead_letter')`)
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Command, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+postgresColumnList+` FROM gateway_commands WHERE id = $1`, id)
	cmd, err := scanPostgresCommand(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, s.wrap("loading command", err)
	}
	return cmd, nil
}

// List implements Store. Newest first.
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Command, error) {
	var where []string
	var args []any
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, "status = ANY($"+strconv.Itoa(len(args))+")")
	}
	if f.GatewayID != "" {
		args = append(args, f.GatewayID)
		where = append(where, "gateway_id = $"+strconv.Itoa(len(args)))
	}
	if f.DeviceID != "" {
		args = append(args, f.DeviceID)
		where = append(where, "device_id = $"+strconv.Itoa(len(args)))
	}

	query := `SELECT ` + postgresColumnList + ` FROM gateway_commands`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.limit())
	query += " ORDER BY created_at DESC, seq DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, s.wrap("listing commands", err)
	}
	cmds, err := collectPostgres(rows)
	if err != nil {
		return nil, s.wrap("listing commands", err)
	}
	return cmds, nil
}

// RecordStart implements Store.
func (s *PostgresStore) RecordStart(ctx context.Context, commandID string, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gateway_command_attempts (id, command_id, started_at) VALUES ($1, $2, $3)`,
		id, commandID, at.UTC())
	if err != nil {
		return "", s.wrap("recording attempt start", err)
	}
	return id, nil
}

// RecordFinish implements Store.
func (s *PostgresStore) RecordFinish(ctx context.Context, attemptID string, at time.Time, success bool, errMsg string) error {
	var errCol *string
	if errMsg != "" {
		errCol = &errMsg
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE gateway_command_attempts
		SET finished_at = $2, success = $3, error = $4
		WHERE id = $1 AND finished_at IS NULL`,
		attemptID, at.UTC(), success, errCol)
	if err != nil {
		return s.wrap("recording attempt finish", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM gateway_command_attempts WHERE id = $1)`, attemptID).Scan(&exists); err != nil {
		return s.wrap("checking attempt", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrAttemptFinished
}

// Attempts implements Store. Oldest first.
func (s *PostgresStore) Attempts(ctx context.Context, commandID string) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, command_id, started_at, finished_at, success, error
		FROM gateway_command_attempts
		WHERE command_id = $1
		ORDER BY started_at ASC, seq ASC`, commandID)
	if err != nil {
		return nil, s.wrap("listing attempts", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.CommandID, &a.StartedAt, &a.FinishedAt, &a.Success, &a.Error); err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		a.StartedAt = a.StartedAt.UTC()
		if a.FinishedAt != nil {
			t := a.FinishedAt.UTC()
			a.FinishedAt = &t
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("iterating attempts", err)
	}
	return out, nil
}

// transition runs an UPDATE whose first parameter is the command id and maps
// zero rows to ErrNotFound or ErrInvalidTransition.
func (s *PostgresStore) transition(ctx context.Context, id, op, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return err
		}
		return s.wrap(op, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (s *PostgresStore) wrap(op string, err error) error {
	if isPgCode(err, pgUndefinedTable) {
		return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func jsonPayload(p []byte) string {
	if len(p) == 0 {
		return "{}"
	}
	return string(p)
}

func collectPostgres(rows pgx.Rows) ([]Command, error) {
	defer rows.Close()
	var out []Command
	for rows.Next() {
		cmd, err := scanPostgresCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}
	return out, nil
}

func scanPostgresCommand(row pgx.Row) (*Command, error) {
	var c Command
	var cmdType, status string
	var payload []byte

	err := row.Scan(
		&c.ID, &c.FacilityID, &c.GatewayID, &c.DeviceID, &cmdType, &payload,
		&c.IdempotencyKey, &status, &c.Priority, &c.AttemptCount, &c.LastError, &c.NextAttemptAt,
		&c.CreatedAt, &c.UpdatedAt, &c.seq,
	)
	if err != nil {
		return nil, err
	}
	c.CommandType = CommandType(cmdType)
	c.Status = Status(status)
	c.Payload = payload
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if c.NextAttemptAt != nil {
		t := c.NextAttemptAt.UTC()
		c.NextAttemptAt = &t
	}
	return &c, nil
}
