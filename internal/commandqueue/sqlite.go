package commandqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SQLiteStore keeps the queue in the service's SQLite database.
// Tables come from migrations/20260315_090000_command_queue.up.sql.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store on an open SQLite connection.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const sqliteColumns = `id, facility_id, gateway_id, device_id, command_type, payload,
	idempotency_key, status, priority, attempt_count, last_error, next_attempt_at,
	created_at, updated_at, rowid`

// Insert implements Store.
func (s *SQLiteStore) Insert(ctx context.Context, cmd *Command) (*Command, error) {
	now := formatTime(cmd.CreatedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_commands (
			id, facility_id, gateway_id, device_id, command_type, payload,
			idempotency_key, status, priority, attempt_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (idempotency_key)
			WHERE status IN ('pending', 'queued', 'in_progress', 'failed')
			DO NOTHING`,
		cmd.ID, cmd.FacilityID, cmd.GatewayID, cmd.DeviceID, string(cmd.CommandType),
		string(cmd.Payload), cmd.IdempotencyKey, string(cmd.Status), cmd.Priority, now, now,
	)
	if err != nil {
		return nil, s.wrap("inserting command", err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM gateway_commands
		WHERE idempotency_key = ? AND status IN ('pending', 'queued', 'in_progress', 'failed')
		ORDER BY created_at DESC LIMIT 1`, cmd.IdempotencyKey)
	got, err := scanSQLiteCommand(row)
	if err != nil {
		return nil, s.wrap("loading active command", err)
	}
	return got, nil
}

// PickDue implements Store. The claim is a single UPDATE, which SQLite
// serializes against other writers.
func (s *SQLiteStore) PickDue(ctx context.Context, now time.Time, limit int) ([]Command, error) {
	ts := formatTime(now)
	rows, err := s.db.QueryContext(ctx, `
		UPDATE gateway_commands
		SET status = 'in_progress', updated_at = ?
		WHERE id IN (
			SELECT id FROM gateway_commands
			WHERE status IN ('pending', 'queued')
				AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			ORDER BY priority DESC, created_at ASC, rowid ASC
			LIMIT ?
		)
		RETURNING `+sqliteColumns,
		ts, ts, limit,
	)
	if err != nil {
		return nil, s.wrap("claiming due commands", err)
	}
	cmds, err := collectSQLite(rows)
	if err != nil {
		return nil, s.wrap("claiming due commands", err)
	}
	sortClaimed(cmds)
	return cmds, nil
}

// RequeueDue implements Store.
func (s *SQLiteStore) RequeueDue(ctx context.Context, now time.Time) (int, error) {
	ts := formatTime(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE gateway_commands
		SET status = 'queued', updated_at = ?
		WHERE status = 'failed' AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?`,
		ts, ts)
	if err != nil {
		return 0, s.wrap("requeueing due commands", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ReleaseStale implements Store.
func (s *SQLiteStore) ReleaseStale(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE gateway_commands
		SET status = 'queued', updated_at = ?
		WHERE status = 'in_progress' AND updated_at < ?`,
		formatTime(time.Now()), formatTime(before))
	if err != nil {
		return 0, s.wrap("releasing stale commands", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// MarkInProgress implements Store.
func (s *SQLiteStore) MarkInProgress(ctx context.Context, id string) error {
	return s.transition(ctx, id, "marking command in progress", `
		UPDATE gateway_commands SET status = 'in_progress', updated_at = ?
		WHERE id = ? AND status IN ('pending', 'queued', 'failed')`)
}

// MarkSucceeded implements Store.
func (s *SQLiteStore) MarkSucceeded(ctx context.Context, id string) error {
	return s.transition(ctx, id, "marking command succeeded", `
		UPDATE gateway_commands
		SET status = 'succeeded', next_attempt_at = NULL, last_error = NULL, updated_at = ?
		WHERE id = ? AND status = 'in_progress'`)
}

// MarkFailed implements Store.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id, errMsg string, nextAttemptAt *time.Time, attemptCount int, deadLetter bool) error {
	status := StatusFailed
	var next sql.NullString
	if deadLetter {
		status = StatusDeadLetter
	} else if nextAttemptAt != nil {
		next = sql.NullString{String: formatTime(*nextAttemptAt), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE gateway_commands
		SET status = ?, last_error = ?, next_attempt_at = ?, attempt_count = ?, updated_at = ?
		WHERE id = ? AND status = 'in_progress'`,
		string(status), errMsg, next, attemptCount, formatTime(time.Now()), id)
	if err != nil {
		return s.wrap("marking command failed", err)
	}
	return s.checkTransition(ctx, res, id)
}

// RetryNow implements Store.
func (s *SQLiteStore) RetryNow(ctx context.Context, id string) error {
	return s.transition(ctx, id, "retrying command", `
		UPDATE gateway_commands
		SET status = 'queued', next_attempt_at = NULL, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'queued', 'failed')`)
}

// RequeueDead implements Store.
func (s *SQLiteStore) RequeueDead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE gateway_commands
		SET status = 'queued', attempt_count = 0, next_attempt_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'dead_letter'`,
		formatTime(time.Now()), id)
	if err != nil {
		if isSQLiteUnique(err) {
			return ErrConflict
		}
		return s.wrap("requeueing dead-lettered command", err)
	}
	return s.checkTransition(ctx, res, id)
}

// Cancel implements Store.
func (s *SQLiteStore) Cancel(ctx context.Context, id string) error {
	return s.transition(ctx, id, "cancelling command", `
		UPDATE gateway_commands SET status = 'cancelled', next_attempt_at = NULL, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'queued', 'failed', 'dead_letter')`)
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Command, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM gateway_commands WHERE id = ?`, id)
	cmd, err := scanSQLiteCommand(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, s.wrap("loading command", err)
	}
	return cmd, nil
}

// List implements Store. Newest first.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Command, error) {
	var where []string
	var args []any
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(f.Statuses)), ", ")+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.GatewayID != "" {
		where = append(where, "gateway_id = ?")
		args = append(args, f.GatewayID)
	}
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}

	query := `SELECT ` + sqliteColumns + ` FROM gateway_commands`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, f.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrap("listing commands", err)
	}
	cmds, err := collectSQLite(rows)
	if err != nil {
		return nil, s.wrap("listing commands", err)
	}
	return cmds, nil
}

// RecordStart implements Store.
func (s *SQLiteStore) RecordStart(ctx context.Context, commandID string, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gateway_command_attempts (id, command_id, started_at) VALUES (?, ?, ?)`,
		id, commandID, formatTime(at))
	if err != nil {
		return "", s.wrap("recording attempt start", err)
	}
	return id, nil
}

// RecordFinish implements Store. A finished attempt is never rewritten.
func (s *SQLiteStore) RecordFinish(ctx context.Context, attemptID string, at time.Time, success bool, errMsg string) error {
	var errCol sql.NullString
	if errMsg != "" {
		errCol = sql.NullString{String: errMsg, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE gateway_command_attempts
		SET finished_at = ?, success = ?, error = ?
		WHERE id = ? AND finished_at IS NULL`,
		formatTime(at), success, errCol, attemptID)
	if err != nil {
		return s.wrap("recording attempt finish", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM gateway_command_attempts WHERE id = ?`, attemptID).Scan(&exists); err != nil {
		return s.wrap("checking attempt", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrAttemptFinished
}

// Attempts implements Store. Oldest first.
func (s *SQLiteStore) Attempts(ctx context.Context, commandID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command_id, started_at, finished_at, success, error
		FROM gateway_command_attempts
		WHERE command_id = ?
		ORDER BY started_at ASC, rowid ASC`, commandID)
	if err != nil {
		return nil, s.wrap("listing attempts", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var started string
		var finished, errMsg sql.NullString
		var success sql.NullBool
		if err := rows.Scan(&a.ID, &a.CommandID, &started, &finished, &success, &errMsg); err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		if a.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if finished.Valid {
			t, err := parseTime(finished.String)
			if err != nil {
				return nil, fmt.Errorf("parsing finished_at: %w", err)
			}
			a.FinishedAt = &t
		}
		if success.Valid {
			v := success.Bool
			a.Success = &v
		}
		if errMsg.Valid {
			v := errMsg.String
			a.Error = &v
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attempts: %w", err)
	}
	return out, nil
}

// transition runs an UPDATE taking (updated_at, id) and maps zero rows to
// ErrNotFound or ErrInvalidTransition.
func (s *SQLiteStore) transition(ctx context.Context, id, op, query string) error {
	res, err := s.db.ExecContext(ctx, query, formatTime(time.Now()), id)
	if err != nil {
		return s.wrap(op, err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (s *SQLiteStore) wrap(op string, err error) error {
	if err != nil && strings.Contains(err.Error(), "no such table") {
		return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

func collectSQLite(rows *sql.Rows) ([]Command, error) {
	defer rows.Close()
	var out []Command
	for rows.Next() {
		cmd, err := scanSQLiteCommand(rows)
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

func scanSQLiteCommand(row rowScanner) (*Command, error) {
	var c Command
	var cmdType, status, payload, created, updated string
	var lastError, next sql.NullString

	err := row.Scan(
		&c.ID, &c.FacilityID, &c.GatewayID, &c.DeviceID, &cmdType, &payload,
		&c.IdempotencyKey, &status, &c.Priority, &c.AttemptCount, &lastError, &next,
		&created, &updated, &c.seq,
	)
	if err != nil {
		return nil, err
	}

	c.CommandType = CommandType(cmdType)
	c.Status = Status(status)
	if payload != "" {
		c.Payload = []byte(payload)
	}
	if lastError.Valid {
		v := lastError.String
		c.LastError = &v
	}
	if next.Valid {
		t, err := parseTime(next.String)
		if err != nil {
			return nil, fmt.Errorf("parsing next_attempt_at: %w", err)
		}
		c.NextAttemptAt = &t
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}
