package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lockerfleet/locker-control/internal/lockererr"
)

const commandColumns = `command_id, kiosk_id, type, payload, status, created_at, next_attempt_at, executed_at, completed_at, last_error, retry_count, max_retries, duration_ms`

func scanCommand(row interface{ Scan(...any) error }) (Command, error) {
	var c Command
	var payload string
	var createdAt, nextAttemptAt string
	var executedAt, completedAt, lastError sql.NullString
	var durationMs sql.NullInt64

	if err := row.Scan(
		&c.CommandID, &c.KioskID, &c.Type, &payload, &c.Status,
		&createdAt, &nextAttemptAt, &executedAt, &completedAt, &lastError,
		&c.RetryCount, &c.MaxRetries, &durationMs,
	); err != nil {
		return Command{}, err
	}

	if err := json.Unmarshal([]byte(payload), &c.Payload); err != nil {
		return Command{}, fmt.Errorf("store: unmarshal command payload: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.NextAttemptAt, _ = time.Parse(time.RFC3339Nano, nextAttemptAt)
	if executedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, executedAt.String)
		c.ExecutedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		c.CompletedAt = &t
	}
	if lastError.Valid {
		v := lastError.String
		c.LastError = &v
	}
	if durationMs.Valid {
		v := durationMs.Int64
		c.DurationMs = &v
	}
	return c, nil
}

// EnqueueResult is returned by Enqueue (§4.3).
type EnqueueResult struct {
	Command   Command
	Duplicate bool
}

// Enqueue inserts a new pending command keyed by commandID. If a row with
// that id already exists, it is NOT recreated; the existing row's current
// status is returned with Duplicate=true, satisfying the idempotent
// enqueue property (§8.1) regardless of whether commandID was supplied by
// the caller or generated upstream.
func (s *Store) Enqueue(ctx context.Context, commandID, kioskID string, cmdType CommandType, payload CommandPayload, maxRetries int) (EnqueueResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("store: marshal payload: %w", err)
	}

	var result EnqueueResult
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM command_queue WHERE command_id = ?`, commandID)
		existing, err := scanCommand(row)
		if err == nil {
			result = EnqueueResult{Command: existing, Duplicate: true}
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: enqueue lookup: %w", err)
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO command_queue (command_id, kiosk_id, type, payload, status, created_at, next_attempt_at, retry_count, max_retries)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			commandID, kioskID, cmdType, string(body), CommandPending,
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), maxRetries)
		if err != nil {
			return fmt.Errorf("store: insert command: %w", err)
		}

		row = tx.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM command_queue WHERE command_id = ?`, commandID)
		created, err := scanCommand(row)
		if err != nil {
			return fmt.Errorf("store: reload enqueued command: %w", err)
		}
		result = EnqueueResult{Command: created, Duplicate: false}
		return nil
	})
	return result, err
}

// GetCommand returns the current snapshot of a command row.
func (s *Store) GetCommand(ctx context.Context, commandID string) (Command, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM command_queue WHERE command_id = ?`, commandID)
	c, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Command{}, lockererr.New(lockererr.KindNotFound, "command not found", err)
	}
	if err != nil {
		return Command{}, fmt.Errorf("store: get command: %w", err)
	}
	return c, nil
}

// ClaimNext atomically selects the oldest pending command for kioskID
// whose next_attempt_at has arrived, transitions it to executing, and
// returns it. A conditional UPDATE on status guarantees no two callers
// ever receive the same row (§8.2, at-most-once claim).
func (s *Store) ClaimNext(ctx context.Context, kioskID string) (*Command, error) {
	var claimed *Command
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		row := tx.QueryRowContext(ctx,
			`SELECT command_id FROM command_queue
			 WHERE kiosk_id = ? AND status = ? AND next_attempt_at <= ?
			 ORDER BY next_attempt_at ASC, created_at ASC LIMIT 1`,
			kioskID, CommandPending, now.Format(time.RFC3339Nano))
		var commandID string
		if err := row.Scan(&commandID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("store: select claimable command: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE command_queue SET status = ?, executed_at = ? WHERE command_id = ? AND status = ?`,
			CommandExecuting, now.Format(time.RFC3339Nano), commandID, CommandPending)
		if err != nil {
			return fmt.Errorf("store: claim command: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: claim rows affected: %w", err)
		}
		if n == 0 {
			// Raced with another claimer between SELECT and UPDATE;
			// this cycle yields nothing rather than retrying, the
			// poll loop will pick it up (or a different row) next
			// tick.
			return nil
		}

		crow := tx.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM command_queue WHERE command_id = ?`, commandID)
		c, err := scanCommand(crow)
		if err != nil {
			return fmt.Errorf("store: reload claimed command: %w", err)
		}
		claimed = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete marks a command completed. Idempotent: completing an
// already-terminal command is a no-op that returns success without
// touching timestamps (§4.3).
func (s *Store) Complete(ctx context.Context, commandID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM command_queue WHERE command_id = ?`, commandID)
		c, err := scanCommand(row)
		if errors.Is(err, sql.ErrNoRows) {
			return lockererr.New(lockererr.KindNotFound, "command not found", err)
		}
		if err != nil {
			return fmt.Errorf("store: complete lookup: %w", err)
		}
		if c.Status.IsTerminal() {
			return nil
		}

		now := time.Now().UTC()
		var durationMs *int64
		if c.ExecutedAt != nil {
			d := now.Sub(*c.ExecutedAt).Milliseconds()
			durationMs = &d
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE command_queue SET status = ?, completed_at = ?, duration_ms = ? WHERE command_id = ?`,
			CommandCompleted, now.Format(time.RFC3339Nano), durationMs, commandID)
		if err != nil {
			return fmt.Errorf("store: complete update: %w", err)
		}
		return nil
	})
}

// Fail records a failure. If retryable and retry_count < max_retries, the
// row returns to pending with retry_count+1 and next_attempt_at advanced
// by backoff(retry_count+1); otherwise it becomes terminally failed
// (§4.3).
func (s *Store) Fail(ctx context.Context, commandID string, cause string, retryable bool, backoff func(retryCount int) time.Duration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM command_queue WHERE command_id = ?`, commandID)
		c, err := scanCommand(row)
		if errors.Is(err, sql.ErrNoRows) {
			return lockererr.New(lockererr.KindNotFound, "command not found", err)
		}
		if err != nil {
			return fmt.Errorf("store: fail lookup: %w", err)
		}
		if c.Status.IsTerminal() {
			return nil
		}

		now := time.Now().UTC()
		if retryable && c.RetryCount < c.MaxRetries {
			next := c.RetryCount + 1
			nextAt := now.Add(backoff(next))
			_, err = tx.ExecContext(ctx,
				`UPDATE command_queue SET status = ?, retry_count = ?, next_attempt_at = ?, last_error = ?, executed_at = NULL WHERE command_id = ?`,
				CommandPending, next, nextAt.Format(time.RFC3339Nano), cause, commandID)
			if err != nil {
				return fmt.Errorf("store: fail->pending update: %w", err)
			}
			return nil
		}

		var durationMs *int64
		if c.ExecutedAt != nil {
			d := now.Sub(*c.ExecutedAt).Milliseconds()
			durationMs = &d
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE command_queue SET status = ?, completed_at = ?, duration_ms = ?, last_error = ? WHERE command_id = ?`,
			CommandFailed, now.Format(time.RFC3339Nano), durationMs, cause, commandID)
		if err != nil {
			return fmt.Errorf("store: fail->terminal update: %w", err)
		}
		return nil
	})
}

// Cancel transitions a command to cancelled. Valid only while pending;
// attempting to cancel a non-pending command returns lockererr.ErrConflict
// (terminal rows reject cancellation, and executing commands must be
// completed or failed by the executor, never cancelled externally, §5).
func (s *Store) Cancel(ctx context.Context, commandID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE command_queue SET status = ? WHERE command_id = ? AND status = ?`,
		CommandCancelled, commandID, CommandPending)
	if err != nil {
		return fmt.Errorf("store: cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: cancel rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.GetCommand(ctx, commandID); err != nil {
		return err
	}
	return lockererr.New(lockererr.KindConflict, "command is not pending", nil)
}

// ListPending returns up to limit pending commands for a kiosk, oldest
// first, for the Gateway's long-poll visibility endpoint (§4.8 GET
// /kiosks/{kiosk_id}/commands). This is read-only: it never claims a row,
// matching the spec's "GET does not claim" rule.
func (s *Store) ListPending(ctx context.Context, kioskID string, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM command_queue
		 WHERE kiosk_id = ? AND status = ?
		 ORDER BY created_at ASC LIMIT ?`,
		kioskID, CommandPending, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list pending commands: %w", err)
	}
	defer rows.Close()

	var out []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan pending command: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountActive returns the number of pending+executing rows for a kiosk,
// used for the per-kiosk depth backpressure check (§5, §8.11).
func (s *Store) CountActive(ctx context.Context, kioskID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM command_queue WHERE kiosk_id = ? AND status IN (?, ?)`,
		kioskID, CommandPending, CommandExecuting).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count active commands: %w", err)
	}
	return n, nil
}

// ListStaleExecuting returns rows stuck in executing since before cutoff,
// for the Heartbeat & Recovery stale-command sweep (§4.3, §4.4).
func (s *Store) ListStaleExecuting(ctx context.Context, cutoff time.Time) ([]Command, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM command_queue WHERE status = ? AND executed_at < ?`,
		CommandExecuting, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("store: list stale executing: %w", err)
	}
	defer rows.Close()

	var out []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan stale command: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
