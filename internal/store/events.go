package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

func insertEventTx(ctx context.Context, tx *sql.Tx, ev *Event) error {
	var details any
	if len(ev.Details) > 0 {
		body, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("store: marshal event details: %w", err)
		}
		details = string(body)
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (ts, kiosk_id, locker_id, type, actor, details) VALUES (?, ?, ?, ?, ?, ?)`,
		ts.Format(time.RFC3339Nano), ev.KioskID, ev.LockerID, ev.Type, ev.Actor, details)
	if err != nil {
		return fmt.Errorf("store: insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err == nil {
		ev.ID = id
	}
	return nil
}

// InsertEvent appends a standalone event (system-level events not tied to
// a locker-state transition, e.g. `restart`).
func (s *Store) InsertEvent(ctx context.Context, ev *Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertEventTx(ctx, tx, ev)
	})
}

// ListEvents returns recent events for a kiosk, most recent first,
// bounded by limit.
func (s *Store) ListEvents(ctx context.Context, kioskID string, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, kiosk_id, locker_id, type, actor, details
		 FROM events WHERE kiosk_id = ? ORDER BY id DESC LIMIT ?`, kioskID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row interface{ Scan(...any) error }) (Event, error) {
	var e Event
	var ts string
	var lockerID sql.NullInt64
	var details sql.NullString

	if err := row.Scan(&e.ID, &ts, &e.KioskID, &lockerID, &e.Type, &e.Actor, &details); err != nil {
		return Event{}, fmt.Errorf("store: scan event: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		e.Timestamp = t
	}
	if lockerID.Valid {
		v := int(lockerID.Int64)
		e.LockerID = &v
	}
	if details.Valid && details.String != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(details.String), &m); err == nil {
			e.Details = m
		}
	}
	return e, nil
}

// PruneEventsBefore deletes event rows older than cutoff. Administrative,
// operator-invoked bound on table growth (SPEC_FULL.md §12); not run
// automatically.
func (s *Store) PruneEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("store: prune events: %w", err)
	}
	return res.RowsAffected()
}
