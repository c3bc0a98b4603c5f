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

func scanLocker(row interface{ Scan(...any) error }) (Locker, error) {
	var l Locker
	var ownerKey, displayName sql.NullString
	var reservedAt, ownedAt sql.NullString
	var isVIP int
	var updatedAt string

	if err := row.Scan(
		&l.KioskID, &l.ID, &l.Status, &l.OwnerType, &ownerKey,
		&reservedAt, &ownedAt, &isVIP, &displayName, &l.Version, &updatedAt,
	); err != nil {
		return Locker{}, err
	}

	if ownerKey.Valid {
		v := ownerKey.String
		l.OwnerKey = &v
	}
	if displayName.Valid {
		v := displayName.String
		l.DisplayName = &v
	}
	if reservedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, reservedAt.String)
		if err == nil {
			l.ReservedAt = &t
		}
	}
	if ownedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, ownedAt.String)
		if err == nil {
			l.OwnedAt = &t
		}
	}
	l.IsVIP = isVIP != 0
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		l.UpdatedAt = t
	}
	return l, nil
}

const lockerColumns = `kiosk_id, id, status, owner_type, owner_key, reserved_at, owned_at, is_vip, display_name, version, updated_at`

// GetLocker returns the current row, or lockererr.ErrNotFound if absent.
func (s *Store) GetLocker(ctx context.Context, kioskID string, id int) (Locker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lockerColumns+` FROM lockers WHERE kiosk_id = ? AND id = ?`, kioskID, id)
	l, err := scanLocker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Locker{}, lockererr.New(lockererr.KindNotFound, "locker not found", err)
	}
	if err != nil {
		return Locker{}, fmt.Errorf("store: get locker: %w", err)
	}
	return l, nil
}

// ListLockers returns all lockers provisioned for a kiosk, ordered by id.
func (s *Store) ListLockers(ctx context.Context, kioskID string) ([]Locker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lockerColumns+` FROM lockers WHERE kiosk_id = ? ORDER BY id`, kioskID)
	if err != nil {
		return nil, fmt.Errorf("store: list lockers: %w", err)
	}
	defer rows.Close()

	var out []Locker
	for rows.Next() {
		l, err := scanLocker(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan locker: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListReservedOlderThan returns Reserved lockers whose reserved_at is
// before cutoff, for the reservation-expiry sweep (§4.2).
func (s *Store) ListReservedOlderThan(ctx context.Context, cutoff time.Time) ([]Locker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lockerColumns+` FROM lockers WHERE status = ? AND reserved_at < ?`,
		StatusReserved, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("store: list stale reservations: %w", err)
	}
	defer rows.Close()

	var out []Locker
	for rows.Next() {
		l, err := scanLocker(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan locker: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListOpeningOlderThan returns Opening lockers whose updated_at (the last
// state-machine transition, which is also refreshed on every retried
// pulse attempt) is before cutoff — candidates for the orphaned-Opening
// recovery sweep (§4.4: "Opening rows that cannot be verified become
// Error, never Free or Owned").
func (s *Store) ListOpeningOlderThan(ctx context.Context, cutoff time.Time) ([]Locker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lockerColumns+` FROM lockers WHERE status = ? AND updated_at < ?`,
		StatusOpening, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("store: list stale opening: %w", err)
	}
	defer rows.Close()

	var out []Locker
	for rows.Next() {
		l, err := scanLocker(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan locker: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListOwnedByOwner finds lockers a given owner (rfid uid or device hash)
// currently holds on a kiosk (Owned/Opening/Reserved), enforcing
// invariant (iii) at the call site (assign checks this before reserving).
func (s *Store) ListOwnedByOwner(ctx context.Context, kioskID string, ownerType OwnerType, ownerKey string) ([]Locker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lockerColumns+` FROM lockers
		 WHERE kiosk_id = ? AND owner_type = ? AND owner_key = ?
		   AND status IN (?, ?, ?)`,
		kioskID, ownerType, ownerKey, StatusOwned, StatusOpening, StatusReserved)
	if err != nil {
		return nil, fmt.Errorf("store: list owned by owner: %w", err)
	}
	defer rows.Close()

	var out []Locker
	for rows.Next() {
		l, err := scanLocker(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan locker: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListOwnedByRFID is ListOwnedByOwner scoped to rfid owners, kept as a
// named entry point since it's the hot path (every card scan checks it).
func (s *Store) ListOwnedByRFID(ctx context.Context, kioskID, ownerKey string) ([]Locker, error) {
	return s.ListOwnedByOwner(ctx, kioskID, OwnerRFID, ownerKey)
}

// ListFreeNonVIP returns Free, non-VIP lockers for a kiosk ordered by id;
// used by assignRfid to pick the next available locker.
func (s *Store) ListFreeNonVIP(ctx context.Context, kioskID string) ([]Locker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lockerColumns+` FROM lockers
		 WHERE kiosk_id = ? AND status = ? AND is_vip = 0
		 ORDER BY id`, kioskID, StatusFree)
	if err != nil {
		return nil, fmt.Errorf("store: list free lockers: %w", err)
	}
	defer rows.Close()

	var out []Locker
	for rows.Next() {
		l, err := scanLocker(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan locker: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ProvisionLocker inserts a new locker row (decommissioned/created by
// provisioning when a kiosk first announces its channel count, §3).
func (s *Store) ProvisionLocker(ctx context.Context, l Locker) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	ownerType := l.OwnerType
	if ownerType == "" {
		ownerType = OwnerNone
	}
	status := l.Status
	if status == "" {
		status = StatusFree
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lockers (kiosk_id, id, status, owner_type, owner_key, reserved_at, owned_at, is_vip, display_name, version, updated_at)
		 VALUES (?, ?, ?, ?, ?, NULL, NULL, ?, ?, 0, ?)`,
		l.KioskID, l.ID, status, ownerType, nullableStr(l.OwnerKey), boolToInt(l.IsVIP), nullableStr(l.DisplayName), now)
	if err != nil {
		return fmt.Errorf("store: provision locker: %w", err)
	}
	return nil
}

// ProvisionIfEmpty implements §3's "created by provisioning when a kiosk
// first announces its channel count": if the kiosk has no locker rows yet,
// it inserts lockers 1..channelCount as Free/non-VIP. A kiosk that already
// has rows is left untouched, so a later heartbeat with a different
// channel count never re-provisions or resizes an existing fleet — that is
// an operator action (decommission/provision), not an automatic one.
func (s *Store) ProvisionIfEmpty(ctx context.Context, kioskID string, channelCount int) (int, error) {
	if channelCount <= 0 {
		return 0, nil
	}
	var provisioned int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM lockers WHERE kiosk_id = ?`, kioskID).Scan(&n); err != nil {
			return fmt.Errorf("store: count lockers: %w", err)
		}
		if n > 0 {
			return nil
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		for id := 1; id <= channelCount; id++ {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO lockers (kiosk_id, id, status, owner_type, owner_key, reserved_at, owned_at, is_vip, display_name, version, updated_at)
				 VALUES (?, ?, ?, ?, NULL, NULL, NULL, 0, NULL, 0, ?)`,
				kioskID, id, StatusFree, OwnerNone, now)
			if err != nil {
				return fmt.Errorf("store: auto-provision locker %d: %w", id, err)
			}
		}
		provisioned = channelCount
		return nil
	})
	if err != nil {
		return 0, err
	}
	return provisioned, nil
}

// DecommissionLocker removes a locker row. Callers must have already
// verified status=Free and !is_vip (§3 lifecycle); this method also
// re-checks inside the same transaction via the WHERE clause so the
// invariant cannot be bypassed by a stale read, and additionally refuses
// to delete while any non-terminal command still references the locker
// (§3: "deleting a locker is not allowed while any non-terminal command
// references it" — commands reference lockers by (kiosk_id, locker_id)
// without a foreign key, so this is enforced by scanning payloads rather
// than a cascade).
func (s *Store) DecommissionLocker(ctx context.Context, kioskID string, id int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT payload FROM command_queue WHERE kiosk_id = ? AND status IN (?, ?)`,
			kioskID, CommandPending, CommandExecuting)
		if err != nil {
			return fmt.Errorf("store: decommission check active commands: %w", err)
		}
		referenced := false
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				rows.Close()
				return fmt.Errorf("store: decommission scan payload: %w", err)
			}
			var p CommandPayload
			if err := json.Unmarshal([]byte(raw), &p); err != nil {
				rows.Close()
				return fmt.Errorf("store: decommission unmarshal payload: %w", err)
			}
			if p.LockerID != nil && *p.LockerID == id {
				referenced = true
				break
			}
			for _, lid := range p.LockerIDs {
				if lid == id {
					referenced = true
					break
				}
			}
			if referenced {
				break
			}
		}
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		if referenced {
			return lockererr.New(lockererr.KindConflict, "locker referenced by a non-terminal command", nil)
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM lockers WHERE kiosk_id = ? AND id = ? AND status = ? AND is_vip = 0`,
			kioskID, id, StatusFree)
		if err != nil {
			return fmt.Errorf("store: decommission locker: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: decommission rows affected: %w", err)
		}
		if n == 0 {
			return lockererr.New(lockererr.KindConflict, "locker not decommissionable (not Free or VIP)", nil)
		}
		return nil
	})
}

// UpdateLocker applies fn to the current row inside a transaction,
// persists the mutated fields with an incremented version, and inserts ev
// (if non-nil) in the same transaction, satisfying "every transition
// writes one event in the same transaction" (§4.2). It fails with
// lockererr.ErrConflict if expectedVersion does not match the row
// currently in the store (defense in depth alongside the caller's
// per-locker serialization, see internal/locker).
func (s *Store) UpdateLocker(ctx context.Context, kioskID string, id int, expectedVersion int64, fn func(*Locker) error, ev *Event) (Locker, error) {
	var updated Locker
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+lockerColumns+` FROM lockers WHERE kiosk_id = ? AND id = ?`, kioskID, id)
		current, err := scanLocker(row)
		if errors.Is(err, sql.ErrNoRows) {
			return lockererr.New(lockererr.KindNotFound, "locker not found", err)
		}
		if err != nil {
			return fmt.Errorf("store: update locker scan: %w", err)
		}
		if current.Version != expectedVersion {
			return lockererr.New(lockererr.KindConflict, "locker version mismatch", nil)
		}

		next := current
		if err := fn(&next); err != nil {
			return err
		}
		next.Version = current.Version + 1
		next.UpdatedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx,
			`UPDATE lockers SET status=?, owner_type=?, owner_key=?, reserved_at=?, owned_at=?, is_vip=?, display_name=?, version=?, updated_at=?
			 WHERE kiosk_id=? AND id=? AND version=?`,
			next.Status, next.OwnerType, nullableStr(next.OwnerKey),
			nullableTime(next.ReservedAt), nullableTime(next.OwnedAt),
			boolToInt(next.IsVIP), nullableStr(next.DisplayName),
			next.Version, next.UpdatedAt.Format(time.RFC3339Nano),
			kioskID, id, current.Version)
		if err != nil {
			return fmt.Errorf("store: update locker: %w", err)
		}

		if ev != nil {
			if err := insertEventTx(ctx, tx, ev); err != nil {
				return err
			}
		}

		updated = next
		return nil
	})
	if err != nil {
		return Locker{}, err
	}
	return updated, nil
}

func nullableStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
