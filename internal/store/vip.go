package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func scanVipContract(row interface{ Scan(...any) error }) (VipContract, error) {
	var v VipContract
	var validFrom, validTo string
	var active int
	if err := row.Scan(&v.ID, &v.KioskID, &v.LockerID, &v.OwnerKey, &validFrom, &validTo, &active); err != nil {
		return VipContract{}, err
	}
	v.ValidFrom, _ = time.Parse(time.RFC3339Nano, validFrom)
	v.ValidTo, _ = time.Parse(time.RFC3339Nano, validTo)
	v.Active = active != 0
	return v, nil
}

const vipColumns = `id, kiosk_id, locker_id, owner_key, valid_from, valid_to, active`

// PutVipContract inserts or replaces a VIP contract row.
func (s *Store) PutVipContract(ctx context.Context, v VipContract) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vip_contracts (id, kiosk_id, locker_id, owner_key, valid_from, valid_to, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   kiosk_id = excluded.kiosk_id, locker_id = excluded.locker_id,
		   owner_key = excluded.owner_key, valid_from = excluded.valid_from,
		   valid_to = excluded.valid_to, active = excluded.active`,
		v.ID, v.KioskID, v.LockerID, v.OwnerKey,
		v.ValidFrom.UTC().Format(time.RFC3339Nano), v.ValidTo.UTC().Format(time.RFC3339Nano), boolToInt(v.Active))
	if err != nil {
		return fmt.Errorf("store: put vip contract: %w", err)
	}
	return nil
}

// GetActiveVipContract returns the active contract for a locker, or
// sql.ErrNoRows-derived nil if none.
func (s *Store) GetActiveVipContract(ctx context.Context, kioskID string, lockerID int) (*VipContract, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+vipColumns+` FROM vip_contracts WHERE kiosk_id = ? AND locker_id = ? AND active = 1`,
		kioskID, lockerID)
	v, err := scanVipContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get active vip contract: %w", err)
	}
	return &v, nil
}

// ListExpiredVipContracts returns active contracts whose valid_to has
// passed asOf, for the VIP contract expiry sweep (SPEC_FULL.md §12).
func (s *Store) ListExpiredVipContracts(ctx context.Context, asOf time.Time) ([]VipContract, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+vipColumns+` FROM vip_contracts WHERE active = 1 AND valid_to < ?`,
		asOf.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("store: list expired vip contracts: %w", err)
	}
	defer rows.Close()

	var out []VipContract
	for rows.Next() {
		v, err := scanVipContract(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan vip contract: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeactivateVipContract flips a contract's active flag off. Used once the
// corresponding locker has been released back to Free by the expiry
// sweep.
func (s *Store) DeactivateVipContract(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE vip_contracts SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: deactivate vip contract: %w", err)
	}
	return nil
}
