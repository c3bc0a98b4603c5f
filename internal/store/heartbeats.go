package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertHeartbeat records a kiosk's latest heartbeat payload, classifying
// status by the caller (internal/heartbeat derives online/degraded/offline
// from last_seen deltas; this method just persists what it's given).
func (s *Store) UpsertHeartbeat(ctx context.Context, hb KioskHeartbeat) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kiosk_heartbeat (kiosk_id, last_seen, version, zone, status, hardware_ok)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(kiosk_id) DO UPDATE SET
		   last_seen = excluded.last_seen,
		   version = excluded.version,
		   zone = excluded.zone,
		   status = excluded.status,
		   hardware_ok = excluded.hardware_ok`,
		hb.KioskID, hb.LastSeen.UTC().Format(time.RFC3339Nano), hb.Version, hb.Zone, hb.Status, boolToInt(hb.HardwareOK))
	if err != nil {
		return fmt.Errorf("store: upsert heartbeat: %w", err)
	}
	return nil
}

func scanHeartbeat(row interface{ Scan(...any) error }) (KioskHeartbeat, error) {
	var hb KioskHeartbeat
	var lastSeen string
	var hwOK int
	if err := row.Scan(&hb.KioskID, &lastSeen, &hb.Version, &hb.Zone, &hb.Status, &hwOK); err != nil {
		return KioskHeartbeat{}, err
	}
	hb.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
	hb.HardwareOK = hwOK != 0
	return hb, nil
}

// GetHeartbeat returns a kiosk's last-known heartbeat row.
func (s *Store) GetHeartbeat(ctx context.Context, kioskID string) (KioskHeartbeat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT kiosk_id, last_seen, version, zone, status, hardware_ok FROM kiosk_heartbeat WHERE kiosk_id = ?`, kioskID)
	hb, err := scanHeartbeat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return KioskHeartbeat{}, nil
	}
	if err != nil {
		return KioskHeartbeat{}, fmt.Errorf("store: get heartbeat: %w", err)
	}
	return hb, nil
}

// ListHeartbeats returns all known kiosks with their current status
// classification, for GET /kiosks (§4.8).
func (s *Store) ListHeartbeats(ctx context.Context) ([]KioskHeartbeat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kiosk_id, last_seen, version, zone, status, hardware_ok FROM kiosk_heartbeat ORDER BY kiosk_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list heartbeats: %w", err)
	}
	defer rows.Close()

	var out []KioskHeartbeat
	for rows.Next() {
		hb, err := scanHeartbeat(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan heartbeat: %w", err)
		}
		out = append(out, hb)
	}
	return out, rows.Err()
}

// UpdateHeartbeatStatus updates only the status classification column,
// used by the Heartbeat & Recovery monitor's periodic reclassification
// pass without requiring a fresh heartbeat payload.
func (s *Store) UpdateHeartbeatStatus(ctx context.Context, kioskID string, status KioskHeartbeatStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE kiosk_heartbeat SET status = ? WHERE kiosk_id = ?`, status, kioskID)
	if err != nil {
		return fmt.Errorf("store: update heartbeat status: %w", err)
	}
	return nil
}
