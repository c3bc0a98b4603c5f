package heartbeat

import (
	"context"

	"github.com/lockerfleet/locker-control/internal/locker"
	"github.com/lockerfleet/locker-control/internal/store"
)

// KioskStartup runs §4.4's kiosk-side recovery protocol: emit a restart
// event, request stale-command recovery scoped to this kiosk, and fail
// closed Opening lockers older than the stale threshold. The Opening sweep
// is not scoped to kioskID: it covers such lockers on every kiosk.
// Clearing the executor's in-memory/durable idempotency cache is the
// executor's own responsibility (it owns that cache); this just does the
// store-facing half.
func (m *Monitor) KioskStartup(ctx context.Context, kioskID string, lockerMgr *locker.Manager) error {
	if err := m.Store.InsertEvent(ctx, &store.Event{
		KioskID: kioskID, Type: store.EventRestart, Actor: "system",
	}); err != nil {
		return err
	}
	if _, err := m.RecoverStaleCommands(ctx, kioskID); err != nil {
		return err
	}
	if lockerMgr == nil {
		return nil
	}
	_, err := lockerMgr.RecoverOrphanedOpening(ctx, m.Cfg.StaleThreshold)
	return err
}

// GatewayStartup runs §4.4's Gateway-side recovery protocol: a global
// stale-command sweep, a reservation-expiry sweep, and the
// orphaned-Opening sweep, so a Gateway restart can't leave executing
// commands, Reserved lockers, or unverified Opening lockers stuck past
// their windows waiting for the periodic loops to notice.
func GatewayStartup(ctx context.Context, m *Monitor, lockerMgr *locker.Manager) error {
	if _, err := m.RecoverStaleCommands(ctx, ""); err != nil {
		return err
	}
	if lockerMgr != nil {
		if _, err := lockerMgr.SweepReservationsOnce(ctx); err != nil {
			return err
		}
		if _, err := lockerMgr.RecoverOrphanedOpening(ctx, m.Cfg.StaleThreshold); err != nil {
			return err
		}
	}
	return nil
}
