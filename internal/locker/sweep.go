package locker

import (
	"context"
	"time"

	"github.com/lockerfleet/locker-control/internal/log"
	"github.com/lockerfleet/locker-control/internal/store"
)

// SweepConfig configures the reservation-expiry and VIP-contract-expiry
// background loops.
type SweepConfig struct {
	Interval          time.Duration
	ReservationWindow time.Duration
}

// DefaultSweepConfig returns the default sweep cadence.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{Interval: 10 * time.Second, ReservationWindow: DefaultReservationWindow}
}

// RunReservationSweep periodically sweeps Reserved lockers older than the
// reservation window back to Free, emitting reservation_expired (§4.2).
// It runs until ctx is cancelled, matching the teacher's ticker-loop
// sweeper shape.
func (m *Manager) RunReservationSweep(ctx context.Context, cfg SweepConfig) error {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepConfig().Interval
	}
	if cfg.ReservationWindow <= 0 {
		cfg.ReservationWindow = m.ReservationWindow
	}
	logger := log.WithComponent("locker.reservation_sweep")

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := m.sweepReservationsOnce(ctx, cfg.ReservationWindow)
			if err != nil {
				logger.Warn().Err(err).Msg("reservation sweep failed")
				continue
			}
			if n > 0 {
				logger.Info().Int("expired", n).Msg("reservation sweep")
			}
		}
	}
}

// SweepReservationsOnce runs a single reservation-expiry pass using the
// Manager's configured reservation window. Exported so Gateway startup
// recovery (§4.4: "sweep Reserved lockers past their window") can trigger
// one pass without waiting for the ticker loop's first tick.
func (m *Manager) SweepReservationsOnce(ctx context.Context) (int, error) {
	return m.sweepReservationsOnce(ctx, m.ReservationWindow)
}

func (m *Manager) sweepReservationsOnce(ctx context.Context, window time.Duration) (int, error) {
	cutoff := time.Now().Add(-window)
	stale, err := m.Store.ListReservedOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var swept int
	for _, l := range stale {
		if err := m.expireReservation(ctx, l.KioskID, l.ID, l.Version); err != nil {
			continue
		}
		swept++
	}
	return swept, nil
}

func (m *Manager) expireReservation(ctx context.Context, kioskID string, lockerID int, expectedVersion int64) error {
	release, err := m.Guards.Acquire(ctx, kioskID, lockerID)
	if err != nil {
		return err
	}
	defer release()

	_, err = m.Store.UpdateLocker(ctx, kioskID, lockerID, expectedVersion, func(l *store.Locker) error {
		if l.Status != store.StatusReserved {
			// Already progressed (confirmed ownership, or swept by a
			// concurrent tick); nothing to do.
			return errAlreadyHandled
		}
		l.Status = store.StatusFree
		l.OwnerType = store.OwnerNone
		l.OwnerKey = nil
		l.ReservedAt = nil
		return nil
	}, &store.Event{
		KioskID: kioskID, LockerID: &lockerID, Type: store.EventReservationExp, Actor: "system",
	})
	if err == errAlreadyHandled {
		return nil
	}
	return err
}

// RecoverOrphanedOpening transitions Opening lockers whose last update is
// older than threshold straight to Error, never back to Free or Owned
// (§4.4's unverifiable-Opening rule). An Opening row survives a pulse
// attempt only as long as that attempt is still in flight; one stuck past
// threshold means the process that owned it died mid-pulse (or mid-retry)
// without ever calling PulseSucceeded/PulseFailed, so its true hardware
// state is unknown and must fail closed. Invoked from kiosk/gateway
// startup recovery and the periodic recovery sweep loop
// (internal/heartbeat), not from PulseFailed itself, since PulseFailed
// already handles the in-process exhausted-retries case.
func (m *Manager) RecoverOrphanedOpening(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold)
	stuck, err := m.Store.ListOpeningOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var recovered int
	for _, l := range stuck {
		if err := m.failOrphanedOpening(ctx, l.KioskID, l.ID, l.Version); err != nil {
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (m *Manager) failOrphanedOpening(ctx context.Context, kioskID string, lockerID int, expectedVersion int64) error {
	release, err := m.Guards.Acquire(ctx, kioskID, lockerID)
	if err != nil {
		return err
	}
	defer release()

	_, err = m.Store.UpdateLocker(ctx, kioskID, lockerID, expectedVersion, func(l *store.Locker) error {
		if l.Status != store.StatusOpening {
			// A pulse completed (success or exhausted failure) between
			// the list scan and acquiring the guard; leave it alone.
			return errAlreadyHandled
		}
		l.Status = store.StatusError
		return nil
	}, &store.Event{
		KioskID: kioskID, LockerID: &lockerID, Type: store.EventHardwareError, Actor: "system",
		Details: map[string]any{"cause": "opening state unverified after restart"},
	})
	if err == errAlreadyHandled {
		return nil
	}
	return err
}

var errAlreadyHandled = errAlreadyHandledSentinel{}

type errAlreadyHandledSentinel struct{}

func (errAlreadyHandledSentinel) Error() string { return "locker already progressed past reservation" }

// RunVipExpirySweep periodically releases VIP contracts past their
// valid_to, flipping the contract inactive and the locker back to Free,
// and emits vip_release (SPEC_FULL.md §12 — this is what makes §3
// invariant (iv)'s "explicit contract termination" escape hatch actually
// fire without a staff member manually acting on every contract).
func (m *Manager) RunVipExpirySweep(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepConfig().Interval
	}
	logger := log.WithComponent("locker.vip_sweep")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := m.sweepVipExpiryOnce(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("vip expiry sweep failed")
				continue
			}
			if n > 0 {
				logger.Info().Int("expired", n).Msg("vip contracts released")
			}
		}
	}
}

func (m *Manager) sweepVipExpiryOnce(ctx context.Context) (int, error) {
	expired, err := m.Store.ListExpiredVipContracts(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	var released int
	for _, c := range expired {
		if err := m.releaseVipContract(ctx, c); err != nil {
			continue
		}
		released++
	}
	return released, nil
}

func (m *Manager) releaseVipContract(ctx context.Context, c store.VipContract) error {
	release, err := m.Guards.Acquire(ctx, c.KioskID, c.LockerID)
	if err != nil {
		return err
	}
	defer release()

	locker, err := m.Store.GetLocker(ctx, c.KioskID, c.LockerID)
	if err != nil {
		return err
	}
	if locker.OwnerType == store.OwnerVIP && locker.OwnerKey != nil && *locker.OwnerKey == c.OwnerKey {
		_, err = m.Store.UpdateLocker(ctx, c.KioskID, c.LockerID, locker.Version, func(l *store.Locker) error {
			l.Status = store.StatusFree
			l.OwnerType = store.OwnerNone
			l.OwnerKey = nil
			l.IsVIP = false
			return nil
		}, &store.Event{
			KioskID: c.KioskID, LockerID: &c.LockerID, Type: store.EventVIPRelease, Actor: "system",
		})
		if err != nil {
			return err
		}
	}
	return m.Store.DeactivateVipContract(ctx, c.ID)
}
