// Package locker implements the Locker State Manager (§4.2): the
// canonical locker state machine, serialized per (kiosk_id, locker_id),
// that enforces the invariants of §3. Each transition that logs an event
// writes it in the same store transaction as the state change;
// ConfirmOwnership, PulseSucceeded and ClearError log no event.
package locker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/lockerfleet/locker-control/internal/lockererr"
	"github.com/lockerfleet/locker-control/internal/store"
)

// PulseIntent records what a Modbus pulse is meant to accomplish so
// PulseSucceeded/PulseFailed can resolve Opening to the right terminal
// state without the state machine's table needing a third dimension.
type PulseIntent struct {
	TargetStatus store.LockerStatus
	ClearOwner   bool
}

// DefaultReservationWindow is the fallback reservation window (§4.2).
const DefaultReservationWindow = 90 * time.Second

// Manager is the sole writer of locker rows (§3's ownership model).
type Manager struct {
	Store              *store.Store
	Guards             *Guards
	ReservationWindow  time.Duration
}

// NewManager constructs a Manager with the given store, a fresh guard
// table, and the configured reservation window (falls back to the
// default if zero).
func NewManager(st *store.Store, reservationWindow time.Duration) *Manager {
	if reservationWindow <= 0 {
		reservationWindow = DefaultReservationWindow
	}
	return &Manager{Store: st, Guards: NewGuards(), ReservationWindow: reservationWindow}
}

func normalizeUID(uid string) string {
	uid = strings.ToUpper(strings.TrimSpace(uid))
	return strings.NewReplacer("-", "", ":", "", " ", "").Replace(uid)
}

// NormalizeUID applies the same uppercase-hex-no-separators normalization
// (§4.7) that AssignRFID/PresentRFID use internally, exported so
// internal/rfid can key its debounce table and owner lookups on the same
// canonical form the Manager will compare against.
func NormalizeUID(uid string) string {
	return normalizeUID(uid)
}

// AssignRFID implements Free --assignRfid(uid)--> Reserved. It picks the
// lowest-numbered Free, non-VIP locker on the kiosk. Edge policies per §4.2:
// a caller who already owns a locker on this kiosk gets AlreadyOwnsError;
// an empty free pool returns NoLockersError.
func (m *Manager) AssignRFID(ctx context.Context, kioskID, rawUID string) (store.Locker, error) {
	return m.assignOwner(ctx, kioskID, store.OwnerRFID, normalizeUID(rawUID), "rfid:")
}

// AssignDevice implements the same Free --assignRfid(uid)--> Reserved
// transition for QR "device" owners. §4.7 treats device owners
// identically to rfid owners for state transitions, so this reuses the
// rfid event types and the same guard/conflict-retry loop, keying on
// owner_type=device instead of owner_type=rfid. deviceHash is used
// verbatim (already a hash, not normalized like an RFID UID).
func (m *Manager) AssignDevice(ctx context.Context, kioskID, deviceHash string) (store.Locker, error) {
	return m.assignOwner(ctx, kioskID, store.OwnerDevice, deviceHash, "device:")
}

func (m *Manager) assignOwner(ctx context.Context, kioskID string, ownerType store.OwnerType, ownerKey, actorPrefix string) (store.Locker, error) {
	existing, err := m.Store.ListOwnedByOwner(ctx, kioskID, ownerType, ownerKey)
	if err != nil {
		return store.Locker{}, err
	}
	if len(existing) > 0 {
		return existing[0], lockererr.New(lockererr.KindAlreadyOwns, "caller already owns a locker on this kiosk", nil)
	}

	candidates, err := m.Store.ListFreeNonVIP(ctx, kioskID)
	if err != nil {
		return store.Locker{}, err
	}
	if len(candidates) == 0 {
		return store.Locker{}, lockererr.New(lockererr.KindNoLockers, "no free lockers available", nil)
	}

	for _, c := range candidates {
		locker, err := m.tryAssign(ctx, kioskID, c.ID, c.Version, ownerType, ownerKey, actorPrefix)
		if err == nil {
			return locker, nil
		}
		if !isConflict(err) {
			return store.Locker{}, err
		}
		// Lost the race for this candidate (another scan/grant beat
		// us to it); try the next free locker.
	}
	return store.Locker{}, lockererr.New(lockererr.KindNoLockers, "no free lockers available", nil)
}

func (m *Manager) tryAssign(ctx context.Context, kioskID string, lockerID int, expectedVersion int64, ownerType store.OwnerType, ownerKey, actorPrefix string) (store.Locker, error) {
	release, err := m.Guards.Acquire(ctx, kioskID, lockerID)
	if err != nil {
		return store.Locker{}, err
	}
	defer release()

	return m.Store.UpdateLocker(ctx, kioskID, lockerID, expectedVersion, func(l *store.Locker) error {
		if !Allowed(l.Status, EvAssignRFID) {
			return lockererr.New(lockererr.KindConflict, "locker no longer free", nil)
		}
		l.Status = store.StatusReserved
		l.OwnerType = ownerType
		l.OwnerKey = &ownerKey
		now := time.Now().UTC()
		l.ReservedAt = &now
		return nil
	}, &store.Event{
		KioskID: kioskID, LockerID: &lockerID, Type: store.EventRFIDAssign, Actor: actorPrefix + ownerKey,
	})
}

// ConfirmOwnership implements Reserved --confirmOwnership(uid)--> Opening.
// The guard checks the uid matches and the reservation window has not
// elapsed.
func (m *Manager) ConfirmOwnership(ctx context.Context, kioskID string, lockerID int, rawUID string) (store.Locker, PulseIntent, error) {
	uid := normalizeUID(rawUID)
	release, err := m.Guards.Acquire(ctx, kioskID, lockerID)
	if err != nil {
		return store.Locker{}, PulseIntent{}, err
	}
	defer release()

	current, err := m.Store.GetLocker(ctx, kioskID, lockerID)
	if err != nil {
		return store.Locker{}, PulseIntent{}, err
	}
	if !Allowed(current.Status, EvConfirmOwnership) {
		return store.Locker{}, PulseIntent{}, lockererr.ErrConflict
	}
	if current.OwnerKey == nil || *current.OwnerKey != uid {
		return store.Locker{}, PulseIntent{}, lockererr.New(lockererr.KindOwnershipMismatch, "uid does not match reservation", nil)
	}
	if current.ReservedAt != nil && time.Since(*current.ReservedAt) > m.ReservationWindow {
		return store.Locker{}, PulseIntent{}, lockererr.New(lockererr.KindConflict, "reservation window elapsed", nil)
	}

	updated, err := m.Store.UpdateLocker(ctx, kioskID, lockerID, current.Version, func(l *store.Locker) error {
		l.Status = store.StatusOpening
		return nil
	}, nil)
	if err != nil {
		return store.Locker{}, PulseIntent{}, err
	}
	return updated, PulseIntent{TargetStatus: store.StatusOwned}, nil
}

// PresentRFID implements Owned --presentRfid(uid)--> Opening (release
// intent). A mismatched uid is rejected without pulsing, per §4.2's edge
// policy ("release when uid does not match: return OwnershipMismatchError;
// do not pulse").
func (m *Manager) PresentRFID(ctx context.Context, kioskID string, lockerID int, rawUID string) (store.Locker, PulseIntent, error) {
	return m.presentOwner(ctx, kioskID, lockerID, normalizeUID(rawUID), "rfid:")
}

// PresentDevice implements the same Owned --presentRfid(uid)-->
// Opening (release intent) transition for QR device owners (§4.7),
// keyed on the device hash rather than a normalized card UID.
func (m *Manager) PresentDevice(ctx context.Context, kioskID string, lockerID int, deviceHash string) (store.Locker, PulseIntent, error) {
	return m.presentOwner(ctx, kioskID, lockerID, deviceHash, "device:")
}

// presentOwner writes the rfid_release event at this, the release
// transition's entry point, symmetric with tryAssign writing rfid_assign
// at the entry into Reserved (§8 property 7: the pair of events for an
// assign-then-release round trip is exactly (rfid_assign, rfid_release)).
func (m *Manager) presentOwner(ctx context.Context, kioskID string, lockerID int, ownerKey, actorPrefix string) (store.Locker, PulseIntent, error) {
	release, err := m.Guards.Acquire(ctx, kioskID, lockerID)
	if err != nil {
		return store.Locker{}, PulseIntent{}, err
	}
	defer release()

	current, err := m.Store.GetLocker(ctx, kioskID, lockerID)
	if err != nil {
		return store.Locker{}, PulseIntent{}, err
	}
	if !Allowed(current.Status, EvPresentRFID) {
		return store.Locker{}, PulseIntent{}, lockererr.ErrConflict
	}
	if current.OwnerKey == nil || *current.OwnerKey != ownerKey {
		return store.Locker{}, PulseIntent{}, lockererr.New(lockererr.KindOwnershipMismatch, "uid does not match owner", nil)
	}

	updated, err := m.Store.UpdateLocker(ctx, kioskID, lockerID, current.Version, func(l *store.Locker) error {
		l.Status = store.StatusOpening
		return nil
	}, &store.Event{
		KioskID: kioskID, LockerID: &lockerID, Type: store.EventRFIDRelease, Actor: actorPrefix + ownerKey,
	})
	if err != nil {
		return store.Locker{}, PulseIntent{}, err
	}
	return updated, PulseIntent{TargetStatus: store.StatusFree, ClearOwner: true}, nil
}

// StaffOpen implements Free/Owned/Reserved --staffOpen--> Opening
// (staff-initiated). VIP lockers require override=true. reason="release"
// causes the pulse to also release ownership, matching the executor's
// instruction in §4.5 step 6.
func (m *Manager) StaffOpen(ctx context.Context, kioskID string, lockerID int, staffUser, reason string, override bool) (store.Locker, PulseIntent, error) {
	release, err := m.Guards.Acquire(ctx, kioskID, lockerID)
	if err != nil {
		return store.Locker{}, PulseIntent{}, err
	}
	defer release()

	current, err := m.Store.GetLocker(ctx, kioskID, lockerID)
	if err != nil {
		return store.Locker{}, PulseIntent{}, err
	}
	if !Allowed(current.Status, EvStaffOpen) {
		return store.Locker{}, PulseIntent{}, lockererr.ErrConflict
	}
	if current.IsVIP && !override {
		return store.Locker{}, PulseIntent{}, lockererr.New(lockererr.KindConflict, "VIP locker requires override", nil)
	}

	fromStatus := current.Status
	updated, err := m.Store.UpdateLocker(ctx, kioskID, lockerID, current.Version, func(l *store.Locker) error {
		l.Status = store.StatusOpening
		return nil
	}, &store.Event{
		KioskID: kioskID, LockerID: &lockerID, Type: store.EventStaffOpen,
		Actor: staffUser, Details: map[string]any{"reason": reason},
	})
	if err != nil {
		return store.Locker{}, PulseIntent{}, err
	}

	if reason == "release" {
		return updated, PulseIntent{TargetStatus: store.StatusFree, ClearOwner: true}, nil
	}
	return updated, PulseIntent{TargetStatus: fromStatus}, nil
}

// PulseSucceeded implements Opening --pulseSucceeded--> intent.TargetStatus.
func (m *Manager) PulseSucceeded(ctx context.Context, kioskID string, lockerID int, intent PulseIntent) (store.Locker, error) {
	release, err := m.Guards.Acquire(ctx, kioskID, lockerID)
	if err != nil {
		return store.Locker{}, err
	}
	defer release()

	current, err := m.Store.GetLocker(ctx, kioskID, lockerID)
	if err != nil {
		return store.Locker{}, err
	}
	if !Allowed(current.Status, EvPulseSucceeded) {
		return store.Locker{}, lockererr.ErrConflict
	}

	return m.Store.UpdateLocker(ctx, kioskID, lockerID, current.Version, func(l *store.Locker) error {
		l.Status = intent.TargetStatus
		if intent.ClearOwner {
			l.OwnerType = store.OwnerNone
			l.OwnerKey = nil
			l.ReservedAt = nil
			l.OwnedAt = nil
		} else if intent.TargetStatus == store.StatusOwned {
			now := time.Now().UTC()
			l.OwnedAt = &now
		}
		return nil
	}, nil)
}

// PulseFailed implements Opening --pulseFailed--> Error, but only once
// retries are exhausted (§4.2's guard); while retries remain the locker
// stays in Opening and the executor will retry the pulse itself.
func (m *Manager) PulseFailed(ctx context.Context, kioskID string, lockerID int, retriesExhausted bool, cause string) (store.Locker, error) {
	if !retriesExhausted {
		return m.Store.GetLocker(ctx, kioskID, lockerID)
	}

	release, err := m.Guards.Acquire(ctx, kioskID, lockerID)
	if err != nil {
		return store.Locker{}, err
	}
	defer release()

	current, err := m.Store.GetLocker(ctx, kioskID, lockerID)
	if err != nil {
		return store.Locker{}, err
	}
	if !Allowed(current.Status, EvPulseFailed) {
		return store.Locker{}, lockererr.ErrConflict
	}

	return m.Store.UpdateLocker(ctx, kioskID, lockerID, current.Version, func(l *store.Locker) error {
		l.Status = store.StatusError
		return nil
	}, &store.Event{
		KioskID: kioskID, LockerID: &lockerID, Type: store.EventHardwareError,
		Actor: "system", Details: map[string]any{"cause": cause},
	})
}

// BlockByStaff implements Any!=Blocked --blockByStaff--> Blocked, clearing
// owner fields (§4.2: "clear owner fields").
func (m *Manager) BlockByStaff(ctx context.Context, kioskID string, lockerID int, staffUser string) (store.Locker, error) {
	release, err := m.Guards.Acquire(ctx, kioskID, lockerID)
	if err != nil {
		return store.Locker{}, err
	}
	defer release()

	current, err := m.Store.GetLocker(ctx, kioskID, lockerID)
	if err != nil {
		return store.Locker{}, err
	}
	if !Allowed(current.Status, EvBlockByStaff) {
		return store.Locker{}, lockererr.ErrConflict
	}

	return m.Store.UpdateLocker(ctx, kioskID, lockerID, current.Version, func(l *store.Locker) error {
		l.Status = store.StatusBlocked
		l.OwnerType = store.OwnerNone
		l.OwnerKey = nil
		l.ReservedAt = nil
		l.OwnedAt = nil
		return nil
	}, &store.Event{KioskID: kioskID, LockerID: &lockerID, Type: store.EventBlock, Actor: staffUser})
}

// UnblockByStaff implements Blocked --unblockByStaff--> Free.
func (m *Manager) UnblockByStaff(ctx context.Context, kioskID string, lockerID int, staffUser string) (store.Locker, error) {
	release, err := m.Guards.Acquire(ctx, kioskID, lockerID)
	if err != nil {
		return store.Locker{}, err
	}
	defer release()

	current, err := m.Store.GetLocker(ctx, kioskID, lockerID)
	if err != nil {
		return store.Locker{}, err
	}
	if !Allowed(current.Status, EvUnblockByStaff) {
		return store.Locker{}, lockererr.ErrConflict
	}

	return m.Store.UpdateLocker(ctx, kioskID, lockerID, current.Version, func(l *store.Locker) error {
		l.Status = store.StatusFree
		return nil
	}, &store.Event{KioskID: kioskID, LockerID: &lockerID, Type: store.EventUnblock, Actor: staffUser})
}

// ClearError implements Error --clearError(staff)--> Free.
func (m *Manager) ClearError(ctx context.Context, kioskID string, lockerID int, staffUser string) (store.Locker, error) {
	release, err := m.Guards.Acquire(ctx, kioskID, lockerID)
	if err != nil {
		return store.Locker{}, err
	}
	defer release()

	current, err := m.Store.GetLocker(ctx, kioskID, lockerID)
	if err != nil {
		return store.Locker{}, err
	}
	if !Allowed(current.Status, EvClearError) {
		return store.Locker{}, lockererr.ErrConflict
	}

	return m.Store.UpdateLocker(ctx, kioskID, lockerID, current.Version, func(l *store.Locker) error {
		l.Status = store.StatusFree
		l.OwnerType = store.OwnerNone
		l.OwnerKey = nil
		l.ReservedAt = nil
		l.OwnedAt = nil
		return nil
	}, nil)
}

func isConflict(err error) bool {
	var e *lockererr.Error
	return errors.As(err, &e) && e.Kind == lockererr.KindConflict
}
