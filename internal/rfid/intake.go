package rfid

import (
	"context"
	"time"

	"github.com/lockerfleet/locker-control/internal/kiosk"
	"github.com/lockerfleet/locker-control/internal/locker"
	"github.com/lockerfleet/locker-control/internal/store"
)

// ScanKind distinguishes an RFID card read from a QR device-hash read;
// both dispatch through the same state-manager transitions (§4.7) but
// carry the owner_key differently (normalized UID vs. opaque hash).
type ScanKind int

const (
	ScanRFID ScanKind = iota
	ScanDevice
)

// Scan is one raw presentation from the kiosk's reader (HID or serial).
type Scan struct {
	KioskID string
	Kind    ScanKind
	UID     string // raw card UID, or opaque device hash for ScanDevice
}

// Result reports what the intake pipeline did with a scan, for the
// kiosk UI to render a localized message.
type Result struct {
	Debounced bool
	Locker    store.Locker
	Released  bool // true on a release (presentRfid/presentDevice) pulse, false on an assign
}

// Intake dispatches debounced card/QR scans to the Locker State Manager
// and, on a successful transition into Opening, drives the local Modbus
// pulse directly — no queue entry is created for self-service flows
// (§3: "RFID intake → State Manager ... → local Modbus pulse → state +
// event. No queue entry is created for self-service flows").
type Intake struct {
	Manager   *locker.Manager
	Pulser    *kiosk.Pulser
	Debouncer *Debouncer
}

// NewIntake constructs an Intake with the given debounce window (falls
// back to DefaultDebounceWindow if zero).
func NewIntake(mgr *locker.Manager, pulser *kiosk.Pulser, debounceWindow time.Duration) *Intake {
	return &Intake{
		Manager:   mgr,
		Pulser:    pulser,
		Debouncer: NewDebouncer(debounceWindow),
	}
}

// Handle processes one scan: debounce, normalize, and dispatch to
// either an assign-and-confirm (new owner) or a present-and-release
// (existing owner) flow, pulsing the relay on whichever transition into
// Opening results. uid normalization happens once here so the
// debounce table and the Manager compare the same canonical string.
func (in *Intake) Handle(ctx context.Context, s Scan) (Result, error) {
	uid := s.UID
	if s.Kind == ScanRFID {
		uid = locker.NormalizeUID(s.UID)
	}

	if !in.Debouncer.Allow(debounceKey(s.KioskID, uid), time.Now()) {
		return Result{Debounced: true}, nil
	}

	ownerType := store.OwnerRFID
	if s.Kind == ScanDevice {
		ownerType = store.OwnerDevice
	}

	existing, err := in.Manager.Store.ListOwnedByOwner(ctx, s.KioskID, ownerType, uid)
	if err != nil {
		return Result{}, err
	}

	var (
		updated store.Locker
		intent  locker.PulseIntent
		released bool
	)

	switch {
	case len(existing) == 1 && existing[0].Status == store.StatusOwned:
		released = true
		if s.Kind == ScanDevice {
			updated, intent, err = in.Manager.PresentDevice(ctx, s.KioskID, existing[0].ID, uid)
		} else {
			updated, intent, err = in.Manager.PresentRFID(ctx, s.KioskID, existing[0].ID, uid)
		}
	case len(existing) == 1 && existing[0].Status == store.StatusReserved:
		// An interrupted assign (kiosk restarted mid-flow, or a second
		// scan landed before the first pulse completed): finish it
		// instead of erroring AlreadyOwnsError on a fresh assign.
		updated, intent, err = in.Manager.ConfirmOwnership(ctx, s.KioskID, existing[0].ID, uid)
	default:
		var assigned store.Locker
		if s.Kind == ScanDevice {
			assigned, err = in.Manager.AssignDevice(ctx, s.KioskID, uid)
		} else {
			assigned, err = in.Manager.AssignRFID(ctx, s.KioskID, uid)
		}
		if err != nil {
			return Result{}, err
		}
		updated, intent, err = in.Manager.ConfirmOwnership(ctx, s.KioskID, assigned.ID, uid)
	}
	if err != nil {
		return Result{}, err
	}

	return in.pulse(ctx, s.KioskID, updated, intent, released)
}

func (in *Intake) pulse(ctx context.Context, kioskID string, l store.Locker, intent locker.PulseIntent, released bool) (Result, error) {
	// Self-service scans have no queue-level retry (§3): a failed pulse
	// here goes straight to Error rather than waiting on an executor's
	// backoff, so retriesExhausted is always true.
	if _, err := in.Pulser.Pulse(l.ID); err != nil {
		if _, ferr := in.Manager.PulseFailed(ctx, kioskID, l.ID, true, err.Error()); ferr != nil {
			return Result{}, ferr
		}
		return Result{}, err
	}

	final, err := in.Manager.PulseSucceeded(ctx, kioskID, l.ID, intent)
	if err != nil {
		return Result{}, err
	}
	return Result{Locker: final, Released: released}, nil
}
