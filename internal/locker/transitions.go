package locker

import "github.com/lockerfleet/locker-control/internal/store"

// Event names the nine triggers of the Locker State Manager FSM (§4.2).
type Event string

const (
	EvAssignRFID       Event = "assignRfid"
	EvConfirmOwnership Event = "confirmOwnership"
	EvPulseSucceeded   Event = "pulseSucceeded"
	EvPulseFailed      Event = "pulseFailed"
	EvPresentRFID      Event = "presentRfid"
	EvBlockByStaff     Event = "blockByStaff"
	EvUnblockByStaff   Event = "unblockByStaff"
	EvStaffOpen        Event = "staffOpen"
	EvClearError       Event = "clearError"
)

// allowedFrom enumerates, per event, the set of source states the
// transition may fire from (§4.2's table). pulseSucceeded resolves to more
// than one destination depending on the pulse Intent the caller supplies
// (assign vs release vs staff-preserve), while pulseFailed always leads to
// Error; that resolution happens in manager.go, not here, mirroring the
// teacher's table lookup + override pattern rather than folding intent
// into the table itself.
var allowedFrom = map[Event][]store.LockerStatus{
	EvAssignRFID:       {store.StatusFree},
	EvConfirmOwnership: {store.StatusReserved},
	EvPulseSucceeded:   {store.StatusOpening},
	EvPulseFailed:      {store.StatusOpening},
	EvPresentRFID:      {store.StatusOwned},
	EvBlockByStaff:     {store.StatusFree, store.StatusReserved, store.StatusOwned, store.StatusOpening, store.StatusError},
	EvUnblockByStaff:   {store.StatusBlocked},
	EvStaffOpen:        {store.StatusFree, store.StatusOwned, store.StatusReserved},
	EvClearError:       {store.StatusError},
}

// Allowed reports whether ev may fire from the locker's current status.
func Allowed(from store.LockerStatus, ev Event) bool {
	for _, s := range allowedFrom[ev] {
		if s == from {
			return true
		}
	}
	return false
}
