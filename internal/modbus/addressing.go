package modbus

import "github.com/lockerfleet/locker-control/internal/lockererr"

// channelsPerCard is fixed by §4.6's addressing formula, not configurable:
// a relay card always covers 16 channels.
const channelsPerCard = 16

// CoilAddress resolves a logical locker id to the relay card, channel, and
// zero-based coil address that actuate it (§4.6).
type CoilAddress struct {
	CardAddress int
	Channel     int
	Coil        int
}

// Resolve computes the CoilAddress for lockerID and checks cardAddress
// exists in the configured hardware table. An unconfigured card fails
// closed with UnknownCardError rather than implicitly provisioning one.
func Resolve(lockerID int, knownCards map[int]bool) (CoilAddress, error) {
	if lockerID < 1 {
		return CoilAddress{}, lockererr.New(lockererr.KindValidation, "locker_id must be >= 1", nil)
	}
	card := (lockerID-1)/channelsPerCard + 1
	channel := (lockerID-1)%channelsPerCard + 1
	if !knownCards[card] {
		return CoilAddress{}, lockererr.ErrUnknownCard
	}
	return CoilAddress{CardAddress: card, Channel: channel, Coil: channel - 1}, nil
}
