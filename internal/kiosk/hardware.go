// Package kiosk holds the glue specific to running as a room-level kiosk
// process: the configured relay-card table and the resolve-then-pulse
// helper shared by both self-service RFID intake (internal/rfid) and the
// staff Command Executor (internal/executor), so the Modbus addressing
// and pulse sequencing logic lives in exactly one place.
package kiosk

import (
	"github.com/lockerfleet/locker-control/internal/config"
	"github.com/lockerfleet/locker-control/internal/modbus"
)

// HardwareTable is the set of relay card addresses this kiosk's bus
// actually has configured (§4.6: "card_address must exist in the
// hardware table or the call fails with UnknownCardError").
type HardwareTable struct {
	knownCards map[int]bool
}

// NewHardwareTable builds the known-card set from the configured,
// enabled relay cards.
func NewHardwareTable(cards []config.RelayCard) *HardwareTable {
	known := make(map[int]bool, len(cards))
	for _, c := range cards {
		if c.Enabled {
			known[c.SlaveAddress] = true
		}
	}
	return &HardwareTable{knownCards: known}
}

// Resolve maps a locker id to its coil address, failing closed with
// UnknownCardError if the computed card isn't in the table.
func (h *HardwareTable) Resolve(lockerID int) (modbus.CoilAddress, error) {
	return modbus.Resolve(lockerID, h.knownCards)
}

// Pulser resolves a locker id to hardware and drives the actuator,
// leaving all locker-state-machine decisions to the caller (rfid.Intake
// or executor.Executor), which hold their own reference to
// *locker.Manager and decide how to interpret success/failure for their
// flow (self-service has no queue-level retry; staff commands do).
type Pulser struct {
	Hardware *HardwareTable
	Actuator *modbus.Actuator
}

// NewPulser constructs a Pulser.
func NewPulser(hw *HardwareTable, act *modbus.Actuator) *Pulser {
	return &Pulser{Hardware: hw, Actuator: act}
}

// Pulse resolves lockerID to its coil address and runs §4.6's pulse
// sequence on it.
func (p *Pulser) Pulse(lockerID int) (modbus.PulseResult, error) {
	coil, err := p.Hardware.Resolve(lockerID)
	if err != nil {
		return modbus.PulseResult{}, err
	}
	return p.Actuator.Pulse(byte(coil.CardAddress), coil.Coil)
}
