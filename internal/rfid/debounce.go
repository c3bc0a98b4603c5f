// Package rfid implements the RFID/QR Intake (§4.7): debouncing repeated
// card presentations, normalizing card UIDs, and dispatching scans to the
// Locker State Manager and the local Modbus actuator. QR device hashes are
// treated identically to RFID UIDs for debounce and dispatch purposes
// (§4.7: "the state manager treats device owners identically to rfid
// owners for state transitions").
package rfid

import (
	"sync"
	"time"
)

// Debouncer drops repeated scans of the same key (kiosk_id + normalized
// uid) within window, per §4.7's default 1000ms debounce.
type Debouncer struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
}

// DefaultDebounceWindow is §4.7's default.
const DefaultDebounceWindow = 1000 * time.Millisecond

// NewDebouncer constructs a Debouncer with the given window (falls back
// to DefaultDebounceWindow if zero).
func NewDebouncer(window time.Duration) *Debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Debouncer{window: window, last: make(map[string]time.Time)}
}

// Allow reports whether a scan of key should be processed: true if no
// previously allowed scan of this key landed within the debounce window.
// Only allowed scans record their time, so a continuous burst of repeats
// lets one scan through per window, measured from the last allowed scan.
func (d *Debouncer) Allow(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.last[key]; ok && now.Sub(prev) < d.window {
		return false
	}
	d.last[key] = now
	return true
}

func debounceKey(kioskID, uid string) string {
	return kioskID + "|" + uid
}
