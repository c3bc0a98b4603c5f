package executor

import "github.com/lockerfleet/locker-control/internal/config"

// zoneContains reports whether lockerID falls inside one of the given
// zones' normalized ranges (§6, SPEC_FULL §12's zone-constrained kiosks).
// When zonesEnabled is false every locker is in scope, preserving today's
// unconstrained default.
func zoneContains(zonesEnabled bool, zones []config.Zone, lockerID int) bool {
	if !zonesEnabled {
		return true
	}
	for _, z := range zones {
		if !z.Enabled {
			continue
		}
		for _, r := range z.Ranges {
			if len(r) == 2 && lockerID >= r[0] && lockerID <= r[1] {
				return true
			}
		}
	}
	return false
}
