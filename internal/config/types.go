package config

// Config is the canonical, JSON-shaped configuration for all three
// processes. A single file is shared; each process reads only the
// sections relevant to it.
type Config struct {
	Services ServicesConfig `json:"services"`
	Modbus   ModbusConfig   `json:"modbus"`
	Hardware HardwareConfig `json:"hardware"`
	Lockers  LockersConfig  `json:"lockers"`
	Features FeaturesConfig `json:"features"`
	Queue    QueueConfig    `json:"queue"`
}

type ServicesConfig struct {
	Gateway ServiceEndpoint `json:"gateway"`
	Panel   ServiceEndpoint `json:"panel"`
	Kiosk   ServiceEndpoint `json:"kiosk"`
}

type ServiceEndpoint struct {
	Port int `json:"port"`
}

type ModbusConfig struct {
	Port              string `json:"port"`
	Baudrate          int    `json:"baudrate"`
	Parity            string `json:"parity"`
	TimeoutMs         int    `json:"timeout_ms"`
	PulseDurationMs   int    `json:"pulse_duration_ms"`
	UseMultipleCoils  bool   `json:"use_multiple_coils"`
	VerifyWrites      bool   `json:"verify_writes"`
	MaxRetries        int    `json:"max_retries"`
}

type RelayCard struct {
	SlaveAddress int  `json:"slave_address"`
	Channels     int  `json:"channels"`
	Enabled      bool `json:"enabled"`
}

type HardwareConfig struct {
	RelayCards []RelayCard `json:"relay_cards"`
}

type LockersConfig struct {
	TotalCount         int `json:"total_count"`
	AutoReleaseHours   int `json:"auto_release_hours"`
	ReservationSeconds int `json:"reservation_seconds"`
}

type Zone struct {
	ID         string  `json:"id"`
	Enabled    bool    `json:"enabled"`
	RelayCards []int   `json:"relay_cards"`
	Ranges     [][]int `json:"ranges"`
}

type FeaturesConfig struct {
	ZonesEnabled bool   `json:"zones_enabled"`
	Zones        []Zone `json:"zones"`
}

type BulkInterval struct {
	MinMs int `json:"min_ms"`
	MaxMs int `json:"max_ms"`
}

type QueueConfig struct {
	MaxRetries        int          `json:"max_retries"`
	BackoffMs         int          `json:"backoff_ms"`
	StaleThresholdMs  int          `json:"stale_threshold_ms"`
	BulkInterval      BulkInterval `json:"bulk_interval"`
	PerKioskDepthLimit int         `json:"per_kiosk_depth_limit"`
}

// Default returns the built-in defaults, the lowest-precedence layer of
// the ENV > file > defaults merge.
func Default() Config {
	return Config{
		Services: ServicesConfig{
			Gateway: ServiceEndpoint{Port: 3000},
			Panel:   ServiceEndpoint{Port: 3001},
			Kiosk:   ServiceEndpoint{Port: 3002},
		},
		Modbus: ModbusConfig{
			Port:             "/dev/ttyUSB0",
			Baudrate:         9600,
			Parity:           "none",
			TimeoutMs:        1000,
			PulseDurationMs:  400,
			UseMultipleCoils: true,
			VerifyWrites:     false,
			MaxRetries:       2,
		},
		Lockers: LockersConfig{
			TotalCount:         0,
			AutoReleaseHours:   0,
			ReservationSeconds: 90,
		},
		Features: FeaturesConfig{
			ZonesEnabled: false,
		},
		Queue: QueueConfig{
			MaxRetries:         3,
			BackoffMs:          500,
			StaleThresholdMs:   30_000,
			BulkInterval:       BulkInterval{MinMs: 300, MaxMs: 5000},
			PerKioskDepthLimit: 100,
		},
	}
}

// NormalizeZoneRanges merges, sorts, and collapses each zone's ranges into
// disjoint, inclusive intervals, per spec §6.
func (c *Config) NormalizeZoneRanges() {
	for i := range c.Features.Zones {
		c.Features.Zones[i].Ranges = normalizeRanges(c.Features.Zones[i].Ranges)
	}
}

func normalizeRanges(ranges [][]int) [][]int {
	clean := make([][]int, 0, len(ranges))
	for _, r := range ranges {
		if len(r) != 2 || r[0] > r[1] {
			continue
		}
		clean = append(clean, []int{r[0], r[1]})
	}
	if len(clean) == 0 {
		return clean
	}
	for i := 1; i < len(clean); i++ {
		for j := i; j > 0 && clean[j-1][0] > clean[j][0]; j-- {
			clean[j-1], clean[j] = clean[j], clean[j-1]
		}
	}
	merged := [][]int{clean[0]}
	for _, r := range clean[1:] {
		last := merged[len(merged)-1]
		if r[0] <= last[1]+1 {
			if r[1] > last[1] {
				last[1] = r[1]
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Contains reports whether lockerID falls within any normalized range
// of the zone.
func (z Zone) Contains(lockerID int) bool {
	for _, r := range z.Ranges {
		if lockerID >= r[0] && lockerID <= r[1] {
			return true
		}
	}
	return false
}
