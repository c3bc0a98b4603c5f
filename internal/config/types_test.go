package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeZoneRangesMergesOverlapping(t *testing.T) {
	cfg := Config{Features: FeaturesConfig{Zones: []Zone{
		{ID: "a", Ranges: [][]int{{10, 20}, {1, 5}, {15, 25}, {27, 27}}},
	}}}
	cfg.NormalizeZoneRanges()

	got := cfg.Features.Zones[0].Ranges
	assert.Equal(t, [][]int{{1, 5}, {10, 25}, {27, 27}}, got)
}

func TestNormalizeZoneRangesDropsInvalid(t *testing.T) {
	cfg := Config{Features: FeaturesConfig{Zones: []Zone{
		{ID: "a", Ranges: [][]int{{5, 1}, {3, 4}}},
	}}}
	cfg.NormalizeZoneRanges()
	assert.Equal(t, [][]int{{3, 4}}, cfg.Features.Zones[0].Ranges)
}

func TestZoneContains(t *testing.T) {
	z := Zone{Ranges: [][]int{{1, 5}, {10, 25}}}
	assert.True(t, z.Contains(3))
	assert.True(t, z.Contains(10))
	assert.True(t, z.Contains(25))
	assert.False(t, z.Contains(6))
	assert.False(t, z.Contains(26))
}

func TestDefaultConfigIsSelfConsistent(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 3000, cfg.Services.Gateway.Port)
	assert.Equal(t, 3001, cfg.Services.Panel.Port)
	assert.Equal(t, 3002, cfg.Services.Kiosk.Port)
	assert.Equal(t, 90, cfg.Lockers.ReservationSeconds)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 300, cfg.Queue.BulkInterval.MinMs)
	assert.Equal(t, 5000, cfg.Queue.BulkInterval.MaxMs)
}
