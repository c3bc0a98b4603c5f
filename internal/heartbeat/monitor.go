// Package heartbeat implements kiosk liveness classification and the
// stale-command recovery protocols of §4.4: heartbeat ingestion, periodic
// reclassification of kiosk status, and the safety-net sweep that reclaims
// commands an executor crashed while holding.
package heartbeat

import (
	"context"
	"math/rand"
	"time"

	"github.com/lockerfleet/locker-control/internal/locker"
	"github.com/lockerfleet/locker-control/internal/log"
	"github.com/lockerfleet/locker-control/internal/metrics"
	"github.com/lockerfleet/locker-control/internal/store"
)

// Config controls the liveness thresholds and sweep cadence.
type Config struct {
	// Interval is the expected gap between a kiosk's heartbeats.
	Interval time.Duration
	// StaleThreshold is how long an executing command may sit unclaimed
	// before the recovery sweep reclaims it (§4.3 default 30s).
	StaleThreshold time.Duration
	// SweepInterval is how often the recovery sweep runs (§4.4: "at least
	// every 60s").
	SweepInterval time.Duration
	MaxRetries    int
}

// DefaultConfig returns the spec's default thresholds.
func DefaultConfig() Config {
	return Config{
		Interval:       10 * time.Second,
		StaleThreshold: 30 * time.Second,
		SweepInterval:  60 * time.Second,
		MaxRetries:     3,
	}
}

func (c Config) onlineCutoff() time.Duration   { return 2 * c.Interval }
func (c Config) degradedCutoff() time.Duration { return 4 * c.Interval }

// Classify derives §4.4's online/degraded/offline status from how long ago
// a kiosk's last heartbeat landed.
func Classify(cfg Config, lastSeen time.Time, now time.Time) store.KioskHeartbeatStatus {
	age := now.Sub(lastSeen)
	switch {
	case age <= cfg.onlineCutoff():
		return store.KioskOnline
	case age <= cfg.degradedCutoff():
		return store.KioskDegraded
	default:
		return store.KioskOffline
	}
}

// Monitor owns the State Store handle used by heartbeat ingestion,
// reclassification, and stale-command recovery.
type Monitor struct {
	Store *store.Store
	Cfg   Config
}

// NewMonitor constructs a Monitor with the given config (falls back to
// DefaultConfig's zero fields).
func NewMonitor(st *store.Store, cfg Config) *Monitor {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = d.StaleThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	return &Monitor{Store: st, Cfg: cfg}
}

// Ingest records a heartbeat payload, classifying status from last_seen=now.
func (m *Monitor) Ingest(ctx context.Context, kioskID, version, zone string, hardwareOK bool) error {
	now := time.Now().UTC()
	return m.Store.UpsertHeartbeat(ctx, store.KioskHeartbeat{
		KioskID:    kioskID,
		LastSeen:   now,
		Version:    version,
		Zone:       zone,
		Status:     store.KioskOnline,
		HardwareOK: hardwareOK,
	})
}

// Reclassify walks all known kiosks and updates their status column from
// last_seen age, independent of whether a fresh heartbeat has arrived —
// this is what flips a kiosk to degraded/offline between heartbeats rather
// than only at ingestion time.
func (m *Monitor) Reclassify(ctx context.Context) error {
	kiosks, err := m.Store.ListHeartbeats(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, k := range kiosks {
		want := Classify(m.Cfg, k.LastSeen, now)
		if want != k.Status {
			if err := m.Store.UpdateHeartbeatStatus(ctx, k.KioskID, want); err != nil {
				return err
			}
		}
	}
	return nil
}

// backoff implements §4.3's exponential backoff: base 500ms, cap 8s, ±20%
// jitter.
func backoff(retryCount int) time.Duration {
	base := 500 * time.Millisecond
	capDur := 8 * time.Second
	d := base << uint(retryCount-1)
	if d > capDur || d <= 0 {
		d = capDur
	}
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	return d + time.Duration(jitter)
}

// RecoverStaleCommands implements §4.3/§4.4's stale-command recovery:
// executing rows whose executed_at predates the stale threshold are
// returned to pending (if retries remain) or terminally failed with
// last_error="stale_lease". scopeKioskID narrows the sweep to a single
// kiosk (used on kiosk startup); empty string sweeps every kiosk (used on
// Gateway startup and the periodic loop).
func (m *Monitor) RecoverStaleCommands(ctx context.Context, scopeKioskID string) (int, error) {
	cutoff := time.Now().UTC().Add(-m.Cfg.StaleThreshold)
	stale, err := m.Store.ListStaleExecuting(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var recovered int
	for _, c := range stale {
		if scopeKioskID != "" && c.KioskID != scopeKioskID {
			continue
		}
		if err := m.Store.Fail(ctx, c.CommandID, "stale_lease", true, backoff); err != nil {
			continue
		}
		recovered++
	}
	if recovered > 0 {
		metrics.StaleCommandsRecoveredTotal.Add(float64(recovered))
	}
	return recovered, nil
}

// RunReclassifyLoop ticks Reclassify on cfg.Interval until ctx is
// cancelled, mirroring the teacher's ticker-based sweeper shape also used
// by internal/locker's sweeps.
func (m *Monitor) RunReclassifyLoop(ctx context.Context) error {
	logger := log.WithComponent("heartbeat.reclassify")
	ticker := time.NewTicker(m.Cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Reclassify(ctx); err != nil {
				logger.Warn().Err(err).Msg("heartbeat reclassify failed")
			}
		}
	}
}

// RunRecoverySweepLoop ticks RecoverStaleCommands and the orphaned-Opening
// sweep across all kiosks on cfg.SweepInterval until ctx is cancelled
// (§4.4: "run periodically, at least every 60s"). lockerMgr may be nil
// (command recovery alone still runs), but a non-nil one is expected in
// every real deployment since §4.4 requires both sweeps.
func (m *Monitor) RunRecoverySweepLoop(ctx context.Context, lockerMgr *locker.Manager) error {
	logger := log.WithComponent("heartbeat.recovery_sweep")
	ticker := time.NewTicker(m.Cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := m.RecoverStaleCommands(ctx, "")
			if err != nil {
				logger.Warn().Err(err).Msg("stale command recovery failed")
			} else if n > 0 {
				logger.Info().Int("recovered", n).Msg("stale commands recovered")
			}

			if lockerMgr == nil {
				continue
			}
			if n, err := lockerMgr.RecoverOrphanedOpening(ctx, m.Cfg.StaleThreshold); err != nil {
				logger.Warn().Err(err).Msg("orphaned-opening recovery failed")
			} else if n > 0 {
				logger.Info().Int("recovered", n).Msg("orphaned opening lockers failed closed")
			}
		}
	}
}
