package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lockerfleet/locker-control/internal/config"
	"github.com/lockerfleet/locker-control/internal/kiosk"
	"github.com/lockerfleet/locker-control/internal/locker"
	"github.com/lockerfleet/locker-control/internal/log"
	"github.com/lockerfleet/locker-control/internal/lockererr"
	"github.com/lockerfleet/locker-control/internal/metrics"
	"github.com/lockerfleet/locker-control/internal/store"
)

// Config controls one kiosk's drain loop.
type Config struct {
	KioskID      string
	PollInterval time.Duration // ≤1s per §4.5 step 2
	MinInterval  time.Duration // bulk_open interval clamp floor, §4.3
	MaxInterval  time.Duration // bulk_open interval clamp ceiling, §4.3
	ZonesEnabled bool
	Zones        []config.Zone
}

// ConfigFromQueue fills the clamp bounds and zone settings from a loaded
// Config snapshot, leaving KioskID/PollInterval to the caller.
func ConfigFromQueue(kioskID string, q config.QueueConfig, f config.FeaturesConfig) Config {
	return Config{
		KioskID:      kioskID,
		PollInterval: 500 * time.Millisecond,
		MinInterval:  time.Duration(q.BulkInterval.MinMs) * time.Millisecond,
		MaxInterval:  time.Duration(q.BulkInterval.MaxMs) * time.Millisecond,
		ZonesEnabled: f.ZonesEnabled,
		Zones:        f.Zones,
	}
}

func (c Config) clampInterval(ms int) time.Duration {
	d := time.Duration(ms) * time.Millisecond
	lo, hi := c.MinInterval, c.MaxInterval
	if lo <= 0 {
		lo = 300 * time.Millisecond
	}
	if hi <= 0 {
		hi = 5 * time.Second
	}
	switch {
	case d < lo:
		return lo
	case d > hi:
		return hi
	default:
		return d
	}
}

func (c Config) inZone(lockerID int) bool {
	return zoneContains(c.ZonesEnabled, c.Zones, lockerID)
}

// Executor implements the Kiosk Command Executor (§4.5): it drains
// store.Store's command_queue for one kiosk_id, actuates hardware through
// kiosk.Pulser, and records terminal outcomes through the Locker State
// Manager and store.Store directly. Executor and the Gateway/Panel
// processes open the same embedded database file (§6: "one embedded
// relational database file per installation"), so no HTTP round trip to
// the Gateway is needed for claim/complete/fail — the store's
// conditional-UPDATE claim (§8.2) already serializes cross-process
// access at the file level. gatewayapi's claim/status routes expose the
// same store operations over HTTP for the Panel and any out-of-process
// tooling, per §4.8.
type Executor struct {
	Store   *store.Store
	Manager *locker.Manager
	Pulser  *kiosk.Pulser
	Cache   *Cache
	Cfg     Config
}

// NewExecutor constructs an Executor with defaults filled in.
func NewExecutor(st *store.Store, mgr *locker.Manager, pulser *kiosk.Pulser, cache *Cache, cfg Config) *Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Executor{Store: st, Manager: mgr, Pulser: pulser, Cache: cache, Cfg: cfg}
}

// Run drains the queue until ctx is cancelled (§4.5 steps 1-2): claim,
// and if nothing is claimable sleep at most PollInterval before trying
// again.
func (e *Executor) Run(ctx context.Context) error {
	logger := log.WithComponent("executor").With().Str("kiosk_id", e.Cfg.KioskID).Logger()
	logger.Info().Msg("executor loop starting")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		cmd, err := e.Store.ClaimNext(ctx, e.Cfg.KioskID)
		if err != nil {
			logger.Warn().Err(err).Msg("claimNext failed")
			if !e.sleep(ctx) {
				return nil
			}
			continue
		}
		if cmd == nil {
			if !e.sleep(ctx) {
				return nil
			}
			continue
		}

		e.execute(ctx, *cmd)
	}
}

func (e *Executor) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(e.Cfg.PollInterval):
		return true
	}
}

// execute runs one claimed command to a terminal (or requeued-pending)
// outcome, per §4.5 steps 3-7.
func (e *Executor) execute(ctx context.Context, cmd store.Command) {
	logger := log.WithComponent("executor").With().
		Str("kiosk_id", cmd.KioskID).
		Str("command_id", cmd.CommandID).
		Str("command_type", string(cmd.Type)).
		Str("staff_user", cmd.Payload.StaffUser).
		Str("reason", cmd.Payload.Reason).
		Logger()
	logger.Info().Msg("command execution starting")

	// Defensive idempotency against duplicate dispatch (§4.5 step 3): if
	// this command_id already has a cached terminal outcome (a prior
	// process instance completed it but the queue redelivered it, e.g.
	// after a stale-lease recovery race), replay that outcome instead of
	// re-pulsing hardware.
	if cached, cause, found, err := e.Cache.Get(cmd.CommandID); err == nil && found {
		logger.Warn().Str("cached_status", string(cached)).Msg("replaying cached terminal outcome, not re-actuating")
		e.finish(ctx, cmd, cached, cause, logger)
		return
	}

	start := time.Now()
	var (
		status store.CommandStatus
		cause  string
	)

	switch cmd.Type {
	case store.CommandOpenLocker:
		status, cause = e.runOpenLocker(ctx, cmd, logger)
	case store.CommandBulkOpen:
		status, cause = e.runBulkOpen(ctx, cmd, logger)
	case store.CommandBlock:
		status, cause = e.runBlock(ctx, cmd)
	case store.CommandUnblock:
		status, cause = e.runUnblock(ctx, cmd)
	default:
		status, cause = store.CommandFailed, fmt.Sprintf("unknown command type %q", cmd.Type)
	}

	metrics.CommandOutcomeTotal.WithLabelValues(string(cmd.Type), string(status)).Inc()
	logger.Info().Str("status", string(status)).Dur("elapsed", time.Since(start)).Msg("command execution finished")

	if status.IsTerminal() {
		if err := e.Cache.Put(cmd.CommandID, status, cause); err != nil {
			logger.Warn().Err(err).Msg("failed to cache terminal outcome")
		}
	}
	e.finish(ctx, cmd, status, cause, logger)
}

// finish applies the chosen outcome to the command row: statusRetry
// requeues to pending via backoff; any other terminal status completes
// or fails the row. Fail itself decides pending-vs-terminal from
// retry_count/max_retries, so statusRetry only tells it "this failure is
// allowed to retry."
func (e *Executor) finish(ctx context.Context, cmd store.Command, status store.CommandStatus, cause string, logger zerolog.Logger) {
	switch status {
	case store.CommandCompleted:
		if err := e.Store.Complete(ctx, cmd.CommandID); err != nil {
			logger.Warn().Err(err).Msg("complete failed")
		}
	case store.CommandFailed, statusRetry:
		retryable := status == statusRetry
		if err := e.Store.Fail(ctx, cmd.CommandID, cause, retryable, backoff); err != nil {
			logger.Warn().Err(err).Msg("fail failed")
		}
		// Every failing attempt gets a command_failed event, retryable or
		// not (§7: "every failing command produces ... at least one
		// event"; S4: a timeout-then-success run logs one command_failed
		// event for the timed-out attempt alongside the eventual
		// staff_open).
		if err := e.Store.InsertEvent(ctx, &store.Event{
			KioskID: cmd.KioskID, LockerID: cmd.Payload.LockerID, Type: store.EventCommandFailed,
			Actor: "system", Details: map[string]any{"command_id": cmd.CommandID, "cause": cause, "retryable": retryable},
		}); err != nil {
			logger.Warn().Err(err).Msg("failed to log command_failed event")
		}
	}
}

// statusRetry is an internal-only sentinel distinguishing "retryable
// failure, let Fail decide pending vs terminal" from a hard terminal
// failure; it is never persisted as a command_queue status value.
const statusRetry store.CommandStatus = "__retry__"

// backoff implements §4.3's exponential backoff curve (base 500ms, cap
// 8s). Unlike internal/heartbeat's backoff it adds no jitter: backoff(n)
// is exactly 500ms << (n-1), capped at 8s.
func backoff(retryCount int) time.Duration {
	const base = 500 * time.Millisecond
	const max = 8 * time.Second
	if retryCount < 1 {
		retryCount = 1
	}
	d := base << uint(retryCount-1)
	if d > max || d <= 0 {
		d = max
	}
	return d
}

// runOpenLocker implements the single-locker open_locker command (§4.8
// POST /api/lockers/{kiosk_id}/{locker_id}/open). A staff member picking
// one specific locker by id is treated as an implicit override of the
// VIP guard (§4.2's override=true path) — unlike bulk_open, single open
// has no exclude_vip flag to express "skip if VIP" instead, and a staff
// member targeting one exact locker id has already made that choice
// explicitly.
func (e *Executor) runOpenLocker(ctx context.Context, cmd store.Command, logger zerolog.Logger) (store.CommandStatus, string) {
	if cmd.Payload.LockerID == nil {
		return store.CommandFailed, "open_locker payload missing locker_id"
	}
	lockerID := *cmd.Payload.LockerID
	if !e.Cfg.inZone(lockerID) {
		return store.CommandFailed, "locker outside kiosk's configured zone"
	}

	status, cause, _ := e.openOne(ctx, cmd, lockerID, true, logger)
	return status, cause
}

// runBulkOpen implements bulk_open (§4.5 steps 4-6, §8.10): lockers are
// processed in payload order, one guard at a time, with the clamped
// interval slept between lockers. VIP lockers are silently skipped when
// exclude_vip is set (§4.2 edge policy), not counted as failures. A
// hardware failure on any locker fails the whole command; on retry,
// lockers already resolved (Owned/Free/Error from a prior attempt) are
// detected via their current status and skipped rather than re-pulsed,
// so a partial bulk retry never double-opens a locker that already
// succeeded.
func (e *Executor) runBulkOpen(ctx context.Context, cmd store.Command, logger zerolog.Logger) (store.CommandStatus, string) {
	if len(cmd.Payload.LockerIDs) == 0 {
		return store.CommandFailed, "bulk_open payload missing locker_ids"
	}
	interval := e.Cfg.clampInterval(cmd.Payload.IntervalMs)

	for i, lockerID := range cmd.Payload.LockerIDs {
		if !e.Cfg.inZone(lockerID) {
			return store.CommandFailed, fmt.Sprintf("locker %d outside kiosk's configured zone", lockerID)
		}

		status, cause, skipped := e.openOne(ctx, cmd, lockerID, !cmd.Payload.ExcludeVIP, logger)
		if skipped {
			continue
		}
		if status != store.CommandCompleted {
			return status, cause
		}

		if i < len(cmd.Payload.LockerIDs)-1 {
			select {
			case <-ctx.Done():
				return statusRetry, ctx.Err().Error()
			case <-time.After(interval):
			}
		}
	}

	return store.CommandCompleted, ""
}

// openOne resolves the current status of one locker and either (a)
// transitions it Free/Owned/Reserved→Opening and pulses, or (b) if it is
// already Opening from a previous attempt of this same command, re-pulses
// without re-transitioning, or (c) if it has already reached a terminal
// outcome (Owned/Free/Error) from a previous attempt, reports it as
// already handled. allowVIP controls the override passed to StaffOpen;
// for bulk_open with exclude_vip=true, VIP lockers are filtered out
// before pulsing (see the exclude-vip skip below).
func (e *Executor) openOne(ctx context.Context, cmd store.Command, lockerID int, allowVIP bool, logger zerolog.Logger) (status store.CommandStatus, cause string, skipped bool) {
	current, err := e.Store.GetLocker(ctx, cmd.KioskID, lockerID)
	if err != nil {
		return store.CommandFailed, err.Error(), false
	}

	if current.IsVIP && !allowVIP {
		logger.Info().Int("locker_id", lockerID).Msg("VIP locker skipped (exclude_vip)")
		return store.CommandCompleted, "", true
	}

	var intent locker.PulseIntent
	switch current.Status {
	case store.StatusFree, store.StatusOwned, store.StatusReserved:
		updated, pintent, err := e.Manager.StaffOpen(ctx, cmd.KioskID, lockerID, cmd.Payload.StaffUser, cmd.Payload.Reason, allowVIP)
		if err != nil {
			// Guard/ownership/conflict failures from the state machine
			// are never retryable, only the hardware pulse itself is
			// (§7); this command fails outright.
			return store.CommandFailed, err.Error(), false
		}
		current, intent = updated, pintent
	case store.StatusOpening:
		// Retry of a command that already transitioned this locker into
		// Opening but whose pulse failed; re-pulse without
		// re-transitioning (Allowed(Opening, EvStaffOpen) is false, so
		// StaffOpen cannot be called a second time for this locker).
		intent = reconstructIntent(current, cmd.Payload)
	default:
		// Already resolved by a prior attempt at this locker (e.g. this
		// bulk command retried and locker i already succeeded into
		// Owned/Free, or failed into Error) — nothing left to do.
		return store.CommandCompleted, "", true
	}

	result, perr := e.Pulser.Pulse(lockerID)
	outcome := "success"
	if perr != nil {
		outcome = "hardware_error"
	}
	metrics.ModbusPulsesTotal.WithLabelValues(cmd.KioskID, outcome).Inc()
	if result.VerificationWarn {
		metrics.ModbusVerificationMismatchTotal.WithLabelValues(cmd.KioskID).Inc()
	}

	if perr != nil {
		retryable := lockererr.Retryable(perr) && cmd.RetryCount < cmd.MaxRetries
		if _, ferr := e.Manager.PulseFailed(ctx, cmd.KioskID, lockerID, !retryable, perr.Error()); ferr != nil {
			logger.Warn().Err(ferr).Int("locker_id", lockerID).Msg("pulseFailed transition error")
		}
		if retryable {
			return statusRetry, perr.Error(), false
		}
		return store.CommandFailed, perr.Error(), false
	}

	if _, err := e.Manager.PulseSucceeded(ctx, cmd.KioskID, lockerID, intent); err != nil {
		return store.CommandFailed, err.Error(), false
	}
	return store.CommandCompleted, "", false
}

// reconstructIntent rebuilds the PulseIntent for a locker already in
// Opening from a prior attempt of the same command, using only the
// current row (whose owner fields are untouched by StaffOpen, which
// mutates status alone) plus the command's reason. A release reason is
// unambiguous; otherwise the presence of an owner implies the locker was
// Owned before this staffOpen, so the pulse resolves back to Owned.
func reconstructIntent(current store.Locker, payload store.CommandPayload) locker.PulseIntent {
	if payload.Reason == "release" {
		return locker.PulseIntent{TargetStatus: store.StatusFree, ClearOwner: true}
	}
	if current.OwnerType != store.OwnerNone {
		return locker.PulseIntent{TargetStatus: store.StatusOwned}
	}
	return locker.PulseIntent{TargetStatus: store.StatusFree}
}

// runBlock implements the block command (§4.2 blockByStaff, §4.9 POST
// .../block). Not hardware-actuated, so guard/state failures are never
// retryable.
func (e *Executor) runBlock(ctx context.Context, cmd store.Command) (store.CommandStatus, string) {
	if cmd.Payload.LockerID == nil {
		return store.CommandFailed, "block payload missing locker_id"
	}
	if _, err := e.Manager.BlockByStaff(ctx, cmd.KioskID, *cmd.Payload.LockerID, cmd.Payload.StaffUser); err != nil {
		return store.CommandFailed, err.Error()
	}
	return store.CommandCompleted, ""
}

// runUnblock implements the unblock command (§4.2 unblockByStaff, §4.9
// POST .../unblock).
func (e *Executor) runUnblock(ctx context.Context, cmd store.Command) (store.CommandStatus, string) {
	if cmd.Payload.LockerID == nil {
		return store.CommandFailed, "unblock payload missing locker_id"
	}
	if _, err := e.Manager.UnblockByStaff(ctx, cmd.KioskID, *cmd.Payload.LockerID, cmd.Payload.StaffUser); err != nil {
		return store.CommandFailed, err.Error()
	}
	return store.CommandCompleted, ""
}
