package executor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockerfleet/locker-control/internal/config"
	"github.com/lockerfleet/locker-control/internal/kiosk"
	"github.com/lockerfleet/locker-control/internal/locker"
	"github.com/lockerfleet/locker-control/internal/modbus"
	"github.com/lockerfleet/locker-control/internal/store"
)

// failingPort acks every request except the first failUntil writes, which
// return a write error — enough to exercise the retry path without a full Modbus
// frame fake (covered by internal/modbus's own tests).
type failingPort struct {
	mu        sync.Mutex
	last      []byte
	writes    int
	failUntil int
}

func (p *failingPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
	p.last = append([]byte(nil), b...)
	if p.writes <= p.failUntil {
		return 0, errors.New("failingPort: simulated write failure")
	}
	return len(b), nil
}

func (p *failingPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return 0, errors.New("failingPort: no request recorded")
	}
	resp := append([]byte(nil), p.last[:6]...)
	crc := modbus.CRC16(resp)
	resp = append(resp, byte(crc&0xFF), byte(crc>>8))
	return copy(buf, resp), nil
}

func (p *failingPort) Close() error                      { return nil }
func (p *failingPort) SetReadTimeout(time.Duration) error { return nil }

func newTestExecutor(t *testing.T, failUntil int) (*Executor, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "lockers.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mgr := locker.NewManager(st, 90*time.Second)

	hw := kiosk.NewHardwareTable([]config.RelayCard{{SlaveAddress: 1, Enabled: true}})
	cfg := modbus.DefaultPulseConfig()
	cfg.PulseDuration = time.Millisecond
	cfg.RetrySpacing = time.Millisecond
	cfg.MaxFrameRetries = 0
	mb := modbus.NewMailbox(&failingPort{failUntil: failUntil}, 115200, time.Millisecond)
	act := modbus.NewActuator(mb, cfg)
	pulser := kiosk.NewPulser(hw, act)

	cache, err := OpenCache(filepath.Join(t.TempDir(), "idem"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	ex := NewExecutor(st, mgr, pulser, cache, Config{KioskID: "K1", PollInterval: time.Millisecond})
	return ex, st
}

func TestExecutorOpenLockerReleasesOwnedLocker(t *testing.T) {
	ex, st := newTestExecutor(t, 0)
	ctx := context.Background()

	ownerKey := "ABC123"
	require.NoError(t, st.ProvisionLocker(ctx, store.Locker{KioskID: "K1", ID: 1, Status: store.StatusOwned, OwnerType: store.OwnerRFID, OwnerKey: &ownerKey}))

	res, err := st.Enqueue(ctx, "cmd-1", "K1", store.CommandOpenLocker, store.CommandPayload{
		LockerID: intp(1), StaffUser: "staff1", Reason: "release",
	}, 3)
	require.NoError(t, err)
	require.False(t, res.Duplicate)

	cmd, err := st.ClaimNext(ctx, "K1")
	require.NoError(t, err)
	require.NotNil(t, cmd)

	ex.execute(ctx, *cmd)

	final, err := st.GetCommand(ctx, "cmd-1")
	require.NoError(t, err)
	assert.Equal(t, store.CommandCompleted, final.Status)

	l, err := st.GetLocker(ctx, "K1", 1)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFree, l.Status)
	assert.Nil(t, l.OwnerKey)
}

func TestExecutorBulkOpenSkipsVIPWhenExcluded(t *testing.T) {
	ex, st := newTestExecutor(t, 0)
	ctx := context.Background()

	require.NoError(t, st.ProvisionLocker(ctx, store.Locker{KioskID: "K1", ID: 1, Status: store.StatusFree}))
	require.NoError(t, st.ProvisionLocker(ctx, store.Locker{KioskID: "K1", ID: 2, Status: store.StatusFree, IsVIP: true}))

	_, err := st.Enqueue(ctx, "cmd-bulk", "K1", store.CommandBulkOpen, store.CommandPayload{
		LockerIDs: []int{1, 2}, StaffUser: "staff1", Reason: "maintenance", IntervalMs: 1, ExcludeVIP: true,
	}, 3)
	require.NoError(t, err)

	cmd, err := st.ClaimNext(ctx, "K1")
	require.NoError(t, err)
	require.NotNil(t, cmd)

	ex.execute(ctx, *cmd)

	final, err := st.GetCommand(ctx, "cmd-bulk")
	require.NoError(t, err)
	assert.Equal(t, store.CommandCompleted, final.Status)

	l1, err := st.GetLocker(ctx, "K1", 1)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFree, l1.Status) // staffOpen with no release reason returns to its own fromStatus

	l2, err := st.GetLocker(ctx, "K1", 2)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFree, l2.Status) // VIP locker untouched
}

func TestExecutorRetryReconstructsIntentWithoutDoubleTransition(t *testing.T) {
	ex, st := newTestExecutor(t, 2) // both 0x0F and 0x05 ON-write attempts fail once, then succeed
	ctx := context.Background()

	ownerKey := "ABC123"
	require.NoError(t, st.ProvisionLocker(ctx, store.Locker{KioskID: "K1", ID: 1, Status: store.StatusOwned, OwnerType: store.OwnerRFID, OwnerKey: &ownerKey}))

	_, err := st.Enqueue(ctx, "cmd-retry", "K1", store.CommandOpenLocker, store.CommandPayload{
		LockerID: intp(1), StaffUser: "staff1", Reason: "inspect",
	}, 3)
	require.NoError(t, err)

	cmd, err := st.ClaimNext(ctx, "K1")
	require.NoError(t, err)
	ex.execute(ctx, *cmd)

	mid, err := st.GetCommand(ctx, "cmd-retry")
	require.NoError(t, err)
	require.Equal(t, store.CommandPending, mid.Status)
	assert.Equal(t, 1, mid.RetryCount)

	l, err := st.GetLocker(ctx, "K1", 1)
	require.NoError(t, err)
	require.Equal(t, store.StatusOpening, l.Status)

	time.Sleep(600 * time.Millisecond) // backoff(1) == 500ms before the row is claimable again

	cmd2, err := st.ClaimNext(ctx, "K1")
	require.NoError(t, err)
	require.NotNil(t, cmd2)
	ex.execute(ctx, *cmd2)

	final, err := st.GetCommand(ctx, "cmd-retry")
	require.NoError(t, err)
	assert.Equal(t, store.CommandCompleted, final.Status)

	lFinal, err := st.GetLocker(ctx, "K1", 1)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOwned, lFinal.Status) // reconstructed intent: owner was present, resolves back to Owned
	assert.Equal(t, ownerKey, *lFinal.OwnerKey)

	events, err := st.ListEvents(ctx, "K1", 10)
	require.NoError(t, err)
	staffOpens := 0
	for _, e := range events {
		if e.Type == store.EventStaffOpen {
			staffOpens++
		}
	}
	assert.Equal(t, 1, staffOpens) // exactly one staff_open event across both attempts
}

func intp(v int) *int { return &v }
