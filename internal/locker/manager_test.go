package locker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lockerfleet/locker-control/internal/lockererr"
	"github.com/lockerfleet/locker-control/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "lockers.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewManager(st, 90*time.Second)
}

func provision(t *testing.T, m *Manager, kioskID string, ids ...int) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, m.Store.ProvisionLocker(context.Background(), store.Locker{KioskID: kioskID, ID: id, Status: store.StatusFree}))
	}
}

func TestRFIDRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "K1", 5)

	reserved, err := m.AssignRFID(ctx, "K1", "abc123")
	require.NoError(t, err)
	assert.Equal(t, store.StatusReserved, reserved.Status)

	opening, intent, err := m.ConfirmOwnership(ctx, "K1", 5, "abc123")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOpening, opening.Status)
	assert.Equal(t, store.StatusOwned, intent.TargetStatus)

	owned, err := m.PulseSucceeded(ctx, "K1", 5, intent)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOwned, owned.Status)

	opening2, intent2, err := m.PresentRFID(ctx, "K1", 5, "ABC-123")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOpening, opening2.Status)
	assert.True(t, intent2.ClearOwner)

	free, err := m.PulseSucceeded(ctx, "K1", 5, intent2)
	require.NoError(t, err)
	assert.True(t, free.IsFree())

	events, err := m.Store.ListEvents(ctx, "K1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, store.EventRFIDRelease, events[0].Type)
	assert.Equal(t, store.EventRFIDAssign, events[1].Type)
}

func TestAssignRFIDAlreadyOwns(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "K1", 1, 2)

	_, err := m.AssignRFID(ctx, "K1", "uid-1")
	require.NoError(t, err)

	_, err = m.AssignRFID(ctx, "K1", "uid-1")
	var e *lockererr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, lockererr.KindAlreadyOwns, e.Kind)
}

func TestAssignRFIDNoLockers(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.AssignRFID(ctx, "K1", "uid-1")
	var e *lockererr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, lockererr.KindNoLockers, e.Kind)
}

func TestPresentRFIDOwnershipMismatch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "K1", 1)

	_, err := m.AssignRFID(ctx, "K1", "uid-1")
	require.NoError(t, err)
	_, intent, err := m.ConfirmOwnership(ctx, "K1", 1, "uid-1")
	require.NoError(t, err)
	_, err = m.PulseSucceeded(ctx, "K1", 1, intent)
	require.NoError(t, err)

	_, _, err = m.PresentRFID(ctx, "K1", 1, "wrong-uid")
	var e *lockererr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, lockererr.KindOwnershipMismatch, e.Kind)

	locker, lerr := m.Store.GetLocker(ctx, "K1", 1)
	require.NoError(t, lerr)
	assert.Equal(t, store.StatusOwned, locker.Status, "mismatched release must not pulse or change state")
}

func TestConcurrentAssignIsLinearizable(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "K1", 1)

	const workers = 10
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.AssignRFID(ctx, "K1", "uid-concurrent")
			results[i] = err
		}(i)
	}
	wg.Wait()

	var successes, noLockers int
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		var e *lockererr.Error
		if errors.As(err, &e) && e.Kind == lockererr.KindNoLockers {
			noLockers++
		}
	}
	assert.Equal(t, 1, successes, "exactly one concurrent assign should succeed for the sole free locker")
	assert.Equal(t, workers-1, noLockers, "the rest should lose the race for the only candidate and see NoLockers")
}

func TestStaffOpenPreservesOwnershipUnlessRelease(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "K1", 1)

	_, err := m.AssignRFID(ctx, "K1", "uid-1")
	require.NoError(t, err)
	_, intent, err := m.ConfirmOwnership(ctx, "K1", 1, "uid-1")
	require.NoError(t, err)
	_, err = m.PulseSucceeded(ctx, "K1", 1, intent)
	require.NoError(t, err)

	_, staffIntent, err := m.StaffOpen(ctx, "K1", 1, "staff-alice", "maintenance", false)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOwned, staffIntent.TargetStatus)

	after, err := m.PulseSucceeded(ctx, "K1", 1, staffIntent)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOwned, after.Status)
	require.NotNil(t, after.OwnerKey)
	assert.Equal(t, "UID-1", *after.OwnerKey)
}

func TestStaffOpenReleaseClearsOwnership(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "K1", 1)
	_, err := m.AssignRFID(ctx, "K1", "uid-1")
	require.NoError(t, err)
	_, intent, err := m.ConfirmOwnership(ctx, "K1", 1, "uid-1")
	require.NoError(t, err)
	_, err = m.PulseSucceeded(ctx, "K1", 1, intent)
	require.NoError(t, err)

	_, staffIntent, err := m.StaffOpen(ctx, "K1", 1, "staff-alice", "release", false)
	require.NoError(t, err)
	after, err := m.PulseSucceeded(ctx, "K1", 1, staffIntent)
	require.NoError(t, err)
	assert.True(t, after.IsFree())
}

func TestStaffOpenVIPRequiresOverride(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	owner := "contract-1"
	require.NoError(t, m.Store.ProvisionLocker(ctx, store.Locker{
		KioskID: "K1", ID: 1, Status: store.StatusOwned, OwnerType: store.OwnerVIP, OwnerKey: &owner, IsVIP: true,
	}))

	_, _, err := m.StaffOpen(ctx, "K1", 1, "staff-alice", "test", false)
	var e *lockererr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, lockererr.KindConflict, e.Kind)

	_, _, err = m.StaffOpen(ctx, "K1", 1, "staff-alice", "test", true)
	require.NoError(t, err)
}

func TestBlockAndUnblockRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "K1", 1)
	_, err := m.AssignRFID(ctx, "K1", "uid-1")
	require.NoError(t, err)

	blocked, err := m.BlockByStaff(ctx, "K1", 1, "staff-alice")
	require.NoError(t, err)
	assert.Equal(t, store.StatusBlocked, blocked.Status)
	assert.Nil(t, blocked.OwnerKey)

	unblocked, err := m.UnblockByStaff(ctx, "K1", 1, "staff-alice")
	require.NoError(t, err)
	assert.True(t, unblocked.IsFree())
}

func TestPulseFailedOnlyTransitionsWhenRetriesExhausted(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "K1", 1)
	_, err := m.AssignRFID(ctx, "K1", "uid-1")
	require.NoError(t, err)
	_, _, err = m.ConfirmOwnership(ctx, "K1", 1, "uid-1")
	require.NoError(t, err)

	still, err := m.PulseFailed(ctx, "K1", 1, false, "timeout")
	require.NoError(t, err)
	assert.Equal(t, store.StatusOpening, still.Status)

	errored, err := m.PulseFailed(ctx, "K1", 1, true, "timeout")
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, errored.Status)

	cleared, err := m.ClearError(ctx, "K1", 1, "staff-alice")
	require.NoError(t, err)
	assert.True(t, cleared.IsFree())
}

func TestReservationSweepExpiresStaleReservations(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "K1", 1)
	_, err := m.AssignRFID(ctx, "K1", "uid-1")
	require.NoError(t, err)

	n, err := m.sweepReservationsOnce(ctx, -time.Second) // force "older than window"
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	locker, err := m.Store.GetLocker(ctx, "K1", 1)
	require.NoError(t, err)
	assert.True(t, locker.IsFree())

	events, err := m.Store.ListEvents(ctx, "K1", 10)
	require.NoError(t, err)
	assert.Equal(t, store.EventReservationExp, events[0].Type)
}

func TestVipExpirySweepReleasesLocker(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	owner := "contract-1"
	require.NoError(t, m.Store.ProvisionLocker(ctx, store.Locker{
		KioskID: "K1", ID: 1, Status: store.StatusOwned, OwnerType: store.OwnerVIP, OwnerKey: &owner, IsVIP: true,
	}))
	require.NoError(t, m.Store.PutVipContract(ctx, store.VipContract{
		ID: "contract-1", KioskID: "K1", LockerID: 1, OwnerKey: owner,
		ValidFrom: time.Now().Add(-2 * time.Hour), ValidTo: time.Now().Add(-time.Hour), Active: true,
	}))

	n, err := m.sweepVipExpiryOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	locker, err := m.Store.GetLocker(ctx, "K1", 1)
	require.NoError(t, err)
	assert.True(t, locker.IsFree())
}
