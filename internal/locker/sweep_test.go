package locker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockerfleet/locker-control/internal/store"
)

func TestSweepReservationsSkipsAlreadyProgressed(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "K1", 1)

	_, err := m.AssignRFID(ctx, "K1", "uid-1")
	require.NoError(t, err)
	_, intent, err := m.ConfirmOwnership(ctx, "K1", 1, "uid-1")
	require.NoError(t, err)
	_, err = m.PulseSucceeded(ctx, "K1", 1, intent)
	require.NoError(t, err)

	n, err := m.sweepReservationsOnce(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "locker already past Reserved must not be reported as expired")

	locker, err := m.Store.GetLocker(ctx, "K1", 1)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOwned, locker.Status)
}

func TestSweepReservationsNoopWhenNothingStale(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	provision(t, m, "K1", 1)

	_, err := m.AssignRFID(ctx, "K1", "uid-1")
	require.NoError(t, err)

	n, err := m.sweepReservationsOnce(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweepVipExpiryDeactivatesContractWithoutTouchingReassignedLocker(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Store.ProvisionLocker(ctx, store.Locker{KioskID: "K1", ID: 1, Status: store.StatusFree}))
	require.NoError(t, m.Store.PutVipContract(ctx, store.VipContract{
		ID: "contract-1", KioskID: "K1", LockerID: 1, OwnerKey: "old-vip",
		ValidFrom: time.Now().Add(-2 * time.Hour), ValidTo: time.Now().Add(-time.Hour), Active: true,
	}))

	// Locker was reassigned to a different owner after the contract's
	// window elapsed but before the sweep ran; the sweep must not clobber
	// the new owner.
	newOwner := "new-owner"
	locker, err := m.Store.GetLocker(ctx, "K1", 1)
	require.NoError(t, err)
	_, err = m.Store.UpdateLocker(ctx, "K1", 1, locker.Version, func(l *store.Locker) error {
		l.Status = store.StatusOwned
		l.OwnerType = store.OwnerRFID
		l.OwnerKey = &newOwner
		return nil
	}, nil)
	require.NoError(t, err)

	n, err := m.sweepVipExpiryOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	after, err := m.Store.GetLocker(ctx, "K1", 1)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOwned, after.Status)
	require.NotNil(t, after.OwnerKey)
	assert.Equal(t, newOwner, *after.OwnerKey)

	contracts, err := m.Store.ListExpiredVipContracts(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, contracts, "contract should be deactivated even though the locker was left untouched")
}
