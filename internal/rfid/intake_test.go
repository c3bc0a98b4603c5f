package rfid

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

// fakePort always echoes a successful ack, so tests exercise the intake
// dispatch logic rather than the Modbus frame state machine (covered by
// internal/modbus's own tests).
type fakePort struct {
	mu   sync.Mutex
	last []byte
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = append([]byte(nil), b...)
	return len(b), nil
}

func (p *fakePort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return 0, errors.New("fakePort: no request recorded")
	}
	resp := append([]byte(nil), p.last[:6]...)
	crc := modbus.CRC16(resp)
	resp = append(resp, byte(crc&0xFF), byte(crc>>8))
	return copy(buf, resp), nil
}

func (p *fakePort) Close() error                      { return nil }
func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func newTestIntake(t *testing.T) *Intake {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "lockers.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mgr := locker.NewManager(st, 90*time.Second)
	require.NoError(t, mgr.Store.ProvisionLocker(ctx, store.Locker{KioskID: "K1", ID: 5, Status: store.StatusFree}))

	hw := kiosk.NewHardwareTable([]config.RelayCard{{SlaveAddress: 1, Enabled: true}})
	cfg := modbus.DefaultPulseConfig()
	cfg.PulseDuration = time.Millisecond
	cfg.RetrySpacing = time.Millisecond
	mb := modbus.NewMailbox(&fakePort{}, 115200, time.Millisecond)
	act := modbus.NewActuator(mb, cfg)
	pulser := kiosk.NewPulser(hw, act)

	return NewIntake(mgr, pulser, 10*time.Millisecond)
}

func TestIntakeAssignsAndPulsesThenReleases(t *testing.T) {
	in := newTestIntake(t)
	ctx := context.Background()

	res, err := in.Handle(ctx, Scan{KioskID: "K1", Kind: ScanRFID, UID: "abc123"})
	require.NoError(t, err)
	assert.False(t, res.Debounced)
	assert.False(t, res.Released)
	assert.Equal(t, store.StatusOwned, res.Locker.Status)
	assert.Equal(t, 5, res.Locker.ID)

	time.Sleep(15 * time.Millisecond) // clear debounce window between the two distinct scans

	res2, err := in.Handle(ctx, Scan{KioskID: "K1", Kind: ScanRFID, UID: "ABC-123"})
	require.NoError(t, err)
	assert.True(t, res2.Released)
	assert.Equal(t, store.StatusFree, res2.Locker.Status)
	assert.Nil(t, res2.Locker.OwnerKey)
}

func TestIntakeDebouncesRepeatedScan(t *testing.T) {
	in := newTestIntake(t)
	ctx := context.Background()

	_, err := in.Handle(ctx, Scan{KioskID: "K1", Kind: ScanRFID, UID: "abc123"})
	require.NoError(t, err)

	res, err := in.Handle(ctx, Scan{KioskID: "K1", Kind: ScanRFID, UID: "abc123"})
	require.NoError(t, err)
	assert.True(t, res.Debounced)
}

func TestIntakeDeviceScanTreatedLikeRFID(t *testing.T) {
	in := newTestIntake(t)
	ctx := context.Background()

	res, err := in.Handle(ctx, Scan{KioskID: "K1", Kind: ScanDevice, UID: "devhash-abc"})
	require.NoError(t, err)
	assert.Equal(t, store.StatusOwned, res.Locker.Status)
	assert.Equal(t, store.OwnerDevice, res.Locker.OwnerType)
	assert.Equal(t, "devhash-abc", *res.Locker.OwnerKey)
}

func TestIntakeNoFreeLockersReturnsError(t *testing.T) {
	in := newTestIntake(t)
	ctx := context.Background()

	require.NoError(t, in.Manager.BlockByStaff(ctx, "K1", 5, "staff1"))

	_, err := in.Handle(ctx, Scan{KioskID: "K1", Kind: ScanRFID, UID: "zzz999"})
	require.Error(t, err)
}
