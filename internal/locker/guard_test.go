package locker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardsSerializeSameKey(t *testing.T) {
	g := NewGuards()
	ctx := context.Background()

	var active int32
	var maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Acquire(ctx, "K1", 1)
			require.NoError(t, err)
			defer release()

			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxActive)
				if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive, "only one holder of the same (kiosk,locker) key at a time")
}

func TestGuardsDistinctKeysRunConcurrently(t *testing.T) {
	g := NewGuards()
	ctx := context.Background()

	releaseA, err := g.Acquire(ctx, "K1", 1)
	require.NoError(t, err)
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB, err := g.Acquire(ctx, "K1", 2)
		require.NoError(t, err)
		releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("acquiring a different locker key should not block on an unrelated held guard")
	}
}

func TestGuardsAcquireUnblocksOnContextCancel(t *testing.T) {
	g := NewGuards()
	ctx := context.Background()

	release, err := g.Acquire(ctx, "K1", 1)
	require.NoError(t, err)
	defer release()

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = g.Acquire(cctx, "K1", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGuardsReleaseAllowsNextAcquire(t *testing.T) {
	g := NewGuards()
	ctx := context.Background()

	release, err := g.Acquire(ctx, "K1", 1)
	require.NoError(t, err)
	release()

	release2, err := g.Acquire(ctx, "K1", 1)
	require.NoError(t, err)
	release2()
}
