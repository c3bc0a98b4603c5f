package bus

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/lockerfleet/locker-control/internal/metrics"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestMemoryBusDeliversToSubscriber(t *testing.T) {
	b := NewMemoryBus()
	sub, err := b.Subscribe(context.Background(), KioskCommandsTopic("KIOSK-1"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	require.NoError(t, b.Publish(context.Background(), KioskCommandsTopic("KIOSK-1"), Message{Payload: "KIOSK-1"}))

	select {
	case msg := <-sub.C():
		require.Equal(t, "KIOSK-1", msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected message, got none")
	}
}

func TestMemoryBusPublishTimeoutIncrementsDropMetric(t *testing.T) {
	b := NewMemoryBus()
	sub, err := b.Subscribe(context.Background(), "topic")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	for i := 0; i < cap(sub.C()); i++ {
		require.NoError(t, b.Publish(context.Background(), "topic", Message{Payload: "fill"}))
	}

	before := counterValue(t, metrics.BusPublishDropTotal.WithLabelValues("topic", "timeout"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = b.Publish(ctx, "topic", Message{Payload: "blocked"})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	after := counterValue(t, metrics.BusPublishDropTotal.WithLabelValues("topic", "timeout"))
	require.Greater(t, after, before)
}

func TestMemoryBusPublishRejectsNilContext(t *testing.T) {
	b := NewMemoryBus()
	err := b.Publish(nil, "topic", Message{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "context is nil")
}

func TestMemoryBusCloseRemovesSubscriber(t *testing.T) {
	b := NewMemoryBus()
	sub, err := b.Subscribe(context.Background(), "topic")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	_, open := <-sub.C()
	require.False(t, open, "channel should be closed")

	require.NoError(t, b.Publish(context.Background(), "topic", Message{Payload: "nobody home"}))
}
