package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lockerfleet/locker-control/internal/log"
	"github.com/lockerfleet/locker-control/internal/metrics"
)

const dropLogEvery = 100

// MemoryBus is an in-process pub/sub, the default single-Gateway backend.
// It is not durable: a subscriber that isn't listening when Publish fires
// misses the wake-up, which is acceptable here because the long-poll
// handler re-reads the store once woken rather than trusting the
// notification alone; a missed wake-up leaves that poll to run to its
// deadline and return an empty list, and the kiosk's next poll reads the
// store again.
type MemoryBus struct {
	mu         sync.RWMutex
	subs       map[string][]chan Message
	dropCount  atomic.Uint64
}

// NewMemoryBus constructs an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan Message)}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "context_done"
	}
}

// Publish fans msg out to every current subscriber of topic. A subscriber
// whose channel is full is given up to ctx's deadline to drain before the
// publish gives up on that subscriber and moves to the next.
func (b *MemoryBus) Publish(ctx context.Context, topic string, msg Message) error {
	if ctx == nil {
		return fmt.Errorf("bus: publish context is nil")
	}
	b.mu.RLock()
	chans := append([]chan Message(nil), b.subs[topic]...)
	b.mu.RUnlock()

	var firstErr error
	for _, ch := range chans {
		select {
		case ch <- msg:
		case <-ctx.Done():
			reason := dropReason(ctx.Err())
			metrics.BusPublishDropTotal.WithLabelValues(topic, reason).Inc()
			n := b.dropCount.Add(1)
			if n%dropLogEvery == 0 {
				log.WithComponent("bus.memory").Warn().
					Str("topic", topic).Str("reason", reason).Uint64("dropped", n).
					Msg("memory bus publish dropped")
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("bus: publish topic %q: %w", topic, ctx.Err())
			}
		}
	}
	return firstErr
}

// Subscribe registers a new channel for topic with a small buffer so a
// burst of enqueues doesn't block the publisher.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (Subscriber, error) {
	ch := make(chan Message, 16)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return &memorySub{bus: b, topic: topic, ch: ch}, nil
}

type memorySub struct {
	bus   *MemoryBus
	topic string
	ch    chan Message
}

func (s *memorySub) C() <-chan Message { return s.ch }

func (s *memorySub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	list := s.bus.subs[s.topic]
	kept := list[:0]
	for _, c := range list {
		if c != s.ch {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		delete(s.bus.subs, s.topic)
	} else {
		s.bus.subs[s.topic] = kept
	}
	close(s.ch)
	return nil
}

var _ Bus = (*MemoryBus)(nil)
