package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lockerfleet/locker-control/internal/log"
)

// RedisBus is a Redis-backed Bus for Gateway deployments that run more
// than one Gateway process against a shared store: a kiosk long-polling
// against one Gateway instance still wakes when a different instance
// enqueues the command (SPEC_FULL.md §11). Messages are JSON-encoded as
// {"topic": "...", "kiosk_id": "..."} since the only payload shape the Gateway publishes
// today is "a command became claimable for this kiosk".
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus wraps an existing go-redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

type wireMessage struct {
	Topic   string `json:"topic"`
	KioskID string `json:"kiosk_id,omitempty"`
}

// Publish publishes msg.Payload as a kiosk id string; any other payload
// type is rejected since RedisBus only needs to carry this one shape.
func (b *RedisBus) Publish(ctx context.Context, topic string, msg Message) error {
	kioskID, ok := msg.Payload.(string)
	if !ok {
		return fmt.Errorf("bus: redis payload must be a kiosk id string, got %T", msg.Payload)
	}
	body, err := json.Marshal(wireMessage{Topic: topic, KioskID: kioskID})
	if err != nil {
		return fmt.Errorf("bus: marshal redis message: %w", err)
	}
	if err := b.client.Publish(ctx, topic, body).Err(); err != nil {
		return fmt.Errorf("bus: redis publish %q: %w", topic, err)
	}
	return nil
}

// Subscribe opens a Redis PubSub subscription on topic and bridges it
// into the Bus's Message channel shape.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (Subscriber, error) {
	ps := b.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("bus: redis subscribe %q: %w", topic, err)
	}

	ch := make(chan Message, 16)
	sub := &redisSub{ps: ps, ch: ch}
	go sub.pump()
	return sub, nil
}

type redisSub struct {
	ps *redis.PubSub
	ch chan Message
}

func (s *redisSub) pump() {
	logger := log.WithComponent("bus.redis")
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		var wm wireMessage
		if err := json.Unmarshal([]byte(msg.Payload), &wm); err != nil {
			logger.Warn().Err(err).Msg("discarding malformed redis bus payload")
			continue
		}
		s.ch <- Message{Topic: wm.Topic, Payload: wm.KioskID}
	}
}

func (s *redisSub) C() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	return s.ps.Close()
}

var _ Bus = (*RedisBus)(nil)
