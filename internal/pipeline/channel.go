package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"floortrader/internal/market"
)

// TickStreamName is the JetStream stream holding every tick channel.
const TickStreamName = "TICKS"

// SubjectForRequest returns the dedicated channel subject for one
// publish request.
func SubjectForRequest(requestID string) string {
	return "ticks.req." + requestID
}

// Channel moves tick-channel messages between pipeline roles. Messages
// on one subject are delivered in publish order.
type Channel interface {
	Publish(ctx context.Context, subject string, msg market.Message) error

	// Subscribe delivers the subject's messages on the returned Go
	// channel until cancel is called or ctx ends.
	Subscribe(ctx context.Context, subject string) (<-chan market.Message, func(), error)
}

// NATSChannel is the JetStream-backed channel used across workers.
type NATSChannel struct {
	js jetstream.JetStream
}

func NewNATSChannel(js jetstream.JetStream) *NATSChannel {
	return &NATSChannel{js: js}
}

// EnsureTickStream creates the tick stream if missing.
func EnsureTickStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      TickStreamName,
		Subjects:  []string{"ticks.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("ensure tick stream: %w", err)
	}
	return nil
}

func (c *NATSChannel) Publish(ctx context.Context, subject string, msg market.Message) error {
	data, err := market.EncodeMessage(msg)
	if err != nil {
		return err
	}
	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (c *NATSChannel) Subscribe(ctx context.Context, subject string) (<-chan market.Message, func(), error) {
	consumer, err := c.js.OrderedConsumer(ctx, TickStreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("ordered consumer %s: %w", subject, err)
	}

	out := make(chan market.Message, 256)
	cctx, err := consumer.Consume(func(m jetstream.Msg) {
		msg, err := market.DecodeMessage(m.Data())
		if err != nil {
			// Malformed payloads are dropped; the stream is append-only
			// so retrying cannot repair them.
			return
		}
		select {
		case out <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("consume %s: %w", subject, err)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cctx.Stop()
			close(out)
		})
	}
	return out, cancel, nil
}

// MemoryChannel is an in-process channel for tests and the local
// backtest CLI. Subscribers receive only messages published after they
// subscribe, like a live subject.
type MemoryChannel struct {
	mu   sync.Mutex
	subs map[string][]chan market.Message
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{subs: make(map[string][]chan market.Message)}
}

func (c *MemoryChannel) Publish(ctx context.Context, subject string, msg market.Message) error {
	c.mu.Lock()
	targets := append([]chan market.Message(nil), c.subs[subject]...)
	c.mu.Unlock()
	for _, ch := range targets {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *MemoryChannel) Subscribe(_ context.Context, subject string) (<-chan market.Message, func(), error) {
	ch := make(chan market.Message, 1024)
	c.mu.Lock()
	c.subs[subject] = append(c.subs[subject], ch)
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			subs := c.subs[subject]
			for i, s := range subs {
				if s == ch {
					c.subs[subject] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			c.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}
