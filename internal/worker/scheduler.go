package worker

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// NATSScheduler enqueues tasks onto the work queue stream. It is the
// pipeline.Scheduler implementation used by the supervisor and by
// handlers that spawn companion tasks.
type NATSScheduler struct {
	js jetstream.JetStream
}

func NewNATSScheduler(js jetstream.JetStream) *NATSScheduler {
	return &NATSScheduler{js: js}
}

func (s *NATSScheduler) Schedule(ctx context.Context, task string, payload []byte) error {
	if _, err := s.js.Publish(ctx, taskSubjectPrefix+task, payload); err != nil {
		return fmt.Errorf("schedule %s: %w", task, err)
	}
	return nil
}
