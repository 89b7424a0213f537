package executor

import (
	"context"
	"io"

	"floortrader/internal/market"
	"floortrader/internal/pipeline"
)

// TickSource yields tick-channel messages in order. Both executor
// variants pull from the same channel abstraction; backtests replay
// history through it.
type TickSource interface {
	// Next blocks for the next message. io.EOF means the channel
	// closed without a terminal marker.
	Next(ctx context.Context) (market.Message, error)

	// Close releases the subscription.
	Close()
}

// ChannelSource subscribes a dedicated channel subject.
type ChannelSource struct {
	msgs   <-chan market.Message
	cancel func()
}

func NewChannelSource(ctx context.Context, ch pipeline.Channel, requestID string) (*ChannelSource, error) {
	msgs, cancel, err := ch.Subscribe(ctx, pipeline.SubjectForRequest(requestID))
	if err != nil {
		return nil, err
	}
	return &ChannelSource{msgs: msgs, cancel: cancel}, nil
}

func (s *ChannelSource) Next(ctx context.Context) (market.Message, error) {
	select {
	case <-ctx.Done():
		return market.Message{}, ctx.Err()
	case msg, ok := <-s.msgs:
		if !ok {
			return market.Message{}, io.EOF
		}
		return msg, nil
	}
}

func (s *ChannelSource) Close() { s.cancel() }
