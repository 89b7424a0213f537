package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"floortrader/internal/market"
)

// TickWriter is the durable tick store's bulk write surface.
// UpsertBatch must treat (instrument, timestamp) as the conflict key.
type TickWriter interface {
	UpsertBatch(ctx context.Context, ticks []market.Tick) error
}

// SubscriberConfig tunes one subscriber run.
type SubscriberConfig struct {
	Subject     string
	BatchSize   int
	FlushEvery  time.Duration
	LockTTL     time.Duration
	LockRefresh time.Duration
}

func (c SubscriberConfig) withDefaults() SubscriberConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 2 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.LockRefresh <= 0 {
		c.LockRefresh = RefreshInterval(c.LockTTL)
	}
	return c
}

// Subscriber listens on a tick channel, buffers incoming ticks, and
// flushes batches to durable storage bounded by size or age. Exactly one
// subscriber per role key runs cluster-wide.
type Subscriber struct {
	channel Channel
	writer  TickWriter
	lock    *Lock
	cfg     SubscriberConfig
	log     zerolog.Logger

	buf []market.Tick
}

func NewSubscriber(channel Channel, writer TickWriter, lock *Lock, cfg SubscriberConfig, log zerolog.Logger) *Subscriber {
	return &Subscriber{channel: channel, writer: writer, lock: lock, cfg: cfg.withDefaults(), log: log}
}

// Run consumes the subject until the context ends or a terminal marker
// arrives, flushing the remaining buffer on exit.
func (s *Subscriber) Run(ctx context.Context) error {
	if err := s.lock.Acquire(ctx); err != nil {
		return err
	}
	defer s.lock.Release(context.WithoutCancel(ctx))

	msgs, cancel, err := s.channel.Subscribe(ctx, s.cfg.Subject)
	if err != nil {
		return err
	}
	defer cancel()

	flush := time.NewTicker(s.cfg.FlushEvery)
	defer flush.Stop()
	refresh := time.NewTicker(s.cfg.LockRefresh)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.drain(ctx)

		case <-refresh.C:
			if err := s.lock.Refresh(ctx); err != nil {
				s.log.Warn().Err(err).Msg("lost subscriber lock, exiting")
				return s.drain(ctx)
			}

		case <-flush.C:
			if err := s.flush(ctx); err != nil {
				s.log.Warn().Err(err).Msg("tick flush failed, retrying next cycle")
			}

		case msg, ok := <-msgs:
			if !ok {
				return s.drain(ctx)
			}
			switch msg.Type {
			case market.MessageTick:
				tick, err := msg.Tick()
				if err != nil {
					s.log.Warn().Err(err).Str("request_id", msg.RequestID).Msg("dropping malformed tick")
					continue
				}
				s.buf = append(s.buf, tick)
				if len(s.buf) >= s.cfg.BatchSize {
					if err := s.flush(ctx); err != nil {
						s.log.Warn().Err(err).Msg("tick flush failed, retrying next cycle")
					}
				}
			case market.MessageEOF, market.MessageStopped:
				s.log.Info().Str("request_id", msg.RequestID).Int64("count", msg.Count).
					Str("marker", string(msg.Type)).Msg("channel ended")
				return s.drain(ctx)
			case market.MessageError:
				s.log.Error().Str("request_id", msg.RequestID).Str("message", msg.ErrMessage).
					Msg("publisher reported error")
			}
		}
	}
}

func (s *Subscriber) drain(ctx context.Context) error {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return s.flush(fctx)
}

// flush dedupes the buffer by (instrument, timestamp) with last-value-
// wins and bulk-upserts it. The buffer is kept on failure so the next
// cycle retries.
func (s *Subscriber) flush(ctx context.Context) error {
	if len(s.buf) == 0 {
		return nil
	}
	batch := DedupTicks(s.buf)
	if err := s.writer.UpsertBatch(ctx, batch); err != nil {
		return err
	}
	s.buf = s.buf[:0]
	return nil
}

// DedupTicks collapses duplicate (instrument, timestamp) pairs, keeping
// the last occurrence. Relative order of the kept ticks is preserved.
func DedupTicks(ticks []market.Tick) []market.Tick {
	type key struct {
		instrument string
		ts         int64
	}
	last := make(map[key]int, len(ticks))
	for i, t := range ticks {
		last[key{t.Instrument, t.Timestamp.UnixNano()}] = i
	}
	out := make([]market.Tick, 0, len(last))
	for i, t := range ticks {
		if last[key{t.Instrument, t.Timestamp.UnixNano()}] == i {
			out = append(out, t)
		}
	}
	return out
}
