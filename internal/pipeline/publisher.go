package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"floortrader/internal/market"
)

// TickReader is the historical tick store's chunked read surface. It
// must deliver ticks in non-decreasing timestamp order and never
// materialize the whole range.
type TickReader interface {
	ReadRange(ctx context.Context, instrument string, from, to time.Time, chunkSize int, fn func([]market.Tick) error) error
}

// TickStream is a live broker tick feed. Recv blocks for the next tick;
// io.EOF ends the stream.
type TickStream interface {
	Recv(ctx context.Context) (market.Tick, error)
}

// PublisherConfig tunes one publisher run.
type PublisherConfig struct {
	RequestID  string
	Instrument string

	// Account names the broker account whose feed backs a live run. It
	// is an explicit input, never inferred from the instrument.
	Account string

	ChunkSize   int
	LockTTL     time.Duration
	LockRefresh time.Duration
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 500
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.LockRefresh <= 0 {
		c.LockRefresh = RefreshInterval(c.LockTTL)
	}
	return c
}

// Publisher reads ticks from a source and publishes them, in timestamp
// order, onto the request's channel. Exactly one publisher per role key
// runs cluster-wide, enforced by its TTL lock.
type Publisher struct {
	channel Channel
	lock    *Lock
	cfg     PublisherConfig
	log     zerolog.Logger
}

func NewPublisher(channel Channel, lock *Lock, cfg PublisherConfig, log zerolog.Logger) *Publisher {
	return &Publisher{channel: channel, lock: lock, cfg: cfg.withDefaults(), log: log}
}

// RunHistorical replays a bounded time range and ends with an EOF
// marker, or a stopped marker when the context is cancelled mid-range.
func (p *Publisher) RunHistorical(ctx context.Context, reader TickReader, from, to time.Time) error {
	if err := p.lock.Acquire(ctx); err != nil {
		return err
	}
	defer p.lock.Release(context.WithoutCancel(ctx))

	subject := SubjectForRequest(p.cfg.RequestID)
	var published int64
	lastRefresh := time.Now()

	err := reader.ReadRange(ctx, p.cfg.Instrument, from, to, p.cfg.ChunkSize, func(chunk []market.Tick) error {
		for _, t := range chunk {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := p.channel.Publish(ctx, subject, market.TickMessage(p.cfg.RequestID, t)); err != nil {
				return err
			}
			published++
		}
		if time.Since(lastRefresh) >= p.cfg.LockRefresh {
			if err := p.lock.Refresh(ctx); err != nil {
				return fmt.Errorf("lost publisher lock: %w", err)
			}
			lastRefresh = time.Now()
		}
		return nil
	})

	return p.terminate(ctx, subject, published, err)
}

// RunLive pumps a broker stream indefinitely, refreshing the lock on a
// fixed cadence, until the stream ends or the context is cancelled.
// Each Recv is bounded by the next refresh deadline: a stream with no
// ticks flowing must not let the lock TTL lapse.
func (p *Publisher) RunLive(ctx context.Context, stream TickStream) error {
	if err := p.lock.Acquire(ctx); err != nil {
		return err
	}
	defer p.lock.Release(context.WithoutCancel(ctx))

	subject := SubjectForRequest(p.cfg.RequestID)
	var published int64
	lastRefresh := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return p.terminate(ctx, subject, published, err)
		}

		wait := p.cfg.LockRefresh - time.Since(lastRefresh)
		if wait <= 0 {
			if err := p.lock.Refresh(ctx); err != nil {
				return p.terminate(ctx, subject, published, fmt.Errorf("lost publisher lock: %w", err))
			}
			lastRefresh = time.Now()
			continue
		}

		recvCtx, cancel := context.WithTimeout(ctx, wait)
		tick, err := stream.Recv(recvCtx)
		cancel()
		if err != nil {
			// A deadline on the child context alone means the refresh
			// window closed while the stream was quiet.
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				continue
			}
			return p.terminate(ctx, subject, published, err)
		}
		if err := p.channel.Publish(ctx, subject, market.TickMessage(p.cfg.RequestID, tick)); err != nil {
			return p.terminate(ctx, subject, published, err)
		}
		published++
	}
}

// terminate publishes the terminal channel marker matching how the run
// ended. Marker publish failures are logged only; the run's own error
// wins.
func (p *Publisher) terminate(ctx context.Context, subject string, published int64, runErr error) error {
	// The run context may already be cancelled; markers still go out.
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var marker market.Message
	switch {
	case runErr == nil || errors.Is(runErr, io.EOF):
		marker = market.EOFMessage(p.cfg.RequestID, p.cfg.Instrument, published)
		runErr = nil
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		marker = market.StoppedMessage(p.cfg.RequestID, p.cfg.Instrument, published)
		runErr = nil
	default:
		marker = market.ErrorMessage(p.cfg.RequestID, p.cfg.Instrument, runErr.Error())
	}

	if err := p.channel.Publish(mctx, subject, marker); err != nil {
		p.log.Warn().Err(err).Str("request_id", p.cfg.RequestID).Msg("terminal marker publish failed")
	}
	done := p.log.Info().
		Str("request_id", p.cfg.RequestID).
		Str("instrument", p.cfg.Instrument).
		Int64("published", published).
		Str("marker", string(marker.Type))
	if p.cfg.Account != "" {
		done = done.Str("account", p.cfg.Account)
	}
	done.Msg("publisher finished")
	return runErr
}
