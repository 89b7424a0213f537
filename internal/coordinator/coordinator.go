package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoRecord is returned by Heartbeat when the control record is gone.
var ErrNoRecord = errors.New("coordinator: no control record")

// ControlStore is the durable side of the control plane.
type ControlStore interface {
	// Put creates or overwrites the record. Used only by Start.
	Put(ctx context.Context, rec ControlRecord) error

	// Get returns the record, or nil when none exists.
	Get(ctx context.Context, taskName, instanceKey string) (*ControlRecord, error)

	// Heartbeat refreshes the liveness timestamp and merges metaPatch
	// into the stored meta.
	Heartbeat(ctx context.Context, taskName, instanceKey string, at time.Time, message string, metaPatch map[string]interface{}) error

	// Transition applies a status change, refusing any change out of a
	// terminal status. Returns whether the transition was applied.
	Transition(ctx context.Context, taskName, instanceKey string, to Status, message string, at time.Time) (bool, error)

	// DeleteTerminatedBefore removes terminal records stopped before the
	// cutoff. The grace period keeps fresh terminals visible to readers.
	DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ControlCache is the fast tier consulted before the durable store. A
// cached STOP_REQUESTED or terminal status is authoritative and
// short-circuits the durable read.
type ControlCache interface {
	SetStatus(ctx context.Context, key string, status Status) error
	GetStatus(ctx context.Context, key string) (Status, bool, error)
	Delete(ctx context.Context, key string) error
}

// Config tunes one coordinator instance.
type Config struct {
	HeartbeatInterval time.Duration
	CheckInterval     time.Duration
	// GracePeriod is how long terminal records stay eligible for reads
	// before cleanup. Default 5 minutes.
	GracePeriod time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 2 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Minute
	}
	return c
}

// Coordinator runs the start/heartbeat/stop-check protocol for one task
// instance. Heartbeats and control checks are throttled so a hot tick
// loop does not hammer the store.
type Coordinator struct {
	taskName    string
	instanceKey string
	workerID    string

	store ControlStore
	cache ControlCache
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time

	lastHeartbeat time.Time
	lastCheck     time.Time
	lastVerdict   bool
	stopped       bool
}

func New(taskName, instanceKey, workerID string, store ControlStore, cache ControlCache, cfg Config, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		taskName:    taskName,
		instanceKey: instanceKey,
		workerID:    workerID,
		store:       store,
		cache:       cache,
		cfg:         cfg.withDefaults(),
		log:         log,
		now:         time.Now,
	}
}

func (c *Coordinator) key() string {
	return c.taskName + "." + c.instanceKey
}

// Start creates or overwrites the control record as RUNNING with a fresh
// heartbeat, and mirrors the status into the cache.
func (c *Coordinator) Start(ctx context.Context, meta map[string]interface{}) error {
	now := c.now().UTC()
	rec := ControlRecord{
		TaskName:        c.taskName,
		InstanceKey:     c.instanceKey,
		Status:          StatusRunning,
		WorkerHandle:    c.workerID,
		StartedAt:       now,
		LastHeartbeatAt: now,
		Meta:            meta,
	}
	if err := c.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("start control record: %w", err)
	}
	if err := c.cache.SetStatus(ctx, c.key(), StatusRunning); err != nil {
		// Cache writes are best-effort; the durable record is truth.
		c.log.Warn().Err(err).Str("task", c.key()).Msg("control cache set failed")
	}
	c.lastHeartbeat = now
	c.stopped = false
	c.log.Info().Str("task", c.key()).Str("worker", c.workerID).Msg("task started")
	return nil
}

// Heartbeat refreshes liveness, throttled to the configured interval
// unless forced. metaPatch merges into the stored meta. Failures are
// logged, never fatal: the next cycle retries.
func (c *Coordinator) Heartbeat(ctx context.Context, message string, metaPatch map[string]interface{}, force bool) error {
	now := c.now().UTC()
	if !force && now.Sub(c.lastHeartbeat) < c.cfg.HeartbeatInterval {
		return nil
	}
	if err := c.store.Heartbeat(ctx, c.taskName, c.instanceKey, now, message, metaPatch); err != nil {
		c.log.Warn().Err(err).Str("task", c.key()).Msg("heartbeat failed")
		return err
	}
	c.lastHeartbeat = now
	return nil
}

// CheckControl reports whether a stop has been requested. Reads are
// throttled unless forced; the fast cache is consulted first and a
// cached stop-ish status short-circuits the durable read. A missing
// record means no stop signal.
func (c *Coordinator) CheckControl(ctx context.Context, force bool) (bool, error) {
	now := c.now().UTC()
	if !force && now.Sub(c.lastCheck) < c.cfg.CheckInterval {
		return c.lastVerdict, nil
	}
	c.lastCheck = now

	if status, ok, err := c.cache.GetStatus(ctx, c.key()); err != nil {
		c.log.Warn().Err(err).Str("task", c.key()).Msg("control cache read failed")
	} else if ok && status.ShouldStop() {
		c.lastVerdict = true
		return true, nil
	}

	rec, err := c.store.Get(ctx, c.taskName, c.instanceKey)
	if err != nil {
		return c.lastVerdict, fmt.Errorf("control read: %w", err)
	}
	c.lastVerdict = rec != nil && rec.Status.ShouldStop()
	return c.lastVerdict, nil
}

// Stop applies a one-shot transition to a terminal status. A record
// already terminal is left untouched (no last-writer-wins).
func (c *Coordinator) Stop(ctx context.Context, message string, terminal Status) error {
	if !terminal.Terminal() {
		return fmt.Errorf("stop requires a terminal status, got %s", terminal)
	}
	if c.stopped {
		return nil
	}

	applied, err := c.store.Transition(ctx, c.taskName, c.instanceKey, terminal, message, c.now().UTC())
	if err != nil {
		return fmt.Errorf("stop transition: %w", err)
	}
	if !applied {
		c.log.Debug().Str("task", c.key()).Str("to", string(terminal)).Msg("stop skipped: already terminal")
		c.stopped = true
		return nil
	}

	if err := c.cache.SetStatus(ctx, c.key(), terminal); err != nil {
		c.log.Warn().Err(err).Str("task", c.key()).Msg("control cache set failed")
	}
	c.stopped = true
	c.log.Info().Str("task", c.key()).Str("status", string(terminal)).Str("message", message).Msg("task stopped")
	return nil
}

// RequestStop flips any live instance of the task to STOP_REQUESTED.
// Callers outside the running worker use it to signal a halt.
func RequestStop(ctx context.Context, store ControlStore, cache ControlCache, taskName, instanceKey, message string) error {
	applied, err := store.Transition(ctx, taskName, instanceKey, StatusStopRequested, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("request stop: %w", err)
	}
	if applied {
		if err := cache.SetStatus(ctx, taskName+"."+instanceKey, StatusStopRequested); err != nil {
			return nil // durable transition succeeded; cache catches up on read
		}
	}
	return nil
}

// Cleanup removes terminal records older than the grace period.
func (c *Coordinator) Cleanup(ctx context.Context) (int64, error) {
	return c.store.DeleteTerminatedBefore(ctx, c.now().UTC().Add(-c.cfg.GracePeriod))
}
