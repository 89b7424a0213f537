package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"floortrader/internal/kvstore"
)

// Scheduler enqueues a task for a worker to pick up. The worker package
// provides the NATS-backed implementation.
type Scheduler interface {
	Schedule(ctx context.Context, task string, payload []byte) error
}

// Role is one supervised pipeline role: its singleton lock key and the
// task the supervisor schedules when the lock is missing.
type Role struct {
	Name    string
	LockKey string
	Task    string
	Payload []byte
}

// SupervisorConfig tunes the supervision loop.
type SupervisorConfig struct {
	Interval time.Duration
	LockTTL  time.Duration
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 60 * time.Second
	}
	return c
}

// Supervisor keeps exactly one publisher and one subscriber alive: on a
// fixed interval it checks each role's lock and (re-)schedules the role
// when the lock is gone. It holds its own singleton lock, making the
// pipeline self-healing across worker crashes.
type Supervisor struct {
	kv        kvstore.Store
	scheduler Scheduler
	roles     []Role
	lock      *Lock
	cfg       SupervisorConfig
	log       zerolog.Logger

	// stopRequested consults the task coordinator; when it reports
	// true the supervisor stops rescheduling and exits.
	stopRequested func(ctx context.Context) (bool, error)
}

func NewSupervisor(
	kv kvstore.Store,
	scheduler Scheduler,
	roles []Role,
	lock *Lock,
	cfg SupervisorConfig,
	stopRequested func(ctx context.Context) (bool, error),
	log zerolog.Logger,
) *Supervisor {
	return &Supervisor{
		kv:            kv,
		scheduler:     scheduler,
		roles:         roles,
		lock:          lock,
		cfg:           cfg.withDefaults(),
		stopRequested: stopRequested,
		log:           log,
	}
}

// Run loops until stop is requested or the context ends. Acquiring the
// supervisor lock fails when another supervisor is live, which is the
// singleton working as intended.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.lock.Acquire(ctx); err != nil {
		return err
	}
	defer s.lock.Release(context.WithoutCancel(ctx))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if stop, err := s.stopRequested(ctx); err != nil {
			s.log.Warn().Err(err).Msg("stop check failed, supervising on")
		} else if stop {
			s.log.Info().Msg("supervisor stop requested")
			return nil
		}

		s.checkRoles(ctx)

		if err := s.lock.Refresh(ctx); err != nil {
			s.log.Warn().Err(err).Msg("lost supervisor lock, exiting")
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) checkRoles(ctx context.Context) {
	for _, role := range s.roles {
		exists, err := LockExists(ctx, s.kv, role.LockKey)
		if err != nil {
			s.log.Warn().Err(err).Str("role", role.Name).Msg("lock check failed")
			continue
		}
		if exists {
			continue
		}
		s.log.Info().Str("role", role.Name).Str("task", role.Task).Msg("role lock missing, rescheduling")
		if err := s.scheduler.Schedule(ctx, role.Task, role.Payload); err != nil {
			s.log.Error().Err(err).Str("role", role.Name).Msg("reschedule failed")
		}
	}
}
