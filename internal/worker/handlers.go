package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"floortrader/internal/broker"
	"floortrader/internal/coordinator"
	"floortrader/internal/executor"
	"floortrader/internal/faults"
	"floortrader/internal/kvstore"
	"floortrader/internal/observability"
	"floortrader/internal/pipeline"
	"floortrader/internal/state"
	"floortrader/internal/strategy"
)

// ExecutionPayload starts a backtest or live execution.
type ExecutionPayload struct {
	ExecutionID    string          `json:"execution_id"`
	RequestID      string          `json:"request_id,omitempty"` // defaults to ExecutionID
	Instrument     string          `json:"instrument"`
	StrategyType   string          `json:"strategy_type"`
	StrategyConfig json.RawMessage `json:"strategy_config"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	RangeStart     time.Time       `json:"range_start,omitempty"`
	RangeEnd       time.Time       `json:"range_end,omitempty"`
}

// PublishPayload starts a tick publisher for one request channel. Live
// runs must name the broker account explicitly.
type PublishPayload struct {
	RequestID  string    `json:"request_id"`
	Instrument string    `json:"instrument"`
	Live       bool      `json:"live,omitempty"`
	Account    string    `json:"account,omitempty"`
	RangeStart time.Time `json:"range_start,omitempty"`
	RangeEnd   time.Time `json:"range_end,omitempty"`
}

// SubscribePayload starts a tick subscriber persisting one request
// channel into the durable tick store.
type SubscribePayload struct {
	RequestID string `json:"request_id"`
}

// SupervisePayload starts the pipeline supervisor over a role set.
type SupervisePayload struct {
	InstanceKey string     `json:"instance_key"`
	Roles       []RoleSpec `json:"roles"`
}

// RoleSpec is one supervised role in wire form.
type RoleSpec struct {
	Name    string          `json:"name"`
	LockKey string          `json:"lock_key"`
	Task    string          `json:"task"`
	Payload json.RawMessage `json:"payload"`
}

// Deps carries everything the default handlers wire together. The
// worker itself stays transport-only; all domain plumbing lives here.
type Deps struct {
	WorkerID string

	// Account is the broker account this worker's live feed serves.
	// Live publish tasks must name it; a mismatch is rejected.
	Account string

	NC        *nats.Conn
	Channel   pipeline.Channel
	Locks     kvstore.Store
	Scheduler pipeline.Scheduler

	Snapshots    state.SnapshotStore
	ControlStore coordinator.ControlStore
	ControlCache coordinator.ControlCache
	TickReader   pipeline.TickReader
	TickWriter   pipeline.TickWriter

	Broker   broker.Client
	LiveFeed pipeline.TickStream

	Strategies strategy.Registry
	Metrics    *observability.Metrics
	Log        zerolog.Logger
}

// RegisterDefaults installs the standard handler set on the worker.
func RegisterDefaults(w *Worker, deps Deps) {
	w.Handle(TaskRunBacktest, deps.runExecution(TaskRunBacktest, executor.ModeBacktest))
	w.Handle(TaskRunLive, deps.runExecution(TaskRunLive, executor.ModeLive))
	w.Handle(TaskPublishTicks, deps.publishTicks)
	w.Handle(TaskSubscribeTicks, deps.subscribeTicks)
	w.Handle(TaskSupervisePipeline, deps.supervisePipeline)
}

func (d Deps) runExecution(taskName string, mode executor.Mode) Handler {
	return func(ctx context.Context, payload []byte) error {
		var p ExecutionPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return faults.Validationf("payload", "decode execution payload: %v", err)
		}
		if p.ExecutionID == "" || p.Instrument == "" {
			return faults.Validationf("payload", "execution_id and instrument are required")
		}
		requestID := p.RequestID
		if requestID == "" {
			requestID = p.ExecutionID
		}
		log := d.Log.With().Str("execution_id", p.ExecutionID).Str("mode", string(mode)).Logger()

		strategyType := p.StrategyType
		if strategyType == "" {
			strategyType = "floor"
		}
		strat, err := d.Strategies.Build(strategyType, p.StrategyConfig)
		if err != nil {
			return faults.Validationf("strategy", "build %s: %v", strategyType, err)
		}

		var router executor.OrderRouter
		switch mode {
		case executor.ModeBacktest:
			router = executor.NewBacktestRouter(broker.NewSimulatedClient())
		case executor.ModeLive:
			router = executor.NewLiveRouter(d.Broker, log)
		default:
			return faults.Validationf("mode", "unknown mode %q", mode)
		}

		// Subscribe before scheduling the publisher so no tick is missed.
		src, err := executor.NewChannelSource(ctx, d.Channel, requestID)
		if err != nil {
			return fmt.Errorf("open tick source: %w", err)
		}
		defer src.Close()

		account := ""
		if mode == executor.ModeLive {
			account = d.Account
		}
		pub, err := json.Marshal(PublishPayload{
			RequestID:  requestID,
			Instrument: p.Instrument,
			Live:       mode == executor.ModeLive,
			Account:    account,
			RangeStart: p.RangeStart,
			RangeEnd:   p.RangeEnd,
		})
		if err != nil {
			return fmt.Errorf("marshal publish payload: %w", err)
		}
		if err := d.Scheduler.Schedule(ctx, TaskPublishTicks, pub); err != nil {
			return fmt.Errorf("schedule publisher: %w", err)
		}

		configCh, stopWatch, err := d.watchConfig(p.ExecutionID, log)
		if err != nil {
			return fmt.Errorf("watch config changes: %w", err)
		}
		defer stopWatch()

		coord := coordinator.New(taskName, p.ExecutionID, d.WorkerID,
			d.ControlStore, d.ControlCache, coordinator.Config{}, log)

		exec := executor.New(executor.Config{
			ExecutionID:    p.ExecutionID,
			Instrument:     p.Instrument,
			Mode:           mode,
			InitialBalance: p.InitialBalance,
			RangeStart:     p.RangeStart,
			RangeEnd:       p.RangeEnd,
		}, strat, d.Strategies, state.NewManager(p.ExecutionID, d.Snapshots),
			coord, router, configCh, d.Metrics, log)

		res, err := exec.Run(ctx, src)
		if err != nil {
			return err
		}
		d.Metrics.ExecutionsDone.WithLabelValues(string(res.Status)).Inc()
		log.Info().
			Str("status", string(res.Status)).
			Int64("ticks", res.TicksProcessed).
			Str("final_balance", res.FinalState.Balance.String()).
			Msg("execution finished")
		return nil
	}
}

// watchConfig feeds strategy reconfiguration messages published on
// config.<execution_id> into the executor's poll channel.
func (d Deps) watchConfig(executionID string, log zerolog.Logger) (<-chan executor.ConfigChange, func(), error) {
	if d.NC == nil {
		return nil, func() {}, nil
	}

	ch := make(chan executor.ConfigChange, 4)
	sub, err := d.NC.Subscribe("config."+executionID, func(msg *nats.Msg) {
		var change executor.ConfigChange
		if err := json.Unmarshal(msg.Data, &change); err != nil {
			log.Warn().Err(err).Msg("bad config change message, ignored")
			return
		}
		select {
		case ch <- change:
		default:
			log.Warn().Msg("config change channel full, message dropped")
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return ch, func() { sub.Unsubscribe() }, nil
}

func (d Deps) publishTicks(ctx context.Context, payload []byte) error {
	var p PublishPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return faults.Validationf("payload", "decode publish payload: %v", err)
	}
	if p.RequestID == "" || p.Instrument == "" {
		return faults.Validationf("payload", "request_id and instrument are required")
	}
	if p.Live {
		if p.Account == "" {
			return faults.Validationf("account", "live publish requires an explicit account")
		}
		if p.Account != d.Account {
			return faults.Validationf("account", "account %q is not served by this worker (serves %q)", p.Account, d.Account)
		}
	}
	log := d.Log.With().Str("request_id", p.RequestID).Logger()

	lock := pipeline.NewLock(d.Locks, pipeline.PublisherLockKey(p.RequestID))
	pub := pipeline.NewPublisher(d.Channel, lock, pipeline.PublisherConfig{
		RequestID:  p.RequestID,
		Instrument: p.Instrument,
		Account:    p.Account,
	}, log)

	var err error
	if p.Live {
		err = pub.RunLive(ctx, d.LiveFeed)
	} else {
		err = pub.RunHistorical(ctx, d.TickReader, p.RangeStart, p.RangeEnd)
	}
	if errors.Is(err, pipeline.ErrLockHeld) {
		// Another publisher is live for this request. Singleton held.
		log.Info().Msg("publisher already running, exiting")
		return nil
	}
	return err
}

func (d Deps) subscribeTicks(ctx context.Context, payload []byte) error {
	var p SubscribePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return faults.Validationf("payload", "decode subscribe payload: %v", err)
	}
	if p.RequestID == "" {
		return faults.Validationf("payload", "request_id is required")
	}
	log := d.Log.With().Str("request_id", p.RequestID).Logger()

	lock := pipeline.NewLock(d.Locks, pipeline.SubscriberLockKey(p.RequestID))
	sub := pipeline.NewSubscriber(d.Channel, d.TickWriter, lock, pipeline.SubscriberConfig{
		Subject: pipeline.SubjectForRequest(p.RequestID),
	}, log)

	err := sub.Run(ctx)
	if errors.Is(err, pipeline.ErrLockHeld) {
		log.Info().Msg("subscriber already running, exiting")
		return nil
	}
	return err
}

func (d Deps) supervisePipeline(ctx context.Context, payload []byte) error {
	var p SupervisePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return faults.Validationf("payload", "decode supervise payload: %v", err)
	}
	instanceKey := p.InstanceKey
	if instanceKey == "" {
		instanceKey = "pipeline"
	}
	log := d.Log.With().Str("instance_key", instanceKey).Logger()

	roles := make([]pipeline.Role, 0, len(p.Roles))
	for _, r := range p.Roles {
		roles = append(roles, pipeline.Role{
			Name:    r.Name,
			LockKey: r.LockKey,
			Task:    r.Task,
			Payload: r.Payload,
		})
	}

	coord := coordinator.New(TaskSupervisePipeline, instanceKey, d.WorkerID,
		d.ControlStore, d.ControlCache, coordinator.Config{}, log)
	if err := coord.Start(ctx, map[string]interface{}{"roles": len(roles)}); err != nil {
		return err
	}

	lock := pipeline.NewLock(d.Locks, pipeline.SupervisorLockKey)
	sup := pipeline.NewSupervisor(d.Locks, d.Scheduler, roles, lock, pipeline.SupervisorConfig{},
		func(ctx context.Context) (bool, error) {
			if err := coord.Heartbeat(ctx, "", nil, false); err != nil {
				log.Warn().Err(err).Msg("supervisor heartbeat failed")
			}
			return coord.CheckControl(ctx, false)
		}, log)

	err := sup.Run(ctx)
	if errors.Is(err, pipeline.ErrLockHeld) {
		log.Info().Msg("supervisor already running, exiting")
		return coord.Stop(context.WithoutCancel(ctx), "another supervisor holds the lock", coordinator.StatusStopped)
	}
	if err != nil && ctx.Err() == nil {
		// Nobody supervises the supervisor: before reporting the failure
		// it puts itself back on the queue so the pipeline recovers.
		requeue := context.WithoutCancel(ctx)
		if schedErr := d.Scheduler.Schedule(requeue, TaskSupervisePipeline, payload); schedErr != nil {
			log.Error().Err(schedErr).Msg("failed to reschedule supervisor")
		} else {
			log.Info().Msg("supervisor rescheduled after failure")
		}
		stopErr := coord.Stop(requeue, err.Error(), coordinator.StatusFailed)
		if stopErr != nil {
			log.Warn().Err(stopErr).Msg("failed to mark supervisor task failed")
		}
		return err
	}
	return coord.Stop(context.WithoutCancel(ctx), "supervisor exited", coordinator.StatusStopped)
}
