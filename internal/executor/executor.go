package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"floortrader/internal/analytics"
	"floortrader/internal/coordinator"
	"floortrader/internal/event"
	"floortrader/internal/faults"
	"floortrader/internal/market"
	"floortrader/internal/observability"
	"floortrader/internal/state"
	"floortrader/internal/strategy"
)

// Mode selects the executor variant.
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModeLive     Mode = "live"
)

// ConfigChange is an explicit strategy-reconfiguration message. The
// executor polls for it at the top of every loop iteration; there are no
// implicit callbacks.
type ConfigChange struct {
	StrategyType string          `json:"strategy_type"`
	Config       json.RawMessage `json:"config"`
}

// Config parameterizes one execution.
type Config struct {
	ExecutionID    string
	Instrument     string
	Mode           Mode
	InitialBalance decimal.Decimal

	// Snapshot cadence: whichever of ticks or interval trips first.
	SnapshotEveryTicks int64
	SnapshotEvery      time.Duration

	// Backtest time range, used for progress reporting.
	RangeStart time.Time
	RangeEnd   time.Time
}

func (c Config) withDefaults() Config {
	if c.SnapshotEveryTicks <= 0 {
		c.SnapshotEveryTicks = 1000
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = 30 * time.Second
	}
	return c
}

// Result is the outcome of one execution run.
type Result struct {
	Status         coordinator.Status
	TicksProcessed int64
	Progress       float64
	Summary        analytics.Summary
	FinalState     state.ExecutionState
}

// Executor drives the tick loop for one task instance: it pulls ticks,
// invokes the strategy engine, routes events to the broker and the
// aggregator, heartbeats the coordinator, and snapshots state.
type Executor struct {
	cfg      Config
	strat    strategy.Strategy
	registry strategy.Registry
	stateMgr *state.Manager
	coord    *coordinator.Coordinator
	router   OrderRouter
	agg      *analytics.Aggregator
	configCh <-chan ConfigChange
	metrics  *observability.Metrics
	log      zerolog.Logger

	seq       int64
	lastSnap  time.Time
	snapTicks int64
	progress  float64
}

func New(
	cfg Config,
	strat strategy.Strategy,
	registry strategy.Registry,
	stateMgr *state.Manager,
	coord *coordinator.Coordinator,
	router OrderRouter,
	configCh <-chan ConfigChange,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Executor {
	return &Executor{
		cfg:      cfg.withDefaults(),
		strat:    strat,
		registry: registry,
		stateMgr: stateMgr,
		coord:    coord,
		router:   router,
		agg:      analytics.NewAggregator(cfg.InitialBalance),
		configCh: configCh,
		metrics:  metrics,
		log:      log,
	}
}

// Run executes the tick loop until EOF, a stop request, or a fatal
// error, then finalizes metrics, snapshots, and the control record.
func (e *Executor) Run(ctx context.Context, src TickSource) (Result, error) {
	initialState, err := e.strat.InitialState()
	if err != nil {
		return Result{}, fmt.Errorf("initial strategy state: %w", err)
	}

	st, err := e.stateMgr.LoadOrInitialize(ctx, e.cfg.InitialBalance, initialState)
	if err != nil {
		return Result{}, err
	}

	// A resumed snapshot carries the aggregated trade history; counting
	// from zero would silently drop every trade closed before the restart.
	if len(st.Metrics) > 0 {
		if err := e.agg.Restore(st.Metrics); err != nil {
			return Result{}, fmt.Errorf("restore metrics from snapshot: %w", err)
		}
	}

	if err := e.coord.Start(ctx, map[string]interface{}{
		"mode":       string(e.cfg.Mode),
		"instrument": e.cfg.Instrument,
	}); err != nil {
		return Result{}, err
	}

	e.lastSnap = time.Now()
	status, runErr := e.loop(ctx, src, &st)

	return e.finalize(ctx, st, status, runErr)
}

func (e *Executor) loop(ctx context.Context, src TickSource, st *state.ExecutionState) (coordinator.Status, error) {
	for {
		e.pollConfig()

		stop, err := e.coord.CheckControl(ctx, false)
		if err != nil {
			e.log.Warn().Err(err).Msg("control check failed")
		}
		if stop {
			return coordinator.StatusStopped, nil
		}

		msg, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return coordinator.StatusCompleted, nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return coordinator.StatusStopped, nil
			}
			return coordinator.StatusFailed, err
		}

		switch msg.Type {
		case market.MessageEOF:
			e.progress = 100
			return coordinator.StatusCompleted, nil
		case market.MessageStopped:
			return coordinator.StatusStopped, nil
		case market.MessageError:
			return coordinator.StatusFailed, fmt.Errorf("tick channel error: %s", msg.ErrMessage)
		}

		tick, err := msg.Tick()
		if err != nil {
			e.log.Warn().Err(err).Msg("skipping malformed tick")
			continue
		}

		if q, ok := e.router.(interface{ Quote(market.Tick) }); ok {
			q.Quote(tick)
		}

		next, events, tickErr := e.onTick(tick, *st)
		if tickErr != nil {
			switch faults.Classify(tickErr) {
			case faults.ActionReject:
				return coordinator.StatusFailed, tickErr
			case faults.ActionFailTask:
				return coordinator.StatusFailed, tickErr
			default:
				e.log.Warn().Err(tickErr).Str("instrument", tick.Instrument).
					Time("tick", tick.Timestamp).Msg("tick skipped")
				if e.metrics != nil {
					e.metrics.TicksSkipped.Inc()
				}
				continue
			}
		}

		*st = next
		if e.metrics != nil {
			e.metrics.TicksProcessed.Inc()
		}

		if err := e.routeEvents(ctx, tick, events, st); err != nil {
			return coordinator.StatusFailed, err
		}

		e.updateProgress(tick.Timestamp)
		e.maybeSnapshot(ctx, *st)
	}
}

// onTick invokes the strategy, re-attempting once inline when the fault
// is transient.
func (e *Executor) onTick(tick market.Tick, st state.ExecutionState) (state.ExecutionState, []event.Event, error) {
	next, events, err := e.strat.OnTick(tick, st)
	if err == nil {
		return next, events, nil
	}
	if faults.Classify(err) != faults.ActionRetry {
		return st, nil, err
	}
	e.log.Warn().Err(err).Msg("transient tick fault, retrying inline")
	next, events, retryErr := e.strat.OnTick(tick, st)
	if retryErr == nil {
		return next, events, nil
	}
	if faults.Classify(retryErr) == faults.ActionRetry {
		// Retried once already; degrade to skipping the tick.
		return st, nil, faults.Businessf("retry exhausted: %v", retryErr)
	}
	return st, nil, retryErr
}

// routeEvents submits orders and feeds the aggregator from one event
// batch. The variant switch is exhaustive over the closed event set.
func (e *Executor) routeEvents(ctx context.Context, tick market.Tick, events []event.Event, st *state.ExecutionState) error {
	for _, ev := range events {
		env := event.Envelope{ExecutionID: e.cfg.ExecutionID, Sequence: e.seq, Event: ev}
		e.seq++

		switch typed := ev.(type) {
		case *event.InitialEntry:
			if err := e.router.RouteEntry(ctx, tick.Instrument, typed.Direction, typed.Units); err != nil {
				e.log.Warn().Err(err).Msg("entry routing failed")
			}
		case *event.AddLayer:
			if err := e.router.RouteEntry(ctx, tick.Instrument, typed.Direction, typed.Units); err != nil {
				e.log.Warn().Err(err).Msg("layer entry routing failed")
			}
		case *event.Retracement:
			if err := e.router.RouteEntry(ctx, tick.Instrument, typed.Direction, typed.Units); err != nil {
				e.log.Warn().Err(err).Msg("retracement routing failed")
			}
		case *event.TakeProfit:
			if err := e.router.RouteClose(ctx, tick.Instrument); err != nil {
				e.log.Warn().Err(err).Msg("take-profit close routing failed")
			}
		case *event.MarginProtection:
			if err := e.router.RouteClose(ctx, tick.Instrument); err != nil {
				e.log.Warn().Err(err).Msg("margin-protection close routing failed")
			}
		case *event.RemoveLayer:
			// Individual layer records inside a basket sweep; the
			// summary event that follows carries the close order.
		case *event.VolatilityLock:
			e.log.Info().Bool("locked", typed.Locked).Str("range_pips", typed.Range.String()).
				Msg("volatility lock transition")
		default:
			return faults.Critical(fmt.Sprintf("unrouted event variant %T", ev), nil)
		}

		e.agg.Observe(env, st.Balance)
		if e.metrics != nil {
			e.metrics.StrategyEvents.WithLabelValues(ev.EventType().String()).Inc()
		}
	}
	return nil
}

func (e *Executor) pollConfig() {
	if e.configCh == nil {
		return
	}
	select {
	case change, ok := <-e.configCh:
		if !ok {
			e.configCh = nil
			return
		}
		strat, err := e.registry.Build(change.StrategyType, change.Config)
		if err != nil {
			e.log.Error().Err(err).Str("strategy", change.StrategyType).
				Msg("config change rejected")
			return
		}
		e.strat = strat
		e.log.Info().Str("strategy", change.StrategyType).Msg("strategy reconfigured")
	default:
	}
}

func (e *Executor) updateProgress(tickTime time.Time) {
	if e.cfg.Mode != ModeBacktest || e.cfg.RangeEnd.IsZero() || !e.cfg.RangeEnd.After(e.cfg.RangeStart) {
		return
	}
	p := float64(tickTime.Sub(e.cfg.RangeStart)) / float64(e.cfg.RangeEnd.Sub(e.cfg.RangeStart)) * 100
	if p < 0 {
		p = 0
	}
	if p > 99 {
		p = 99
	}
	e.progress = p
}

// maybeSnapshot persists a snapshot and heartbeats every N ticks or T
// seconds. Failures are logged and retried next cycle, never fatal.
func (e *Executor) maybeSnapshot(ctx context.Context, st state.ExecutionState) {
	e.snapTicks++
	if e.snapTicks < e.cfg.SnapshotEveryTicks && time.Since(e.lastSnap) < e.cfg.SnapshotEvery {
		return
	}
	e.snapTicks = 0
	e.lastSnap = time.Now()

	if metrics, err := e.agg.Finalize(); err == nil {
		st.Metrics = metrics
	}
	if _, err := e.stateMgr.SaveSnapshot(ctx, st); err != nil {
		e.log.Warn().Err(err).Msg("periodic snapshot failed")
	} else if e.metrics != nil {
		e.metrics.SnapshotsTaken.Inc()
	}

	if err := e.coord.Heartbeat(ctx, "running", map[string]interface{}{
		"ticks_processed": st.TicksProcessed,
		"progress":        e.progress,
	}, false); err != nil {
		e.log.Warn().Err(err).Msg("heartbeat failed")
	}
}

func (e *Executor) finalize(ctx context.Context, st state.ExecutionState, status coordinator.Status, runErr error) (Result, error) {
	if metrics, err := e.agg.Finalize(); err == nil {
		st.Metrics = metrics
	}

	if _, err := e.stateMgr.SaveSnapshot(ctx, st); err != nil {
		e.log.Error().Err(err).Msg("final snapshot failed")
	}

	message := "completed"
	switch status {
	case coordinator.StatusStopped:
		message = "stopped"
	case coordinator.StatusFailed:
		message = "failed"
		if runErr != nil {
			message = "failed: " + runErr.Error()
		}
	}
	if err := e.coord.Stop(ctx, message, status); err != nil {
		e.log.Error().Err(err).Msg("terminal status transition failed")
	}

	res := Result{
		Status:         status,
		TicksProcessed: st.TicksProcessed,
		Progress:       e.progress,
		Summary:        e.agg.Summary(),
		FinalState:     st,
	}
	e.log.Info().Str("execution_id", e.cfg.ExecutionID).Str("status", string(status)).
		Int64("ticks", st.TicksProcessed).Str("pnl", res.Summary.RealizedPnL.String()).
		Msg("execution finished")
	return res, runErr
}
