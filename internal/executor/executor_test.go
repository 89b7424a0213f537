package executor_test

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"floortrader/internal/broker"
	"floortrader/internal/coordinator"
	"floortrader/internal/executor"
	"floortrader/internal/kvstore"
	"floortrader/internal/market"
	"floortrader/internal/state"
	"floortrader/internal/strategy"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func tickMsg(i int, mid string) market.Message {
	m := d(mid)
	half := d("0.0001")
	tick := market.NewTick("EUR_USD", t0.Add(time.Duration(i)*time.Second), m.Sub(half), m.Add(half))
	return market.TickMessage("req-1", tick)
}

// sliceSource replays a fixed message sequence, then reports a closed
// channel.
type sliceSource struct {
	msgs []market.Message
	i    int
}

func (s *sliceSource) Next(ctx context.Context) (market.Message, error) {
	if s.i >= len(s.msgs) {
		return market.Message{}, io.EOF
	}
	m := s.msgs[s.i]
	s.i++
	return m, nil
}

func (s *sliceSource) Close() {}

type fixture struct {
	store    *coordinator.MemoryControlStore
	cache    *coordinator.KVControlCache
	snaps    *state.MemorySnapshotStore
	sim      *broker.SimulatedClient
	exec     *executor.Executor
	configCh chan executor.ConfigChange
}

func quietConfig() strategy.Config {
	cfg := strategy.DefaultConfig("EUR_USD")
	cfg.LockMultiplier = decimal.Zero
	return cfg
}

func newFixture(t *testing.T, stratCfg strategy.Config, coordCfg coordinator.Config) *fixture {
	return newFixtureOn(t, stratCfg, coordCfg, state.NewMemorySnapshotStore())
}

// newFixtureOn builds an executor over an existing snapshot store, so a
// second run can pick up where a prior one left off.
func newFixtureOn(t *testing.T, stratCfg strategy.Config, coordCfg coordinator.Config, snaps *state.MemorySnapshotStore) *fixture {
	t.Helper()
	strat, err := strategy.NewFloor(stratCfg)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		store:    coordinator.NewMemoryControlStore(),
		cache:    coordinator.NewKVControlCache(kvstore.NewMemory(0)),
		snaps:    snaps,
		sim:      broker.NewSimulatedClient(),
		configCh: make(chan executor.ConfigChange, 4),
	}
	coord := coordinator.New("run-backtest", "exec-1", "worker-1", f.store, f.cache, coordCfg, zerolog.Nop())
	f.exec = executor.New(
		executor.Config{
			ExecutionID:    "exec-1",
			Instrument:     "EUR_USD",
			Mode:           executor.ModeBacktest,
			InitialBalance: d("10000"),
			RangeStart:     t0,
			RangeEnd:       t0.Add(time.Hour),
		},
		strat,
		strategy.NewRegistry(),
		state.NewManager("exec-1", f.snaps),
		coord,
		executor.NewBacktestRouter(f.sim),
		f.configCh,
		nil,
		zerolog.Nop(),
	)
	return f
}

// ============================================================================
// Test: backtest run to completion
// ============================================================================

func TestExecutor_BacktestCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, quietConfig(), coordinator.Config{})

	src := &sliceSource{msgs: []market.Message{
		tickMsg(0, "1.1000"),
		tickMsg(1, "1.1001"), // long entry
		tickMsg(2, "1.1021"), // +20 pips, basket take-profit
		market.EOFMessage("req-1", "EUR_USD", 3),
	}}
	res, err := f.exec.Run(ctx, src)
	if err != nil {
		t.Fatal(err)
	}

	if res.Status != coordinator.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", res.Status)
	}
	if res.TicksProcessed != 3 {
		t.Errorf("ticks = %d, want 3", res.TicksProcessed)
	}
	if res.Progress != 100 {
		t.Errorf("progress = %v, want 100 at eof", res.Progress)
	}
	if !res.FinalState.Balance.Equal(d("10002")) {
		t.Errorf("final balance = %s, want 10002", res.FinalState.Balance)
	}
	if res.Summary.TradesClosed != 1 || res.Summary.Wins != 1 {
		t.Errorf("summary = %d trades %d wins, want 1/1", res.Summary.TradesClosed, res.Summary.Wins)
	}

	// The control record reflects the terminal status.
	rec, err := f.store.Get(ctx, "run-backtest", "exec-1")
	if err != nil || rec == nil {
		t.Fatalf("control record missing: %v", err)
	}
	if rec.Status != coordinator.StatusCompleted {
		t.Errorf("control status = %s, want COMPLETED", rec.Status)
	}

	// A final snapshot exists and carries the metrics record.
	snap, err := f.snaps.LoadLatest(ctx, "exec-1")
	if err != nil || snap == nil {
		t.Fatalf("final snapshot missing: %v", err)
	}
	if snap.State.TicksProcessed != 3 {
		t.Errorf("snapshot ticks = %d, want 3", snap.State.TicksProcessed)
	}
	if len(snap.State.Metrics) == 0 {
		t.Error("final snapshot should embed the analytics summary")
	}

	// The simulated broker saw the entry and the flattening close.
	orders := f.sim.Orders()
	if len(orders) != 2 {
		t.Fatalf("broker orders = %d, want entry plus close", len(orders))
	}
	if !orders[0].Units.Equal(d("1000")) {
		t.Errorf("entry units = %s, want 1000", orders[0].Units)
	}
	if !f.sim.NetUnits("EUR_USD").Equal(decimal.Zero) {
		t.Error("position should be flat after the take-profit close")
	}
}

func TestExecutor_ClosedChannelCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, quietConfig(), coordinator.Config{})

	// No terminal marker: the source just ends.
	res, err := f.exec.Run(ctx, &sliceSource{msgs: []market.Message{tickMsg(0, "1.1000")}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != coordinator.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED on channel close", res.Status)
	}
	if res.TicksProcessed != 1 {
		t.Errorf("ticks = %d, want 1", res.TicksProcessed)
	}
}

// ============================================================================
// Test: resume from snapshot
// ============================================================================

func TestExecutor_ResumeKeepsMetrics(t *testing.T) {
	ctx := context.Background()
	snaps := state.NewMemorySnapshotStore()

	// First run: one closed trade (entry 1.1001, take-profit 1.1021).
	f1 := newFixtureOn(t, quietConfig(), coordinator.Config{}, snaps)
	res1, err := f1.exec.Run(ctx, &sliceSource{msgs: []market.Message{
		tickMsg(0, "1.1000"),
		tickMsg(1, "1.1001"),
		tickMsg(2, "1.1021"),
		market.EOFMessage("req-1", "EUR_USD", 3),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if res1.Summary.TradesClosed != 1 || !res1.Summary.RealizedPnL.Equal(d("2")) {
		t.Fatalf("first run summary = %d trades pnl %s, want 1 and 2",
			res1.Summary.TradesClosed, res1.Summary.RealizedPnL)
	}

	// Second run over the same snapshot store, with no new ticks: the
	// restored history must survive, not reset to zero.
	f2 := newFixtureOn(t, quietConfig(), coordinator.Config{}, snaps)
	res2, err := f2.exec.Run(ctx, &sliceSource{msgs: []market.Message{
		market.EOFMessage("req-1", "EUR_USD", 3),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if res2.Summary.TradesClosed != 1 || res2.Summary.Wins != 1 {
		t.Errorf("resumed summary = %d trades %d wins, want 1/1",
			res2.Summary.TradesClosed, res2.Summary.Wins)
	}
	if !res2.Summary.RealizedPnL.Equal(d("2")) {
		t.Errorf("resumed realized pnl = %s, want 2", res2.Summary.RealizedPnL)
	}
	if !res2.FinalState.Balance.Equal(d("10002")) {
		t.Errorf("resumed balance = %s, want 10002", res2.FinalState.Balance)
	}

	// The snapshot written at the end of the resumed run still carries
	// the full history.
	snap, err := snaps.LoadLatest(ctx, "exec-1")
	if err != nil || snap == nil {
		t.Fatalf("snapshot missing after resume: %v", err)
	}
	var persisted struct {
		TradesClosed int             `json:"trades_closed"`
		RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	}
	if err := json.Unmarshal(snap.State.Metrics, &persisted); err != nil {
		t.Fatal(err)
	}
	if persisted.TradesClosed != 1 || !persisted.RealizedPnL.Equal(d("2")) {
		t.Errorf("persisted metrics = %d trades pnl %s, want 1 and 2",
			persisted.TradesClosed, persisted.RealizedPnL)
	}
}

// ============================================================================
// Test: stop request
// ============================================================================

// stoppingSource requests a stop through the control plane after n ticks
// and then keeps producing, as a live feed would.
type stoppingSource struct {
	f     *fixture
	n     int
	count int
}

func (s *stoppingSource) Next(ctx context.Context) (market.Message, error) {
	if s.count == s.n {
		err := coordinator.RequestStop(ctx, s.f.store, s.f.cache, "run-backtest", "exec-1", "operator halt")
		if err != nil {
			return market.Message{}, err
		}
	}
	s.count++
	return tickMsg(s.count, "1.1000"), nil
}

func (s *stoppingSource) Close() {}

func TestExecutor_StopRequestHonored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, quietConfig(), coordinator.Config{CheckInterval: time.Nanosecond})

	src := &stoppingSource{f: f, n: 5}
	res, err := f.exec.Run(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != coordinator.StatusStopped {
		t.Errorf("status = %s, want STOPPED", res.Status)
	}
	// The check runs at the top of each iteration: the tick after the
	// request is the last one processed.
	if res.TicksProcessed > 7 {
		t.Errorf("ticks = %d, stop was not honored promptly", res.TicksProcessed)
	}
	rec, _ := f.store.Get(ctx, "run-backtest", "exec-1")
	if rec.Status != coordinator.StatusStopped {
		t.Errorf("control status = %s, want STOPPED", rec.Status)
	}
}

func TestExecutor_StoppedMarkerStops(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, quietConfig(), coordinator.Config{})

	src := &sliceSource{msgs: []market.Message{
		tickMsg(0, "1.1000"),
		market.StoppedMessage("req-1", "EUR_USD", 1),
	}}
	res, err := f.exec.Run(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != coordinator.StatusStopped {
		t.Errorf("status = %s, want STOPPED", res.Status)
	}
}

// ============================================================================
// Test: failures
// ============================================================================

func TestExecutor_ErrorMarkerFailsTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, quietConfig(), coordinator.Config{})

	src := &sliceSource{msgs: []market.Message{
		tickMsg(0, "1.1000"),
		market.ErrorMessage("req-1", "EUR_USD", "publisher crashed"),
	}}
	res, err := f.exec.Run(ctx, src)
	if err == nil {
		t.Fatal("channel error should surface")
	}
	if res.Status != coordinator.StatusFailed {
		t.Errorf("status = %s, want FAILED", res.Status)
	}
	rec, _ := f.store.Get(ctx, "run-backtest", "exec-1")
	if rec.Status != coordinator.StatusFailed {
		t.Errorf("control status = %s, want FAILED", rec.Status)
	}
}

func TestExecutor_MalformedTickSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, quietConfig(), coordinator.Config{})

	src := &sliceSource{msgs: []market.Message{
		tickMsg(0, "1.1000"),
		{Type: market.MessageTick, RequestID: "req-1", Instrument: "EUR_USD"}, // no prices
		tickMsg(1, "1.1001"),
		market.EOFMessage("req-1", "EUR_USD", 3),
	}}
	res, err := f.exec.Run(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != coordinator.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED past the bad tick", res.Status)
	}
	if res.TicksProcessed != 2 {
		t.Errorf("ticks = %d, want only the 2 well-formed ticks", res.TicksProcessed)
	}
}

// ============================================================================
// Test: runtime reconfiguration
// ============================================================================

func TestExecutor_ConfigChangeApplies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, quietConfig(), coordinator.Config{})

	// Tighten the take-profit to 5 pips before any tick flows.
	tight := quietConfig()
	tight.TakeProfitPips = d("5")
	raw, err := json.Marshal(tight)
	if err != nil {
		t.Fatal(err)
	}
	f.configCh <- executor.ConfigChange{StrategyType: "floor", Config: raw}

	src := &sliceSource{msgs: []market.Message{
		tickMsg(0, "1.1000"),
		tickMsg(1, "1.1001"), // long entry
		tickMsg(2, "1.1006"), // +5 pips: closes only under the new config
		market.EOFMessage("req-1", "EUR_USD", 3),
	}}
	res, err := f.exec.Run(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if res.Summary.TradesClosed != 1 {
		t.Errorf("trades = %d, want 1 under the reconfigured take-profit", res.Summary.TradesClosed)
	}
	if !res.FinalState.Balance.Equal(d("10000.5")) {
		t.Errorf("balance = %s, want 10000.5", res.FinalState.Balance)
	}
}

func TestExecutor_BadConfigChangeIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, quietConfig(), coordinator.Config{})

	f.configCh <- executor.ConfigChange{StrategyType: "no-such-strategy", Config: json.RawMessage(`{}`)}

	src := &sliceSource{msgs: []market.Message{
		tickMsg(0, "1.1000"),
		tickMsg(1, "1.1001"),
		market.EOFMessage("req-1", "EUR_USD", 2),
	}}
	res, err := f.exec.Run(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != coordinator.StatusCompleted {
		t.Errorf("status = %s, a rejected config change must not kill the run", res.Status)
	}
	if res.TicksProcessed != 2 {
		t.Errorf("ticks = %d, want 2", res.TicksProcessed)
	}
}
