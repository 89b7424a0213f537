package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"floortrader/internal/analytics"
	"floortrader/internal/broker"
	"floortrader/internal/coordinator"
	"floortrader/internal/executor"
	"floortrader/internal/kvstore"
	"floortrader/internal/observability"
	"floortrader/internal/pipeline"
	"floortrader/internal/state"
	"floortrader/internal/strategy"
)

// backtest replays a CSV tick file through the floor strategy entirely
// in process: memory channel, memory locks, memory snapshot store. It
// prints the analytics summary as JSON on completion.
func main() {
	var (
		file        = flag.String("file", "", "CSV tick file: timestamp,bid,ask (required)")
		instrument  = flag.String("instrument", "EUR_USD", "instrument the file quotes")
		configPath  = flag.String("config", "", "strategy config JSON file (default: built-in floor defaults)")
		balance     = flag.String("balance", "10000", "initial balance")
		fromFlag    = flag.String("from", "", "range start, RFC3339 (default: beginning of file)")
		toFlag      = flag.String("to", "", "range end, RFC3339 (default: end of file)")
		executionID = flag.String("execution-id", "", "execution id (default: random)")
	)
	flag.Parse()

	if *file == "" {
		flag.Usage()
		os.Exit(1)
	}

	log := observability.NewLogger("backtest")

	initialBalance, err := decimal.NewFromString(*balance)
	if err != nil {
		log.Fatal().Err(err).Str("value", *balance).Msg("bad -balance")
	}

	from, to, err := parseRange(*fromFlag, *toFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("bad time range")
	}

	execID := *executionID
	if execID == "" {
		execID = uuid.NewString()
	}

	rawConfig, err := loadStrategyConfig(*configPath, *instrument)
	if err != nil {
		log.Fatal().Err(err).Msg("load strategy config")
	}

	registry := strategy.NewRegistry()
	strat, err := registry.Build("floor", rawConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("build strategy")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("interrupted, stopping")
		cancel()
	}()

	// In-process stand-ins for the clustered pieces.
	channel := pipeline.NewMemoryChannel()
	locks := kvstore.NewMemory(30 * time.Second)
	controlStore := coordinator.NewMemoryControlStore()
	controlCache := coordinator.NewKVControlCache(kvstore.NewMemory(5 * time.Minute))
	snapshots := state.NewMemorySnapshotStore()
	metrics := observability.NewMetrics()

	// Subscribe before the publisher starts so no tick is missed.
	src, err := executor.NewChannelSource(ctx, channel, execID)
	if err != nil {
		log.Fatal().Err(err).Msg("open tick source")
	}
	defer src.Close()

	reader := &csvTickReader{path: *file, instrument: *instrument}
	pub := pipeline.NewPublisher(channel, pipeline.NewLock(locks, pipeline.PublisherLockKey(execID)),
		pipeline.PublisherConfig{RequestID: execID, Instrument: *instrument}, log)
	go func() {
		if err := pub.RunHistorical(ctx, reader, from, to); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("publisher failed")
		}
	}()

	coord := coordinator.New("run-backtest", execID, "backtest-cli",
		controlStore, controlCache, coordinator.Config{}, log)

	exec := executor.New(executor.Config{
		ExecutionID:    execID,
		Instrument:     *instrument,
		Mode:           executor.ModeBacktest,
		InitialBalance: initialBalance,
		RangeStart:     from,
		RangeEnd:       to,
	}, strat, registry, state.NewManager(execID, snapshots),
		coord, executor.NewBacktestRouter(broker.NewSimulatedClient()),
		nil, metrics, log)

	res, err := exec.Run(ctx, src)
	if err != nil {
		log.Fatal().Err(err).Msg("backtest failed")
	}

	out := struct {
		ExecutionID    string            `json:"execution_id"`
		Status         string            `json:"status"`
		TicksProcessed int64             `json:"ticks_processed"`
		FinalBalance   decimal.Decimal   `json:"final_balance"`
		Summary        analytics.Summary `json:"summary"`
	}{
		ExecutionID:    execID,
		Status:         string(res.Status),
		TicksProcessed: res.TicksProcessed,
		FinalBalance:   res.FinalState.Balance,
		Summary:        res.Summary,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatal().Err(err).Msg("encode result")
	}
}

func parseRange(fromFlag, toFlag string) (time.Time, time.Time, error) {
	from := time.Time{}
	to := time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	if fromFlag != "" {
		t, err := time.Parse(time.RFC3339, fromFlag)
		if err != nil {
			return from, to, fmt.Errorf("-from: %w", err)
		}
		from = t.UTC()
	}
	if toFlag != "" {
		t, err := time.Parse(time.RFC3339, toFlag)
		if err != nil {
			return from, to, fmt.Errorf("-to: %w", err)
		}
		to = t.UTC()
	}
	if !to.After(from) {
		return from, to, fmt.Errorf("-to must be after -from")
	}
	return from, to, nil
}

func loadStrategyConfig(path, instrument string) (json.RawMessage, error) {
	if path == "" {
		return json.Marshal(strategy.DefaultConfig(instrument))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return data, nil
}
