package broker

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"floortrader/internal/market"
)

// SimulatedFeed emits a random-walk quote stream for one instrument.
// It stands in for a real broker price feed during live-mode rehearsal
// and local development.
type SimulatedFeed struct {
	instrument string
	interval   time.Duration
	spread     decimal.Decimal
	step       decimal.Decimal
	mid        decimal.Decimal
	rng        *rand.Rand
}

// NewSimulatedFeed starts the walk at start, ticking once per interval.
// Steps and spread are sized off the instrument's pip.
func NewSimulatedFeed(instrument string, start decimal.Decimal, interval time.Duration) *SimulatedFeed {
	pip := market.PipSize(instrument)
	return &SimulatedFeed{
		instrument: instrument,
		interval:   interval,
		spread:     pip.Mul(decimal.NewFromInt(2)),
		step:       pip,
		mid:        start,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (f *SimulatedFeed) Recv(ctx context.Context) (market.Tick, error) {
	select {
	case <-ctx.Done():
		return market.Tick{}, ctx.Err()
	case <-time.After(f.interval):
	}

	// Pip-sized random walk, roughly -2..+2 pips per tick.
	delta := f.step.Mul(decimal.NewFromFloat((f.rng.Float64() - 0.5) * 4))
	f.mid = f.mid.Add(delta)

	half := f.spread.Div(decimal.NewFromInt(2))
	return market.NewTick(f.instrument, time.Now().UTC(), f.mid.Sub(half), f.mid.Add(half)), nil
}
