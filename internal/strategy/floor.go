package strategy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"floortrader/internal/event"
	"floortrader/internal/market"
	"floortrader/internal/state"
)

// Strategy maps (tick, state) to (new state, events). Implementations
// must be deterministic: no I/O and no clock reads beyond the tick's own
// timestamp.
type Strategy interface {
	OnTick(tick market.Tick, st state.ExecutionState) (state.ExecutionState, []event.Event, error)

	// InitialState returns the strategy's fresh opaque state record.
	InitialState() (json.RawMessage, error)
}

// Floor is the layering strategy: it averages into adverse moves within
// bounded layers and exits the whole basket on an aggregate pip target.
type Floor struct {
	cfg Config
	pip decimal.Decimal
}

// NewFloor validates the configuration and builds the engine.
func NewFloor(cfg Config) (*Floor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Floor{cfg: cfg, pip: market.PipSize(cfg.Instrument)}, nil
}

// InitialState returns an empty floor state record.
func (f *Floor) InitialState() (json.RawMessage, error) {
	st := &floorState{}
	if f.cfg.CandleGranularity > 0 {
		st.Candles = market.NewCandleBuffer(f.cfg.CandleGranularity, f.cfg.HistoryLimit)
	}
	return st.encode()
}

// OnTick runs one strategy step. The input state is never mutated; the
// returned state is a fresh value.
func (f *Floor) OnTick(tick market.Tick, in state.ExecutionState) (state.ExecutionState, []event.Event, error) {
	if tick.Instrument != f.cfg.Instrument {
		return in, nil, fmt.Errorf("floor configured for %s got tick for %s", f.cfg.Instrument, tick.Instrument)
	}
	if err := tick.Validate(); err != nil {
		return in, nil, err
	}

	fs, err := decodeFloorState(in.StrategyState, f.cfg)
	if err != nil {
		return in, nil, err
	}
	fs = fs.clone()

	out := in.Clone()
	var events []event.Event
	price := tick.Mid
	now := tick.Timestamp

	// 1. History update.
	fs.PriceHistory = append(fs.PriceHistory, price)
	if len(fs.PriceHistory) > f.cfg.HistoryLimit {
		fs.PriceHistory = fs.PriceHistory[len(fs.PriceHistory)-f.cfg.HistoryLimit:]
	}
	if fs.Candles != nil {
		fs.Candles.Observe(now, price)
	}

	// 2. Volatility lock, edge-triggered only.
	if f.cfg.LockMultiplier.Sign() > 0 {
		if atr, latest, ok := ATRPips(fs.series(f.cfg), f.cfg.ATRPeriod, f.pip); ok && atr.Sign() > 0 {
			threshold := atr.Mul(f.cfg.LockMultiplier)
			exceeded := latest.GreaterThan(threshold)
			if exceeded != fs.VolatilityLocked {
				fs.VolatilityLocked = exceeded
				events = append(events, &event.VolatilityLock{
					Time:      now,
					Locked:    exceeded,
					Range:     latest,
					Threshold: threshold,
				})
			}
		}
	}

	// 3. Take-profit on the aggregate basket.
	if len(out.OpenLayers) > 0 {
		pips := out.TotalUnrealizedPips(price, f.cfg.Instrument)
		if pips.GreaterThanOrEqual(f.cfg.TakeProfitPips) {
			pnl := out.TotalUnrealizedPnL(price)
			events = append(events, f.closeBasket(&out, price, pips, pnl, now, true))
			return f.finish(out, fs, tick, events)
		}
	}

	// 4. Margin protection: basket-wide floating loss cap.
	if f.cfg.MarginProtectionFraction.Sign() > 0 && len(out.OpenLayers) > 0 {
		pnl := out.TotalUnrealizedPnL(price)
		if pnl.Sign() < 0 && pnl.Neg().GreaterThanOrEqual(out.Balance.Mul(f.cfg.MarginProtectionFraction)) {
			pips := out.TotalUnrealizedPips(price, f.cfg.Instrument)
			for _, l := range out.OpenLayers {
				events = append(events, &event.RemoveLayer{
					Time:      now,
					Layer:     l.Index,
					Direction: l.Direction,
					ExitPrice: price,
					Units:     l.Units(),
					PnL:       l.UnrealizedPnL(price),
					Pips:      l.UnrealizedPips(price, f.cfg.Instrument),
				})
			}
			events = append(events, f.closeBasket(&out, price, pips, pnl, now, false))
			return f.finish(out, fs, tick, events)
		}
	}

	// 5. Retracements: at most one fill per layer per tick.
	if !fs.VolatilityLocked {
		for i := range out.OpenLayers {
			l := &out.OpenLayers[i]
			if l.RetracementCount >= f.cfg.MaxRetracements {
				continue
			}
			lastFill := l.Fills[len(l.Fills)-1]
			adverse := market.PipsBetween(price, lastFill.Price, f.cfg.Instrument)
			if l.Direction == market.DirectionShort {
				adverse = adverse.Neg()
			}
			if adverse.LessThan(f.cfg.TriggerPips(l.RetracementCount)) {
				continue
			}
			l.Fills = append(l.Fills, state.Fill{Price: price, Units: f.cfg.BaseUnits, OpenedAt: now})
			l.RetracementCount++
			events = append(events, &event.Retracement{
				Time:             now,
				Layer:            l.Index,
				Direction:        l.Direction,
				Price:            price,
				Units:            f.cfg.BaseUnits,
				RetracementCount: l.RetracementCount,
				AvgEntryPrice:    l.AvgEntryPrice(),
			})
		}
	}

	// 6. Initial entry / new layer unlock. Direction is re-evaluated
	// independently at each opening; it may differ across layers.
	if !fs.VolatilityLocked {
		if len(out.OpenLayers) == 0 {
			if dir, ok := decideDirection(f.cfg, fs); ok && dir != market.DirectionFlat {
				out.OpenLayers = append(out.OpenLayers, state.Layer{
					Index:     0,
					Direction: dir,
					Fills:     []state.Fill{{Price: price, Units: f.cfg.BaseUnits, OpenedAt: now}},
				})
				events = append(events, &event.InitialEntry{
					Time:      now,
					Layer:     0,
					Direction: dir,
					Price:     price,
					Units:     f.cfg.BaseUnits,
				})
			}
		} else if len(out.OpenLayers) < f.cfg.MaxLayers {
			last := out.OpenLayers[len(out.OpenLayers)-1]
			if last.RetracementCount >= f.cfg.MaxRetracements {
				if dir, ok := decideDirection(f.cfg, fs); ok && dir != market.DirectionFlat {
					idx := len(out.OpenLayers)
					out.OpenLayers = append(out.OpenLayers, state.Layer{
						Index:     idx,
						Direction: dir,
						Fills:     []state.Fill{{Price: price, Units: f.cfg.BaseUnits, OpenedAt: now}},
					})
					events = append(events, &event.AddLayer{
						Time:      now,
						Layer:     idx,
						Direction: dir,
						Price:     price,
						Units:     f.cfg.BaseUnits,
					})
				}
			}
		}
	}

	return f.finish(out, fs, tick, events)
}

// closeBasket realizes the basket's P&L into the balance, clears all
// layers, and returns the summary event.
func (f *Floor) closeBasket(
	out *state.ExecutionState,
	price, pips, pnl decimal.Decimal,
	now time.Time,
	takeProfit bool,
) event.Event {
	units := decimal.Zero
	for _, l := range out.OpenLayers {
		units = units.Add(l.Units())
	}
	closed := len(out.OpenLayers)
	out.Balance = out.Balance.Add(pnl)
	out.OpenLayers = nil

	if takeProfit {
		return &event.TakeProfit{
			Time: now, ExitPrice: price, LayersClosed: closed,
			Units: units, PnL: pnl, Pips: pips,
		}
	}
	return &event.MarginProtection{
		Time: now, ExitPrice: price, LayersClosed: closed,
		Units: units, PnL: pnl, Pips: pips,
	}
}

func (f *Floor) finish(
	out state.ExecutionState,
	fs *floorState,
	tick market.Tick,
	events []event.Event,
) (state.ExecutionState, []event.Event, error) {
	raw, err := fs.encode()
	if err != nil {
		return out, nil, err
	}
	out.StrategyState = raw
	out.TicksProcessed++
	ts := tick.Timestamp
	out.LastTickAt = &ts
	return out, events, nil
}
