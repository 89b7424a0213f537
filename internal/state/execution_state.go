package state

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"floortrader/internal/market"
)

// Fill is one averaged-in position inside a layer.
type Fill struct {
	Price    decimal.Decimal `json:"price"`
	Units    decimal.Decimal `json:"units"`
	OpenedAt time.Time       `json:"opened_at"`
}

// Layer is one entry ladder: a stack of fills in a single direction plus
// the count of retracements taken. A Layer is owned exclusively by one
// ExecutionState and is never shared.
type Layer struct {
	Index            int              `json:"index"`
	Direction        market.Direction `json:"direction"`
	Fills            []Fill           `json:"fills"`
	RetracementCount int              `json:"retracement_count"`
}

// Units returns the layer's total position size.
func (l Layer) Units() decimal.Decimal {
	total := decimal.Zero
	for _, f := range l.Fills {
		total = total.Add(f.Units)
	}
	return total
}

// AvgEntryPrice returns the weighted-average entry price
// Σ(price_i × units_i) / Σ(units_i). Zero when the layer has no fills.
func (l Layer) AvgEntryPrice() decimal.Decimal {
	notional := decimal.Zero
	units := decimal.Zero
	for _, f := range l.Fills {
		notional = notional.Add(f.Price.Mul(f.Units))
		units = units.Add(f.Units)
	}
	if units.Sign() == 0 {
		return decimal.Zero
	}
	return notional.Div(units)
}

// UnrealizedPips returns the layer's open profit in pips at the given
// price, signed by direction.
func (l Layer) UnrealizedPips(price decimal.Decimal, instrument string) decimal.Decimal {
	entry := l.AvgEntryPrice()
	if entry.Sign() == 0 {
		return decimal.Zero
	}
	move := market.PipsBetween(entry, price, instrument)
	if l.Direction == market.DirectionShort {
		move = move.Neg()
	}
	return move
}

// UnrealizedPnL returns the layer's open profit in quote currency.
func (l Layer) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	entry := l.AvgEntryPrice()
	if entry.Sign() == 0 {
		return decimal.Zero
	}
	diff := price.Sub(entry)
	if l.Direction == market.DirectionShort {
		diff = diff.Neg()
	}
	return diff.Mul(l.Units())
}

// Clone returns a deep copy of the layer.
func (l Layer) Clone() Layer {
	c := l
	c.Fills = append([]Fill(nil), l.Fills...)
	return c
}

// ExecutionState is the complete state of one strategy execution after a
// tick. Values are immutable: every tick produces a new ExecutionState,
// never an in-place mutation.
type ExecutionState struct {
	// StrategyState is owned by the strategy engine and opaque here;
	// it must be a structured JSON record.
	StrategyState json.RawMessage `json:"strategy_state"`

	Balance        decimal.Decimal `json:"current_balance"`
	OpenLayers     []Layer         `json:"open_positions"`
	TicksProcessed int64           `json:"ticks_processed"`
	LastTickAt     *time.Time      `json:"last_tick_timestamp,omitempty"`

	// Metrics is the aggregator's running summary, carried for audit.
	Metrics json.RawMessage `json:"metrics,omitempty"`
}

// Clone returns a deep copy safe to mutate into the next tick's state.
func (s ExecutionState) Clone() ExecutionState {
	c := s
	c.StrategyState = append(json.RawMessage(nil), s.StrategyState...)
	c.Metrics = append(json.RawMessage(nil), s.Metrics...)
	c.OpenLayers = make([]Layer, 0, len(s.OpenLayers))
	for _, l := range s.OpenLayers {
		c.OpenLayers = append(c.OpenLayers, l.Clone())
	}
	if s.LastTickAt != nil {
		ts := *s.LastTickAt
		c.LastTickAt = &ts
	}
	return c
}

// TotalUnrealizedPips sums open pips across all layers.
func (s ExecutionState) TotalUnrealizedPips(price decimal.Decimal, instrument string) decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.OpenLayers {
		total = total.Add(l.UnrealizedPips(price, instrument))
	}
	return total
}

// TotalUnrealizedPnL sums open profit across all layers.
func (s ExecutionState) TotalUnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.OpenLayers {
		total = total.Add(l.UnrealizedPnL(price))
	}
	return total
}

// Snapshot is a persisted, sequence-numbered copy of ExecutionState.
// Only the highest sequence is authoritative for resume; older snapshots
// are retained for audit and never mutated.
type Snapshot struct {
	ExecutionID string         `json:"execution_id"`
	Sequence    int64          `json:"sequence"`
	State       ExecutionState `json:"state"`
	CreatedAt   time.Time      `json:"created_at"`
}
