package event

import (
	"time"

	"github.com/shopspring/decimal"

	"floortrader/internal/market"
)

// InitialEntry is the opening fill of layer 0.
type InitialEntry struct {
	Time      time.Time
	Layer     int
	Direction market.Direction
	Price     decimal.Decimal
	Units     decimal.Decimal
}

func (e *InitialEntry) EventType() EventType { return EventTypeInitialEntry }
func (e *InitialEntry) Timestamp() time.Time { return e.Time }
func (e *InitialEntry) LayerIndex() int      { return e.Layer }

// Retracement is an averaged-in fill added to an existing layer after
// price moved against it by the trigger distance.
type Retracement struct {
	Time             time.Time
	Layer            int
	Direction        market.Direction
	Price            decimal.Decimal
	Units            decimal.Decimal
	RetracementCount int
	// AvgEntryPrice is the layer's weighted-average entry after the fill.
	AvgEntryPrice decimal.Decimal
}

func (e *Retracement) EventType() EventType { return EventTypeRetracement }
func (e *Retracement) Timestamp() time.Time { return e.Time }
func (e *Retracement) LayerIndex() int      { return e.Layer }

// AddLayer is the opening fill of a layer above index 0, unlocked once the
// previous layer hit its retracement cap. Direction is re-evaluated at the
// moment of opening and may differ from earlier layers.
type AddLayer struct {
	Time      time.Time
	Layer     int
	Direction market.Direction
	Price     decimal.Decimal
	Units     decimal.Decimal
}

func (e *AddLayer) EventType() EventType { return EventTypeAddLayer }
func (e *AddLayer) Timestamp() time.Time { return e.Time }
func (e *AddLayer) LayerIndex() int      { return e.Layer }

// RemoveLayer closes a single layer outside a basket-wide exit.
type RemoveLayer struct {
	Time      time.Time
	Layer     int
	Direction market.Direction
	ExitPrice decimal.Decimal
	Units     decimal.Decimal
	PnL       decimal.Decimal
	Pips      decimal.Decimal
}

func (e *RemoveLayer) EventType() EventType { return EventTypeRemoveLayer }
func (e *RemoveLayer) Timestamp() time.Time { return e.Time }
func (e *RemoveLayer) LayerIndex() int      { return e.Layer }

// TakeProfit closes every open layer when aggregate unrealized profit
// meets the configured threshold. One event per basket close.
type TakeProfit struct {
	Time         time.Time
	ExitPrice    decimal.Decimal
	LayersClosed int
	Units        decimal.Decimal
	PnL          decimal.Decimal
	Pips         decimal.Decimal
}

func (e *TakeProfit) EventType() EventType { return EventTypeTakeProfit }
func (e *TakeProfit) Timestamp() time.Time { return e.Time }
func (e *TakeProfit) LayerIndex() int      { return -1 }

// VolatilityLock marks a transition of the volatility suppression flag.
// Emitted only on edges: Locked=true on 0→1, Locked=false on 1→0.
type VolatilityLock struct {
	Time   time.Time
	Locked bool
	// Range is the pip delta that tripped (or cleared) the lock.
	Range decimal.Decimal
	// Threshold is ATR × lock multiplier at the transition.
	Threshold decimal.Decimal
}

func (e *VolatilityLock) EventType() EventType { return EventTypeVolatilityLock }
func (e *VolatilityLock) Timestamp() time.Time { return e.Time }
func (e *VolatilityLock) LayerIndex() int      { return -1 }

// MarginProtection closes every open layer when the aggregate floating
// loss exceeds the configured fraction of the account balance.
type MarginProtection struct {
	Time         time.Time
	ExitPrice    decimal.Decimal
	LayersClosed int
	Units        decimal.Decimal
	PnL          decimal.Decimal
	Pips         decimal.Decimal
}

func (e *MarginProtection) EventType() EventType { return EventTypeMarginProtection }
func (e *MarginProtection) Timestamp() time.Time { return e.Time }
func (e *MarginProtection) LayerIndex() int      { return -1 }
