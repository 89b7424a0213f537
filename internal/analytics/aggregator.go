package analytics

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"floortrader/internal/event"
)

// TradeRecord is one closed basket derived from strategy events.
type TradeRecord struct {
	OpenedAt  time.Time       `json:"opened_at"`
	ClosedAt  time.Time       `json:"closed_at"`
	Kind      string          `json:"kind"` // "take_profit" or "margin_protection"
	Layers    int             `json:"layers"`
	Units     decimal.Decimal `json:"units"`
	ExitPrice decimal.Decimal `json:"exit_price"`
	PnL       decimal.Decimal `json:"pnl"`
	Pips      decimal.Decimal `json:"pips"`
}

// Summary is the aggregator's running view of an execution.
type Summary struct {
	TradesClosed int             `json:"trades_closed"`
	Wins         int             `json:"wins"`
	Losses       int             `json:"losses"`
	WinRate      decimal.Decimal `json:"win_rate"`
	ProfitFactor decimal.Decimal `json:"profit_factor"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	TotalPips    decimal.Decimal `json:"total_pips"`
	MaxDrawdown  decimal.Decimal `json:"max_drawdown"`
	Retracements int             `json:"retracements"`
	LayersOpened int             `json:"layers_opened"`
	EquityCurve  []EquityPoint   `json:"equity_curve"`
}

// Aggregator derives trade records, running P&L and win/loss statistics
// from the executor's event batches. It is owned by a single executor
// goroutine and needs no locking.
type Aggregator struct {
	trades []TradeRecord
	equity *EquityCurve

	wins, losses int
	grossProfit  decimal.Decimal
	grossLoss    decimal.Decimal
	realizedPnL  decimal.Decimal
	totalPips    decimal.Decimal
	retracements int
	layersOpened int

	basketOpenedAt time.Time
	basketOpen     bool

	peakBalance decimal.Decimal
	maxDrawdown decimal.Decimal
}

func NewAggregator(initialBalance decimal.Decimal) *Aggregator {
	a := &Aggregator{
		equity:      NewEquityCurve(defaultEquityCap),
		peakBalance: initialBalance,
	}
	return a
}

// Observe folds one enveloped event and the post-event balance into the
// running statistics. The switch is exhaustive over the variant set.
func (a *Aggregator) Observe(env event.Envelope, balance decimal.Decimal) {
	switch e := env.Event.(type) {
	case *event.InitialEntry:
		a.basketOpenedAt = e.Time
		a.basketOpen = true
		a.layersOpened++
	case *event.AddLayer:
		a.layersOpened++
	case *event.Retracement:
		a.retracements++
	case *event.RemoveLayer:
		// Individual layer closes inside a margin-protection sweep are
		// folded into the summary event that follows them.
	case *event.TakeProfit:
		a.closeBasket(e.Time, "take_profit", e.LayersClosed, e.Units, e.ExitPrice, e.PnL, e.Pips, balance)
	case *event.MarginProtection:
		a.closeBasket(e.Time, "margin_protection", e.LayersClosed, e.Units, e.ExitPrice, e.PnL, e.Pips, balance)
	case *event.VolatilityLock:
		// No trade impact.
	}
}

func (a *Aggregator) closeBasket(
	ts time.Time,
	kind string,
	layers int,
	units, exitPrice, pnl, pips decimal.Decimal,
	balance decimal.Decimal,
) {
	opened := a.basketOpenedAt
	if !a.basketOpen {
		opened = ts
	}
	a.trades = append(a.trades, TradeRecord{
		OpenedAt:  opened,
		ClosedAt:  ts,
		Kind:      kind,
		Layers:    layers,
		Units:     units,
		ExitPrice: exitPrice,
		PnL:       pnl,
		Pips:      pips,
	})
	a.basketOpen = false

	a.realizedPnL = a.realizedPnL.Add(pnl)
	a.totalPips = a.totalPips.Add(pips)
	if pnl.Sign() > 0 {
		a.wins++
		a.grossProfit = a.grossProfit.Add(pnl)
	} else {
		a.losses++
		a.grossLoss = a.grossLoss.Sub(pnl)
	}

	a.equity.Add(ts, balance)

	if balance.GreaterThan(a.peakBalance) {
		a.peakBalance = balance
	}
	if a.peakBalance.Sign() > 0 {
		dd := a.peakBalance.Sub(balance).Div(a.peakBalance)
		if dd.GreaterThan(a.maxDrawdown) {
			a.maxDrawdown = dd
		}
	}
}

// Sample records an equity point outside trade closes, used by the
// executor for periodic curve density on long flat stretches.
func (a *Aggregator) Sample(ts time.Time, balance decimal.Decimal) {
	a.equity.Add(ts, balance)
}

// Trades returns the closed trade records in order.
func (a *Aggregator) Trades() []TradeRecord { return a.trades }

// Summary returns the current aggregate view.
func (a *Aggregator) Summary() Summary {
	s := Summary{
		TradesClosed: len(a.trades),
		Wins:         a.wins,
		Losses:       a.losses,
		RealizedPnL:  a.realizedPnL,
		TotalPips:    a.totalPips,
		MaxDrawdown:  a.maxDrawdown,
		Retracements: a.retracements,
		LayersOpened: a.layersOpened,
		EquityCurve:  a.equity.Points(),
	}
	if n := len(a.trades); n > 0 {
		s.WinRate = decimal.NewFromInt(int64(a.wins)).Div(decimal.NewFromInt(int64(n)))
	}
	if a.grossLoss.Sign() > 0 {
		s.ProfitFactor = a.grossProfit.Div(a.grossLoss)
	}
	return s
}

// Checkpoint is the aggregator's persisted form: the public summary plus
// the internals a resumed execution needs to keep counting where the
// snapshotted one left off.
type Checkpoint struct {
	Summary
	Trades         []TradeRecord   `json:"trades,omitempty"`
	GrossProfit    decimal.Decimal `json:"gross_profit"`
	GrossLoss      decimal.Decimal `json:"gross_loss"`
	PeakBalance    decimal.Decimal `json:"peak_balance"`
	BasketOpen     bool            `json:"basket_open,omitempty"`
	BasketOpenedAt time.Time       `json:"basket_opened_at"`
}

// Finalize returns the checkpoint as the JSON record persisted inside the
// snapshot's metrics field.
func (a *Aggregator) Finalize() (json.RawMessage, error) {
	return json.Marshal(Checkpoint{
		Summary:        a.Summary(),
		Trades:         a.trades,
		GrossProfit:    a.grossProfit,
		GrossLoss:      a.grossLoss,
		PeakBalance:    a.peakBalance,
		BasketOpen:     a.basketOpen,
		BasketOpenedAt: a.basketOpenedAt,
	})
}

// Restore rehydrates the aggregator from a snapshot's metrics record so a
// resumed execution carries its trade history forward instead of counting
// from zero.
func (a *Aggregator) Restore(raw json.RawMessage) error {
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return fmt.Errorf("decode metrics checkpoint: %w", err)
	}

	a.trades = cp.Trades
	a.wins = cp.Wins
	a.losses = cp.Losses
	a.grossProfit = cp.GrossProfit
	a.grossLoss = cp.GrossLoss
	a.realizedPnL = cp.RealizedPnL
	a.totalPips = cp.TotalPips
	a.retracements = cp.Retracements
	a.layersOpened = cp.LayersOpened
	a.maxDrawdown = cp.MaxDrawdown
	a.basketOpen = cp.BasketOpen
	a.basketOpenedAt = cp.BasketOpenedAt
	if cp.PeakBalance.GreaterThan(a.peakBalance) {
		a.peakBalance = cp.PeakBalance
	}

	a.equity = NewEquityCurve(defaultEquityCap)
	for _, p := range cp.EquityCurve {
		a.equity.Add(p.Timestamp, p.Balance)
	}
	return nil
}
