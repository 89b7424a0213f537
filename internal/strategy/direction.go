package strategy

import (
	"github.com/shopspring/decimal"

	"floortrader/internal/market"
)

// decideDirection evaluates the configured direction method against the
// current series. It falls back to momentum when the method's history
// requirement is not met (including candle-based methods before the
// first candle seals). ok is false when even momentum lacks history;
// a flat result with ok=true means "no signal right now" (RSI in-band).
func decideDirection(cfg Config, st *floorState) (market.Direction, bool) {
	series := st.series(cfg)

	switch cfg.DirectionMethod {
	case DirectionSMACross:
		short, okS := SMA(series, cfg.ShortPeriod)
		long, okL := SMA(series, cfg.LongPeriod)
		if okS && okL {
			return crossDirection(short, long), true
		}
	case DirectionEMACross:
		short, okS := EMA(series, cfg.ShortPeriod)
		long, okL := EMA(series, cfg.LongPeriod)
		if okS && okL {
			return crossDirection(short, long), true
		}
	case DirectionPriceSMA:
		sma, ok := SMA(series, cfg.Lookback)
		if ok && len(series) > 0 {
			return crossDirection(series[len(series)-1], sma), true
		}
	case DirectionRSIBand:
		rsi, ok := RSI(series, cfg.RSIPeriod)
		if ok {
			switch {
			case rsi.GreaterThanOrEqual(cfg.RSIUpper):
				return market.DirectionShort, true
			case rsi.LessThanOrEqual(cfg.RSILower):
				return market.DirectionLong, true
			default:
				return market.DirectionFlat, true
			}
		}
	}

	return momentum(st.PriceHistory, cfg.Lookback)
}

// momentum compares the first and last price of the lookback window.
// An exactly flat window breaks long.
func momentum(history []decimal.Decimal, lookback int) (market.Direction, bool) {
	if len(history) < 2 {
		return market.DirectionFlat, false
	}
	window := history
	if len(window) > lookback {
		window = window[len(window)-lookback:]
	}
	first, last := window[0], window[len(window)-1]
	if last.LessThan(first) {
		return market.DirectionShort, true
	}
	return market.DirectionLong, true
}

func crossDirection(fast, slow decimal.Decimal) market.Direction {
	if fast.LessThan(slow) {
		return market.DirectionShort
	}
	return market.DirectionLong
}
