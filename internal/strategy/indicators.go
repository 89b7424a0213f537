package strategy

import (
	"github.com/shopspring/decimal"
)

// SMA returns the simple moving average of the last period values.
// ok is false when the series is shorter than the period.
func SMA(series []decimal.Decimal, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(series) < period {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, v := range series[len(series)-period:] {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(period))), true
}

// EMA returns the exponential moving average of the series with the given
// period, seeded by the SMA of the first period values. Each step computes
// (v*2 + ema*(period-1)) / (period+1) rather than pre-dividing the 2/(period+1)
// multiplier, whose rounded quotient would leak into every step.
func EMA(series []decimal.Decimal, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(series) < period {
		return decimal.Zero, false
	}
	ema, _ := SMA(series[:period], period)
	two := decimal.NewFromInt(2)
	carry := decimal.NewFromInt(int64(period) - 1)
	denom := decimal.NewFromInt(int64(period) + 1)
	for _, v := range series[period:] {
		ema = v.Mul(two).Add(ema.Mul(carry)).Div(denom)
	}
	return ema, true
}

var hundred = decimal.NewFromInt(100)

// RSI returns the relative strength index over the last period deltas,
// using simple (Cutler's) averaging of gains and losses.
func RSI(series []decimal.Decimal, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(series) < period+1 {
		return decimal.Zero, false
	}
	window := series[len(series)-period-1:]
	gains := decimal.Zero
	losses := decimal.Zero
	for i := 1; i < len(window); i++ {
		d := window[i].Sub(window[i-1])
		if d.Sign() >= 0 {
			gains = gains.Add(d)
		} else {
			losses = losses.Sub(d)
		}
	}
	if losses.Sign() == 0 {
		return hundred, true
	}
	rs := gains.Div(losses)
	return hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs))), true
}

// ATRPips returns the average true range over the last at most period
// deltas of the series, expressed in pips, together with the latest
// delta. The latest delta is excluded from the average so a single spike
// is compared against the calm that preceded it.
func ATRPips(series []decimal.Decimal, period int, pip decimal.Decimal) (atr, latest decimal.Decimal, ok bool) {
	if len(series) < 3 {
		return decimal.Zero, decimal.Zero, false
	}
	deltas := make([]decimal.Decimal, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		deltas = append(deltas, series[i].Sub(series[i-1]).Abs().Div(pip))
	}
	latest = deltas[len(deltas)-1]
	prior := deltas[:len(deltas)-1]
	if len(prior) > period {
		prior = prior[len(prior)-period:]
	}
	sum := decimal.Zero
	for _, d := range prior {
		sum = sum.Add(d)
	}
	return sum.Div(decimal.NewFromInt(int64(len(prior)))), latest, true
}
