package market

import "github.com/shopspring/decimal"

// PriceStats accumulates min/avg/max for one price series.
type PriceStats struct {
	Min   decimal.Decimal
	Max   decimal.Decimal
	sum   decimal.Decimal
	count int64
}

// Observe folds one value into the stats.
func (s *PriceStats) Observe(v decimal.Decimal) {
	if s.count == 0 {
		s.Min = v
		s.Max = v
	} else {
		if v.LessThan(s.Min) {
			s.Min = v
		}
		if v.GreaterThan(s.Max) {
			s.Max = v
		}
	}
	s.sum = s.sum.Add(v)
	s.count++
}

// Avg returns the arithmetic mean of observed values, zero if none.
func (s *PriceStats) Avg() decimal.Decimal {
	if s.count == 0 {
		return decimal.Zero
	}
	return s.sum.Div(decimal.NewFromInt(s.count))
}

// Count returns the number of observed values.
func (s *PriceStats) Count() int64 { return s.count }

// TickStats tracks bid, ask and mid statistics over a stream of ticks.
type TickStats struct {
	Bid PriceStats
	Ask PriceStats
	Mid PriceStats
}

// Observe folds one tick into the stats.
func (s *TickStats) Observe(t Tick) {
	s.Bid.Observe(t.Bid)
	s.Ask.Observe(t.Ask)
	s.Mid.Observe(t.Mid)
}
