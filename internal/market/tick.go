package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single bid/ask quote for one instrument.
// Prices are fixed-point decimals; binary floats are never used for prices.
type Tick struct {
	Instrument string          `json:"instrument"`
	Timestamp  time.Time       `json:"timestamp"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Mid        decimal.Decimal `json:"mid"`
}

var two = decimal.NewFromInt(2)

// NewTick builds a Tick, deriving Mid as (bid+ask)/2 when the caller
// does not supply one.
func NewTick(instrument string, ts time.Time, bid, ask decimal.Decimal) Tick {
	return Tick{
		Instrument: instrument,
		Timestamp:  ts,
		Bid:        bid,
		Ask:        ask,
		Mid:        bid.Add(ask).Div(two),
	}
}

// Validate checks the structural invariants of a tick.
func (t Tick) Validate() error {
	if t.Instrument == "" {
		return fmt.Errorf("tick: empty instrument")
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("tick: zero timestamp")
	}
	if t.Bid.Sign() <= 0 || t.Ask.Sign() <= 0 {
		return fmt.Errorf("tick %s: non-positive price (bid=%s ask=%s)", t.Instrument, t.Bid, t.Ask)
	}
	if t.Ask.LessThan(t.Bid) {
		return fmt.Errorf("tick %s: ask %s below bid %s", t.Instrument, t.Ask, t.Bid)
	}
	return nil
}

var (
	pipStandard = decimal.New(1, -4) // 0.0001
	pipJPY      = decimal.New(1, -2) // 0.01
)

// PipSize returns the pip increment for an instrument.
// JPY-quoted pairs use 0.01, everything else 0.0001.
func PipSize(instrument string) decimal.Decimal {
	if strings.HasSuffix(strings.ToUpper(instrument), "JPY") {
		return pipJPY
	}
	return pipStandard
}

// PipsBetween returns the signed distance from a to b expressed in pips
// of the given instrument.
func PipsBetween(a, b decimal.Decimal, instrument string) decimal.Decimal {
	return b.Sub(a).Div(PipSize(instrument))
}
