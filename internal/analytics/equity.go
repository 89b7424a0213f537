package analytics

import (
	"time"

	"github.com/shopspring/decimal"
)

const defaultEquityCap = 512

// EquityPoint is one sample of the account balance over time.
type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Balance   decimal.Decimal `json:"balance"`
}

// EquityCurve keeps a bounded, downsampled balance series. When the cap
// is reached every other point is dropped and the keep-stride doubles, so
// an arbitrarily long execution stays within a fixed memory budget while
// preserving the curve's shape.
type EquityCurve struct {
	capacity int
	stride   int
	skipped  int
	points   []EquityPoint
}

func NewEquityCurve(capacity int) *EquityCurve {
	if capacity < 2 {
		capacity = 2
	}
	return &EquityCurve{capacity: capacity, stride: 1}
}

// Add appends a sample, honoring the current stride.
func (c *EquityCurve) Add(ts time.Time, balance decimal.Decimal) {
	c.skipped++
	if c.skipped < c.stride {
		return
	}
	c.skipped = 0

	c.points = append(c.points, EquityPoint{Timestamp: ts, Balance: balance})
	if len(c.points) >= c.capacity {
		c.downsample()
	}
}

func (c *EquityCurve) downsample() {
	kept := c.points[:0]
	for i, p := range c.points {
		if i%2 == 0 {
			kept = append(kept, p)
		}
	}
	c.points = kept
	c.stride *= 2
}

// Points returns the retained samples, oldest first.
func (c *EquityCurve) Points() []EquityPoint { return c.points }
