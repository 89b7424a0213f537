package market

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// BucketStart truncates a timestamp to the start of its candle bucket:
// floor(unix / granularity) * granularity.
func BucketStart(ts time.Time, granularity time.Duration) time.Time {
	g := int64(granularity / time.Second)
	if g <= 0 {
		return ts
	}
	return time.Unix(ts.Unix()/g*g, 0).UTC()
}

// CandleBuffer keeps a bounded series of candle closes for one granularity.
// Ticks within the same bucket overwrite the bucket's close; a tick in a
// newer bucket seals the previous close.
type CandleBuffer struct {
	granularity time.Duration
	capacity    int

	closes  []decimal.Decimal
	buckets []time.Time
}

func NewCandleBuffer(granularity time.Duration, capacity int) *CandleBuffer {
	return &CandleBuffer{
		granularity: granularity,
		capacity:    capacity,
	}
}

// Observe folds a tick mid into the buffer.
func (b *CandleBuffer) Observe(ts time.Time, mid decimal.Decimal) {
	bucket := BucketStart(ts, b.granularity)
	n := len(b.buckets)
	if n > 0 && b.buckets[n-1].Equal(bucket) {
		b.closes[n-1] = mid
		return
	}
	b.buckets = append(b.buckets, bucket)
	b.closes = append(b.closes, mid)
	if len(b.buckets) > b.capacity {
		b.buckets = b.buckets[1:]
		b.closes = b.closes[1:]
	}
}

// Closes returns the buffered closes, oldest first. The returned slice is
// owned by the buffer and must not be mutated.
func (b *CandleBuffer) Closes() []decimal.Decimal { return b.closes }

// Len returns the number of buffered candles.
func (b *CandleBuffer) Len() int { return len(b.closes) }

type candleBufferJSON struct {
	Granularity int64             `json:"granularity_seconds"`
	Capacity    int               `json:"capacity"`
	Closes      []decimal.Decimal `json:"closes"`
	Buckets     []time.Time       `json:"buckets"`
}

// MarshalJSON makes the buffer persistable inside strategy state.
func (b *CandleBuffer) MarshalJSON() ([]byte, error) {
	return json.Marshal(candleBufferJSON{
		Granularity: int64(b.granularity / time.Second),
		Capacity:    b.capacity,
		Closes:      b.closes,
		Buckets:     b.buckets,
	})
}

func (b *CandleBuffer) UnmarshalJSON(data []byte) error {
	var raw candleBufferJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.granularity = time.Duration(raw.Granularity) * time.Second
	b.capacity = raw.Capacity
	b.closes = raw.Closes
	b.buckets = raw.Buckets
	return nil
}

// Clone returns an independent copy of the buffer.
func (b *CandleBuffer) Clone() *CandleBuffer {
	if b == nil {
		return nil
	}
	c := &CandleBuffer{granularity: b.granularity, capacity: b.capacity}
	c.closes = append(c.closes, b.closes...)
	c.buckets = append(c.buckets, b.buckets...)
	return c
}
