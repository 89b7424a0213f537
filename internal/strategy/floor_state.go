package strategy

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"floortrader/internal/market"
)

// floorState is the Floor strategy's private, serializable state. It
// rides in ExecutionState.StrategyState as an opaque JSON record.
type floorState struct {
	PriceHistory     []decimal.Decimal    `json:"price_history"`
	Candles          *market.CandleBuffer `json:"candles,omitempty"`
	VolatilityLocked bool                 `json:"volatility_locked"`
}

func (s *floorState) clone() *floorState {
	c := &floorState{
		VolatilityLocked: s.VolatilityLocked,
		Candles:          s.Candles.Clone(),
	}
	c.PriceHistory = append(c.PriceHistory, s.PriceHistory...)
	return c
}

func (s *floorState) encode() (json.RawMessage, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode floor state: %w", err)
	}
	return data, nil
}

func decodeFloorState(raw json.RawMessage, cfg Config) (*floorState, error) {
	s := &floorState{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, s); err != nil {
			return nil, fmt.Errorf("decode floor state: %w", err)
		}
	}
	if cfg.CandleGranularity > 0 && s.Candles == nil {
		s.Candles = market.NewCandleBuffer(cfg.CandleGranularity, cfg.HistoryLimit)
	}
	return s, nil
}

// series returns the price series direction and volatility decisions read
// from: candle closes when candle bucketing is configured and has data,
// raw tick mids otherwise.
func (s *floorState) series(cfg Config) []decimal.Decimal {
	if cfg.CandleGranularity > 0 && s.Candles != nil && s.Candles.Len() > 0 {
		return s.Candles.Closes()
	}
	return s.PriceHistory
}
