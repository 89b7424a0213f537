package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"floortrader/internal/faults"
)

// DirectionMethod selects how the Floor strategy decides entry direction.
type DirectionMethod string

const (
	// DirectionMomentum compares the first and last price of the
	// lookback window. Ties break long.
	DirectionMomentum DirectionMethod = "momentum"
	// DirectionSMACross goes long while the short SMA is above the long SMA.
	DirectionSMACross DirectionMethod = "sma_cross"
	// DirectionEMACross goes long while the short EMA is above the long EMA.
	DirectionEMACross DirectionMethod = "ema_cross"
	// DirectionPriceSMA goes long while price is above its SMA.
	DirectionPriceSMA DirectionMethod = "price_sma"
	// DirectionRSIBand goes long below the lower band, short above the
	// upper band, and stays flat in between.
	DirectionRSIBand DirectionMethod = "rsi_band"
)

// Progression selects how the retracement trigger distance grows with the
// layer's retracement count.
type Progression string

const (
	// ProgressionAdditive grows the trigger as base + increment × n.
	ProgressionAdditive Progression = "additive"
	// ProgressionExponential grows the trigger as base × multiplier^n.
	ProgressionExponential Progression = "exponential"
)

// Config parameterizes one Floor strategy instance. A single instance
// trades a single instrument.
type Config struct {
	Instrument string `json:"instrument"`

	DirectionMethod DirectionMethod `json:"direction_method"`
	Lookback        int             `json:"lookback"`
	ShortPeriod     int             `json:"short_period"`
	LongPeriod      int             `json:"long_period"`
	RSIPeriod       int             `json:"rsi_period"`
	RSIUpper        decimal.Decimal `json:"rsi_upper"`
	RSILower        decimal.Decimal `json:"rsi_lower"`

	// CandleGranularity buckets the direction/volatility series into
	// candle closes. Zero means raw tick mids.
	CandleGranularity time.Duration `json:"candle_granularity"`
	// HistoryLimit bounds the retained price history.
	HistoryLimit int `json:"history_limit"`

	BaseUnits       decimal.Decimal `json:"base_units"`
	MaxLayers       int             `json:"max_layers"`
	MaxRetracements int             `json:"max_retracements"`

	Progression          Progression     `json:"progression"`
	TriggerBasePips      decimal.Decimal `json:"trigger_base_pips"`
	TriggerIncrementPips decimal.Decimal `json:"trigger_increment_pips"`
	TriggerMultiplier    decimal.Decimal `json:"trigger_multiplier"`

	TakeProfitPips decimal.Decimal `json:"take_profit_pips"`

	// ATRPeriod caps the volatility window; LockMultiplier of zero
	// disables the volatility lock.
	ATRPeriod      int             `json:"atr_period"`
	LockMultiplier decimal.Decimal `json:"lock_multiplier"`

	// MarginProtectionFraction closes the whole basket once floating
	// loss exceeds this fraction of the balance. Zero disables.
	MarginProtectionFraction decimal.Decimal `json:"margin_protection_fraction"`
}

// DefaultConfig returns a momentum Floor configuration for one instrument.
func DefaultConfig(instrument string) Config {
	return Config{
		Instrument:           instrument,
		DirectionMethod:      DirectionMomentum,
		Lookback:             5,
		ShortPeriod:          5,
		LongPeriod:           20,
		RSIPeriod:            14,
		RSIUpper:             decimal.NewFromInt(70),
		RSILower:             decimal.NewFromInt(30),
		HistoryLimit:         500,
		BaseUnits:            decimal.NewFromInt(1000),
		MaxLayers:            3,
		MaxRetracements:      4,
		Progression:          ProgressionAdditive,
		TriggerBasePips:      decimal.NewFromInt(10),
		TriggerIncrementPips: decimal.NewFromInt(5),
		TriggerMultiplier:    decimal.NewFromFloat(1.5),
		TakeProfitPips:       decimal.NewFromInt(20),
		ATRPeriod:            14,
		LockMultiplier:       decimal.NewFromInt(3),
	}
}

// Validate rejects configurations the engine cannot run.
func (c Config) Validate() error {
	if c.Instrument == "" {
		return faults.Validationf("instrument", "required")
	}
	switch c.DirectionMethod {
	case DirectionMomentum, DirectionSMACross, DirectionEMACross, DirectionPriceSMA, DirectionRSIBand:
	default:
		return faults.Validationf("direction_method", "unknown method %q", c.DirectionMethod)
	}
	if c.Lookback < 2 {
		return faults.Validationf("lookback", "must be at least 2, got %d", c.Lookback)
	}
	if c.DirectionMethod == DirectionSMACross || c.DirectionMethod == DirectionEMACross {
		if c.ShortPeriod <= 0 || c.LongPeriod <= c.ShortPeriod {
			return faults.Validationf("long_period", "need 0 < short (%d) < long (%d)", c.ShortPeriod, c.LongPeriod)
		}
	}
	if c.DirectionMethod == DirectionRSIBand {
		if c.RSIPeriod <= 0 {
			return faults.Validationf("rsi_period", "must be positive")
		}
		if !c.RSILower.LessThan(c.RSIUpper) {
			return faults.Validationf("rsi_lower", "lower band %s must be below upper %s", c.RSILower, c.RSIUpper)
		}
	}
	if c.HistoryLimit < c.Lookback {
		return faults.Validationf("history_limit", "must cover the lookback window")
	}
	if c.BaseUnits.Sign() <= 0 {
		return faults.Validationf("base_units", "must be positive, got %s", c.BaseUnits)
	}
	if c.MaxLayers <= 0 {
		return faults.Validationf("max_layers", "must be positive, got %d", c.MaxLayers)
	}
	if c.MaxRetracements < 0 {
		return faults.Validationf("max_retracements", "must not be negative")
	}
	if c.TriggerBasePips.Sign() <= 0 {
		return faults.Validationf("trigger_base_pips", "must be positive, got %s", c.TriggerBasePips)
	}
	if c.Progression == ProgressionExponential && c.TriggerMultiplier.Sign() <= 0 {
		return faults.Validationf("trigger_multiplier", "must be positive, got %s", c.TriggerMultiplier)
	}
	if c.Progression != ProgressionAdditive && c.Progression != ProgressionExponential {
		return faults.Validationf("progression", "unknown progression %q", c.Progression)
	}
	if c.TakeProfitPips.Sign() <= 0 {
		return faults.Validationf("take_profit_pips", "must be positive, got %s", c.TakeProfitPips)
	}
	if c.ATRPeriod <= 0 || c.ATRPeriod > 14 {
		return faults.Validationf("atr_period", "must be in (0, 14], got %d", c.ATRPeriod)
	}
	if c.LockMultiplier.Sign() < 0 {
		return faults.Validationf("lock_multiplier", "must not be negative")
	}
	if c.MarginProtectionFraction.Sign() < 0 {
		return faults.Validationf("margin_protection_fraction", "must not be negative")
	}
	return nil
}

// TriggerPips returns the retracement trigger distance for a layer that
// has already taken n retracements.
func (c Config) TriggerPips(n int) decimal.Decimal {
	switch c.Progression {
	case ProgressionExponential:
		return c.TriggerBasePips.Mul(c.TriggerMultiplier.Pow(decimal.NewFromInt(int64(n))))
	default:
		return c.TriggerBasePips.Add(c.TriggerIncrementPips.Mul(decimal.NewFromInt(int64(n))))
	}
}
