package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Record is the flat JSON shape of a strategy event, used for the event
// log and for downstream consumers.
type Record struct {
	EventType        string           `json:"event_type"`
	Sequence         int64            `json:"sequence"`
	Timestamp        time.Time        `json:"timestamp"`
	LayerNumber      int              `json:"layer_number"`
	Direction        string           `json:"direction,omitempty"`
	Price            *decimal.Decimal `json:"price,omitempty"`
	EntryPrice       *decimal.Decimal `json:"entry_price,omitempty"`
	ExitPrice        *decimal.Decimal `json:"exit_price,omitempty"`
	Units            *decimal.Decimal `json:"units,omitempty"`
	PnL              *decimal.Decimal `json:"pnl,omitempty"`
	Pips             *decimal.Decimal `json:"pips,omitempty"`
	RetracementCount *int             `json:"retracement_count,omitempty"`
	Locked           *bool            `json:"locked,omitempty"`
}

func dptr(d decimal.Decimal) *decimal.Decimal { return &d }

// ToRecord flattens an enveloped event for serialization. The switch is
// exhaustive over the closed variant set.
func ToRecord(env Envelope) (Record, error) {
	r := Record{
		EventType:   env.Event.EventType().String(),
		Sequence:    env.Sequence,
		Timestamp:   env.Event.Timestamp(),
		LayerNumber: env.Event.LayerIndex(),
	}

	switch e := env.Event.(type) {
	case *InitialEntry:
		r.Direction = e.Direction.String()
		r.Price = dptr(e.Price)
		r.Units = dptr(e.Units)
	case *Retracement:
		r.Direction = e.Direction.String()
		r.Price = dptr(e.Price)
		r.EntryPrice = dptr(e.AvgEntryPrice)
		r.Units = dptr(e.Units)
		rc := e.RetracementCount
		r.RetracementCount = &rc
	case *AddLayer:
		r.Direction = e.Direction.String()
		r.Price = dptr(e.Price)
		r.Units = dptr(e.Units)
	case *RemoveLayer:
		r.Direction = e.Direction.String()
		r.ExitPrice = dptr(e.ExitPrice)
		r.Units = dptr(e.Units)
		r.PnL = dptr(e.PnL)
		r.Pips = dptr(e.Pips)
	case *TakeProfit:
		r.ExitPrice = dptr(e.ExitPrice)
		r.Units = dptr(e.Units)
		r.PnL = dptr(e.PnL)
		r.Pips = dptr(e.Pips)
	case *MarginProtection:
		r.ExitPrice = dptr(e.ExitPrice)
		r.Units = dptr(e.Units)
		r.PnL = dptr(e.PnL)
		r.Pips = dptr(e.Pips)
	case *VolatilityLock:
		locked := e.Locked
		r.Locked = &locked
		r.Pips = dptr(e.Range)
	default:
		return Record{}, fmt.Errorf("unhandled event variant %T", env.Event)
	}

	return r, nil
}

// Marshal serializes an enveloped event to its flat JSON record.
func Marshal(env Envelope) ([]byte, error) {
	r, err := ToRecord(env)
	if err != nil {
		return nil, err
	}
	return json.Marshal(r)
}
