package market

// Direction is the side of a position or signal.
type Direction int32

const (
	DirectionFlat Direction = iota
	DirectionLong
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "long"
	case DirectionShort:
		return "short"
	default:
		return "flat"
	}
}

// Opposite returns the reverse side; flat stays flat.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	default:
		return DirectionFlat
	}
}

// Sign is +1 for long, -1 for short, 0 for flat. Used when folding a
// signed price move into P&L.
func (d Direction) Sign() int64 {
	switch d {
	case DirectionLong:
		return 1
	case DirectionShort:
		return -1
	default:
		return 0
	}
}

// MarshalJSON encodes the direction as its lowercase name.
func (d Direction) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON accepts "long", "short" or "flat".
func (d *Direction) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"long"`:
		*d = DirectionLong
	case `"short"`:
		*d = DirectionShort
	default:
		*d = DirectionFlat
	}
	return nil
}
