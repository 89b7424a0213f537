package event

import (
	"time"
)

// EventType discriminates strategy event payloads. The variant set is
// closed: the executor's routing switch covers every member and treats an
// unknown tag as a programming error.
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeInitialEntry
	EventTypeRetracement
	EventTypeAddLayer
	EventTypeRemoveLayer
	EventTypeTakeProfit
	EventTypeVolatilityLock
	EventTypeMarginProtection
)

func (et EventType) String() string {
	switch et {
	case EventTypeInitialEntry:
		return "InitialEntry"
	case EventTypeRetracement:
		return "Retracement"
	case EventTypeAddLayer:
		return "AddLayer"
	case EventTypeRemoveLayer:
		return "RemoveLayer"
	case EventTypeTakeProfit:
		return "TakeProfit"
	case EventTypeVolatilityLock:
		return "VolatilityLock"
	case EventTypeMarginProtection:
		return "MarginProtection"
	default:
		return "Unknown"
	}
}

// Event is the interface every strategy event implements.
type Event interface {
	// EventType returns the variant discriminator.
	EventType() EventType

	// Timestamp returns the tick timestamp that produced the event,
	// never a wall-clock read.
	Timestamp() time.Time

	// LayerIndex returns the layer the event concerns; -1 for
	// basket-wide events.
	LayerIndex() int
}

// Envelope wraps an event with its per-execution ordering metadata.
// Sequence numbers are assigned by the executor, start at 0, and are
// strictly increasing within one execution.
type Envelope struct {
	ExecutionID string
	Sequence    int64
	Event       Event
}
