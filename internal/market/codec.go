package market

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MessageType discriminates tick-channel messages.
type MessageType string

const (
	MessageTick    MessageType = "tick"
	MessageEOF     MessageType = "eof"
	MessageStopped MessageType = "stopped"
	MessageError   MessageType = "error"
)

// Message is one tick-channel payload, one JSON object per message.
// Tick fields are set only for MessageTick; Count carries the number of
// ticks delivered for eof/stopped; ErrMessage carries the error text.
type Message struct {
	Type       MessageType      `json:"type"`
	RequestID  string           `json:"request_id"`
	Instrument string           `json:"instrument"`
	Timestamp  *time.Time       `json:"timestamp,omitempty"`
	Bid        *decimal.Decimal `json:"bid,omitempty"`
	Ask        *decimal.Decimal `json:"ask,omitempty"`
	Mid        *decimal.Decimal `json:"mid,omitempty"`
	Count      int64            `json:"count,omitempty"`
	ErrMessage string           `json:"message,omitempty"`
}

// TickMessage wraps a tick for the channel.
func TickMessage(requestID string, t Tick) Message {
	ts := t.Timestamp
	bid, ask, mid := t.Bid, t.Ask, t.Mid
	return Message{
		Type:       MessageTick,
		RequestID:  requestID,
		Instrument: t.Instrument,
		Timestamp:  &ts,
		Bid:        &bid,
		Ask:        &ask,
		Mid:        &mid,
	}
}

// EOFMessage marks the clean end of a bounded tick range.
func EOFMessage(requestID, instrument string, count int64) Message {
	return Message{Type: MessageEOF, RequestID: requestID, Instrument: instrument, Count: count}
}

// StoppedMessage marks an early, requested stop of the publisher.
func StoppedMessage(requestID, instrument string, count int64) Message {
	return Message{Type: MessageStopped, RequestID: requestID, Instrument: instrument, Count: count}
}

// ErrorMessage reports a publisher-side fault to subscribers.
func ErrorMessage(requestID, instrument, msg string) Message {
	return Message{Type: MessageError, RequestID: requestID, Instrument: instrument, ErrMessage: msg}
}

// Tick reconstructs the Tick carried by a MessageTick, deriving Mid when
// the producer omitted it.
func (m Message) Tick() (Tick, error) {
	if m.Type != MessageTick {
		return Tick{}, fmt.Errorf("message type %q carries no tick", m.Type)
	}
	if m.Timestamp == nil || m.Bid == nil || m.Ask == nil {
		return Tick{}, fmt.Errorf("tick message missing timestamp/bid/ask")
	}
	t := Tick{
		Instrument: m.Instrument,
		Timestamp:  *m.Timestamp,
		Bid:        *m.Bid,
		Ask:        *m.Ask,
	}
	if m.Mid != nil {
		t.Mid = *m.Mid
	} else {
		t.Mid = t.Bid.Add(t.Ask).Div(two)
	}
	return t, t.Validate()
}

// EncodeMessage marshals a channel message.
func EncodeMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage unmarshals a channel message and validates its type tag.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode channel message: %w", err)
	}
	switch m.Type {
	case MessageTick, MessageEOF, MessageStopped, MessageError:
		return m, nil
	default:
		return Message{}, fmt.Errorf("unknown channel message type %q", m.Type)
	}
}
