package feed

import (
	"encoding/json"
	"fmt"
	"math"

	"bookfeed/internal/orderbook"
)

// Kind classifies an inbound payload.
type Kind int

const (
	KindControl Kind = iota
	KindSnapshot
	KindDelta
)

func (k Kind) String() string {
	switch k {
	case KindSnapshot:
		return "snapshot"
	case KindDelta:
		return "delta"
	default:
		return "control"
	}
}

// Message is a decoded payload. Only the field matching Kind is set.
type Message struct {
	Kind     Kind
	Feed     string
	Event    string
	Market   string
	Snapshot orderbook.Snapshot
	Delta    orderbook.Delta
}

type envelope struct {
	Feed      string       `json:"feed"`
	Event     string       `json:"event"`
	ProductID string       `json:"product_id"`
	Message   string       `json:"message"`
	Bids      *[][]float64 `json:"bids"`
	Asks      *[][]float64 `json:"asks"`
}

// Decoder classifies raw payloads of one book feed, e.g. "book_ui_1".
type Decoder struct {
	feed     string
	snapshot string
}

func NewDecoder(feed string) Decoder {
	return Decoder{feed: feed, snapshot: feed + "_snapshot"}
}

// Decode parses payload. A returned error is a *MalformedMessage or a
// *ProtocolViolation; in both cases no part of the message may be applied.
func (d Decoder) Decode(payload []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Message{}, &MalformedMessage{Reason: "invalid json", Err: err}
	}
	msg := Message{Feed: env.Feed, Event: env.Event, Market: env.ProductID}

	if env.Event != "" {
		switch env.Event {
		case "info", "subscribed", "unsubscribed":
			return msg, nil
		default:
			reason := env.Message
			if reason == "" {
				reason = "venue event"
			}
			return msg, &ProtocolViolation{Feed: env.Feed, Event: env.Event, Reason: reason}
		}
	}

	switch env.Feed {
	case d.snapshot:
		if env.Bids == nil || env.Asks == nil {
			return msg, &MalformedMessage{Reason: "snapshot without bids or asks"}
		}
		bids, err := entries("bids", *env.Bids)
		if err != nil {
			return msg, err
		}
		asks, err := entries("asks", *env.Asks)
		if err != nil {
			return msg, err
		}
		msg.Kind = KindSnapshot
		msg.Snapshot = orderbook.Snapshot{Market: env.ProductID, Bids: bids, Asks: asks}
		return msg, nil
	case d.feed:
		var bids, asks []orderbook.Entry
		var err error
		if env.Bids != nil {
			if bids, err = entries("bids", *env.Bids); err != nil {
				return msg, err
			}
		}
		if env.Asks != nil {
			if asks, err = entries("asks", *env.Asks); err != nil {
				return msg, err
			}
		}
		msg.Kind = KindDelta
		msg.Delta = orderbook.Delta{Market: env.ProductID, Bids: bids, Asks: asks}
		return msg, nil
	case "heartbeat":
		return msg, nil
	case "":
		return msg, &MalformedMessage{Reason: "missing feed and event"}
	default:
		return msg, &ProtocolViolation{Feed: env.Feed, Reason: "unexpected feed"}
	}
}

func entries(side string, raw [][]float64) ([]orderbook.Entry, error) {
	out := make([]orderbook.Entry, 0, len(raw))
	for i, pair := range raw {
		if len(pair) != 2 {
			return nil, &MalformedMessage{Reason: fmt.Sprintf("%s[%d]: want [price, size], got %d values", side, i, len(pair))}
		}
		price, size := pair[0], pair[1]
		if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
			return nil, &MalformedMessage{Reason: fmt.Sprintf("%s[%d]: bad price %v", side, i, price)}
		}
		if math.IsNaN(size) || math.IsInf(size, 0) || size < 0 {
			return nil, &MalformedMessage{Reason: fmt.Sprintf("%s[%d]: bad size %v", side, i, size)}
		}
		out = append(out, orderbook.Entry{Price: price, Size: size})
	}
	return out, nil
}
