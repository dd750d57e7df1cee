package models

import "encoding/json"

// Record types carried in the broker's "type" field.
const (
	TypeHeartbeat = "HEARTBEAT"
	TypePrice     = "PRICE"
)

// PriceBucket is one level of a bid/ask ladder; prices stay as strings to keep broker precision.
type PriceBucket struct {
	Price     string `json:"price"`
	Liquidity int64  `json:"liquidity,omitempty"`
}

// Tick is one normalized streaming record: a price update or a heartbeat marker.
type Tick struct {
	Type       string        `json:"type"`
	Instrument string        `json:"instrument,omitempty"`
	Time       string        `json:"time,omitempty"`
	Bids       []PriceBucket `json:"bids,omitempty"`
	Asks       []PriceBucket `json:"asks,omitempty"`
}

func (t Tick) IsHeartbeat() bool { return t.Type == TypeHeartbeat }

// Envelope is the outbound client message for one tick.
type Envelope struct {
	Pair string          `json:"pair"`
	Data json.RawMessage `json:"data"`
}

// TickRecord is the journaled form of a dispatched tick, keyed by user and instrument.
type TickRecord struct {
	UserID     string          `json:"user_id"`
	Instrument string          `json:"instrument"`
	Time       string          `json:"time"`
	Data       json.RawMessage `json:"data"`
}

// SnapshotKey is the Redis key holding the last recorded tick for a user's instrument.
func SnapshotKey(userID, instrument string) string {
	return "tick:" + userID + ":" + instrument
}
