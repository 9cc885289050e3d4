// Package streaming defines the wire protocol for the location change feed.
package streaming

import (
	"encoding/json"

	"github.com/opsgrid/livetrack/pkg/core"
)

// Message type constants for the feed protocol.
const (
	TypeSubscribe = "subscribe"
	TypeSnapshot  = "snapshot"
	TypeChange    = "change"
	TypePublish   = "publish"
	TypePing      = "ping"
	TypeAck       = "ack"
	TypeError     = "error"
)

// Change event types carried by ChangePayload.
const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Marshal builds a JSON-encoded Envelope from a message type and payload.
func Marshal(msgType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// AckMessage is the server's acknowledgement response.
type AckMessage struct {
	Type string `json:"type"` // always "ack"
	For  string `json:"for"`  // the message type being acknowledged
}

// SubscribePayload scopes a feed subscription to one event.
type SubscribePayload struct {
	EventID string `json:"eventId"`
}

// SnapshotPayload carries the bulk read delivered once per subscription
// (and again after every resync).
type SnapshotPayload struct {
	EventID string                `json:"eventId"`
	Records []core.PositionRecord `json:"records"`
}

// ChangePayload carries one row-level insert or update notification.
type ChangePayload struct {
	EventType string              `json:"eventType"` // ChangeInsert or ChangeUpdate
	Record    core.PositionRecord `json:"record"`
}

// PublishPayload carries a position upsert sent by a client over the socket.
type PublishPayload struct {
	Record core.PositionRecord `json:"record"`
}

// ErrorPayload reports a protocol or authorization failure.
type ErrorPayload struct {
	Message string `json:"message"`
}
