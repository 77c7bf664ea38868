package broker

import (
	"encoding/json"
	"time"
)

// Message is the broker-internal representation of a PUBLISH frame. It is
// built once by the node that accepted the frame and treated as immutable
// by every component that handles it afterwards; fan-out paths that need
// different flags per subscriber work on copies.
type Message struct {
	// UUID is time-ordered and unique process-wide. Queue scans and
	// per-subscriber dispatch order both key on it.
	UUID string `json:"uuid"`

	// MessageID is the 16-bit packet id the publisher used, zero for QoS 0.
	MessageID uint16 `json:"messageId"`

	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`

	// PayloadJSON is set by archive groups running the JSON payload format
	// when the payload parses as JSON. Stores persist it alongside the raw
	// bytes when present.
	PayloadJSON json.RawMessage `json:"payloadJson,omitempty"`

	QoS      byte      `json:"qos"`
	Retain   bool      `json:"retain"`
	Dup      bool      `json:"dup"`
	Time     time.Time `json:"time"`
	ClientID string    `json:"clientId"`

	// Expiry, when set, marks the instant after which queued copies of the
	// message must not be delivered.
	Expiry *time.Time `json:"expiry,omitempty"`

	// Sticky marks synthetic publishes injected by a device bridge that
	// carry current-value semantics without the retain flag.
	Sticky bool `json:"sticky,omitempty"`
}

// NewMessage stamps a fresh UUID and timestamp onto a publish.
func NewMessage(src *UUIDSource, topic string, payload []byte, qos byte, retain bool, clientID string) Message {
	return Message{
		UUID:     src.Next(),
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		Retain:   retain,
		Time:     time.Now().UTC(),
		ClientID: clientID,
	}
}

// Expired reports whether the message's expiry instant has passed.
func (m Message) Expired(now time.Time) bool {
	return m.Expiry != nil && !now.Before(*m.Expiry)
}
