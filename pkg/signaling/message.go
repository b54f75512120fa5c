package signaling

import (
	"encoding/json"
)

// MessageType is the type of a signaling message.
type MessageType string

const (
	// Subscribe adds the client to Topics.
	Subscribe MessageType = "subscribe"

	// Unsubscribe removes the client from Topics.
	Unsubscribe MessageType = "unsubscribe"

	// Publish relays Data to every client subscribed to Topic, the
	// publisher included.
	Publish MessageType = "publish"

	Ping MessageType = "ping"
	Pong MessageType = "pong"
)

// Message is the frame exchanged between signaling clients and the server.
type Message struct {
	Type   MessageType     `json:"type"`
	Topics []string        `json:"topics,omitempty"`
	Topic  string          `json:"topic,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}
