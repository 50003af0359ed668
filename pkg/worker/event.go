package worker

import (
	"encoding/json"

	"shipnotes/pkg/intake"
)

// Event is a decoded queue message.
type Event struct {
	// Job identifies the delivery to process.
	Job intake.Job `json:"job"`
	// Topic is the topic the message was received on.
	Topic string `json:"topic"`
	// MessageID is the broker message id, the delivery id for intake messages.
	MessageID string `json:"message_id"`
	// Metadata contains message-broker-specific metadata.
	Metadata map[string]string `json:"metadata"`
	// Payload is the raw message payload.
	Payload json.RawMessage `json:"payload"`
	// Attempt counts handler runs for this message, starting at 1.
	Attempt int `json:"attempt"`
}
