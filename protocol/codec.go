package protocol

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// Codec Interface
// =============================================================================

// Codec turns messages into frame bodies and back.
type Codec interface {
	// Encode converts a message to bytes
	Encode(msg Message) ([]byte, error)

	// Decode converts bytes back to a message
	Decode(data []byte) (Message, error)

	// Name returns the codec name (for debugging/logging)
	Name() string
}

// =============================================================================
// JSONCodec Implementation
// =============================================================================

// JSONCodec uses JSON encoding for messages.
type JSONCodec struct{}

// NewJSONCodec creates a new JSON codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

func (c *JSONCodec) Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("json marshal failed: %w", err)
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, fmt.Errorf("data is empty")
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("json unmarshal failed: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (c *JSONCodec) Name() string {
	return "json"
}

// RoundTrip passes msg through c, yielding a copy that shares no memory with
// the original.
func RoundTrip(c Codec, msg Message) (Message, error) {
	data, err := c.Encode(msg)
	if err != nil {
		return Message{}, err
	}
	return c.Decode(data)
}
