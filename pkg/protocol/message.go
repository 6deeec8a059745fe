package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MaxMessageSize bounds a single envelope.
const MaxMessageSize = 64 * 1024

// MaxBatchSize bounds a long-poll batch body.
const MaxBatchSize = 16 * MaxMessageSize

// Message is the wire envelope.
type Message struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds a message with payload marshalled into Data.
func NewMessage(event EventName, payload any) (*Message, error) {
	msg := &Message{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode %s payload: %w", event, err)
		}
		msg.Data = data
	}
	return msg, nil
}

// Encode marshals an envelope for event and payload.
func Encode(event EventName, payload any) ([]byte, error) {
	msg, err := NewMessage(event, payload)
	if err != nil {
		return nil, err
	}
	return msg.Encode()
}

// Encode marshals the envelope.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return data, nil
}

// Decode parses one envelope.
func Decode(data []byte) (*Message, error) {
	if len(data) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrInvalidMessage)
	}
	return &msg, nil
}

// Bind unmarshals Data into v.
func (m *Message) Bind(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrInvalidMessage, m.Event)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidMessage, m.Event, err)
	}
	return nil
}

// EncodeBatch marshals envelopes as a JSON array for long-polling.
func EncodeBatch(msgs []*Message) ([]byte, error) {
	if msgs == nil {
		msgs = []*Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode batch: %w", err)
	}
	return data, nil
}

// DecodeBatch parses a long-polling body. A single envelope object is
// accepted as a batch of one.
func DecodeBatch(data []byte) ([]*Message, error) {
	if len(data) > MaxBatchSize {
		return nil, ErrMessageTooLarge
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		msg, err := Decode(trimmed)
		if err != nil {
			return nil, err
		}
		return []*Message{msg}, nil
	}
	var msgs []*Message
	if err := json.Unmarshal(trimmed, &msgs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	for _, m := range msgs {
		if m == nil || m.Event == "" {
			return nil, fmt.Errorf("%w: missing event", ErrInvalidMessage)
		}
	}
	return msgs, nil
}
