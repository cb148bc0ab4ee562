package domain

import (
	"encoding/json"
	"fmt"
)

// MessageKind distinguishes live mutations from full-state syncs.
type MessageKind string

const (
	// KindChange carries a batch of local mutations.
	KindChange MessageKind = "change"
	// KindSync carries every field of a session, sent to a peer that just connected.
	KindSync MessageKind = "sync"
)

// Change is one key of a Message.
type Change struct {
	Key   string `json:"key"`
	Field Field  `json:"field"`
}

// Message is the wire unit exchanged between replication engines.
type Message struct {
	Kind      MessageKind `json:"kind"`
	SessionID string      `json:"session_id"`
	Origin    string      `json:"origin"`
	Changes   []Change    `json:"changes"`
}

// Marshal encodes the message for a transport.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalMessage decodes and validates a transport payload.
func UnmarshalMessage(payload []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.SessionID == "" {
		return nil, fmt.Errorf("%w: missing session id", ErrMalformedMessage)
	}
	switch m.Kind {
	case KindChange, KindSync:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, m.Kind)
	}
	for _, c := range m.Changes {
		if c.Key == "" {
			return nil, fmt.Errorf("%w: empty key", ErrMalformedMessage)
		}
	}
	return &m, nil
}
