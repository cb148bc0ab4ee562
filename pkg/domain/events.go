package domain

// EventType selects which observer list a callback belongs to.
type EventType string

const (
	EventChange EventType = "change"
	EventStatus EventType = "status"
)

// PeerState is the connectivity state carried by a StatusEvent.
type PeerState string

const (
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
)

// Event is implemented by ChangeEvent and StatusEvent.
type Event interface {
	Type() EventType
	Session() string
}

// ChangeEvent reports the fields of a session that changed in one dispatch pass.
// Keys are ordered by first mutation and never repeated.
type ChangeEvent struct {
	SessionID string   `json:"session_id"`
	Origin    string   `json:"origin"`
	Keys      []string `json:"keys"`
}

func (e ChangeEvent) Type() EventType { return EventChange }
func (e ChangeEvent) Session() string { return e.SessionID }

// StatusEvent reports a peer connectivity transition for a session.
type StatusEvent struct {
	SessionID string    `json:"session_id"`
	PeerID    string    `json:"peer_id"`
	State     PeerState `json:"state"`
}

func (e StatusEvent) Type() EventType { return EventStatus }
func (e StatusEvent) Session() string { return e.SessionID }
