package websocket

// Frame types exchanged between relay and nodes.
const (
	FrameJoin     = "join"
	FrameLeave    = "leave"
	FrameData     = "data"
	FramePeerUp   = "peer_up"
	FramePeerDown = "peer_down"
)

// Frame is the JSON message carried by every websocket text message.
type Frame struct {
	Type    string   `json:"type"`
	Session string   `json:"session"`
	From    string   `json:"from,omitempty"`
	To      []string `json:"to,omitempty"`
	Payload []byte   `json:"payload,omitempty"`
}
