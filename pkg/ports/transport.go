package ports

import "context"

// Handler receives inbound traffic from a Transport.
// Implementations must not block: transports call them from their read loops.
type Handler interface {
	// HandleMessage delivers a payload sent by peer from.
	HandleMessage(from string, payload []byte)

	// HandlePeerConnected reports that peerID became reachable within sessionID.
	HandlePeerConnected(sessionID, peerID string)

	// HandlePeerDisconnected reports that peerID left sessionID or became unreachable.
	HandlePeerDisconnected(sessionID, peerID string)
}

// Transport is a best-effort, at-least-once message channel scoped by session.
type Transport interface {
	// LocalID is this node's identity on the network.
	LocalID() string

	// SetHandler installs the receiver of inbound traffic. Must be called before Join.
	SetHandler(h Handler)

	// Join announces the local node in sessionID and starts receiving its traffic.
	Join(ctx context.Context, sessionID string) error

	// Leave stops receiving sessionID traffic and tells the peers.
	Leave(ctx context.Context, sessionID string) error

	// Send hands payload to the given peers of sessionID.
	// Returns domain.ErrTransportUnavailable when peers is empty or the link is down.
	Send(ctx context.Context, sessionID string, peers []string, payload []byte) error

	// Close leaves every session and releases the underlying connection.
	Close() error
}
