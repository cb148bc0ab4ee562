package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/tendril/internal/logging"
	"github.com/aretw0/tendril/pkg/domain"
	"github.com/aretw0/tendril/pkg/ports"
	backend "github.com/gorilla/websocket"
)

// Transport implements ports.Transport as a client of a Relay.
type Transport struct {
	id     string
	conn   *backend.Conn
	logger *slog.Logger

	writeMu sync.Mutex // serialises all conn writes

	mu      sync.Mutex
	handler ports.Handler
	joined  map[string]bool
	peers   map[string]map[string]bool
	closed  bool

	done chan struct{}
}

var _ ports.Transport = (*Transport)(nil)

// TransportOption configures the Transport.
type TransportOption func(*Transport)

// WithTransportLogger configures a logger for the Transport.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// Dial connects node id to the relay at rawURL (ws:// or wss://).
func Dial(ctx context.Context, rawURL, id string, opts ...TransportOption) (*Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("node", id)
	u.RawQuery = q.Encode()

	conn, _, err := backend.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrTransportUnavailable, u.Host, err)
	}

	t := &Transport{
		id:     id,
		conn:   conn,
		logger: logging.NewNop(),
		joined: make(map[string]bool),
		peers:  make(map[string]map[string]bool),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.readPump()
	return t, nil
}

func (t *Transport) LocalID() string { return t.id }

func (t *Transport) SetHandler(h ports.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *Transport) write(f Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := t.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	return nil
}

func (t *Transport) usable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("%w: connection closed", domain.ErrTransportUnavailable)
	}
	return nil
}

func (t *Transport) Join(ctx context.Context, sessionID string) error {
	if err := t.usable(); err != nil {
		return err
	}
	t.mu.Lock()
	t.joined[sessionID] = true
	t.mu.Unlock()
	return t.write(Frame{Type: FrameJoin, Session: sessionID})
}

func (t *Transport) Leave(ctx context.Context, sessionID string) error {
	t.mu.Lock()
	delete(t.joined, sessionID)
	delete(t.peers, sessionID)
	t.mu.Unlock()
	if err := t.usable(); err != nil {
		return nil
	}
	return t.write(Frame{Type: FrameLeave, Session: sessionID})
}

func (t *Transport) Send(ctx context.Context, sessionID string, peers []string, payload []byte) error {
	if len(peers) == 0 {
		return fmt.Errorf("%w: no peers in %q", domain.ErrTransportUnavailable, sessionID)
	}
	if err := t.usable(); err != nil {
		return err
	}
	return t.write(Frame{Type: FrameData, Session: sessionID, To: peers, Payload: payload})
}

func (t *Transport) readPump() {
	defer close(t.done)
	for {
		var f Frame
		if err := t.conn.ReadJSON(&f); err != nil {
			t.lost(err)
			return
		}
		t.dispatch(f)
	}
}

func (t *Transport) dispatch(f Frame) {
	t.mu.Lock()
	h := t.handler
	joined := t.joined[f.Session]
	if joined {
		switch f.Type {
		case FramePeerUp:
			if t.peers[f.Session] == nil {
				t.peers[f.Session] = make(map[string]bool)
			}
			t.peers[f.Session][f.From] = true
		case FramePeerDown:
			delete(t.peers[f.Session], f.From)
		}
	}
	t.mu.Unlock()
	if h == nil || !joined {
		return
	}

	switch f.Type {
	case FramePeerUp:
		h.HandlePeerConnected(f.Session, f.From)
	case FramePeerDown:
		h.HandlePeerDisconnected(f.Session, f.From)
	case FrameData:
		h.HandleMessage(f.From, f.Payload)
	default:
		t.logger.Debug("Ignoring unknown frame", "type", f.Type)
	}
}

// lost reports every known peer as gone once the relay connection drops.
func (t *Transport) lost(err error) {
	t.mu.Lock()
	wasClosed := t.closed
	t.closed = true
	h := t.handler
	type pair struct{ session, peer string }
	var gone []pair
	for sid, set := range t.peers {
		for peer := range set {
			gone = append(gone, pair{sid, peer})
		}
	}
	t.peers = make(map[string]map[string]bool)
	t.mu.Unlock()

	sort.Slice(gone, func(i, j int) bool {
		if gone[i].session != gone[j].session {
			return gone[i].session < gone[j].session
		}
		return gone[i].peer < gone[j].peer
	})

	if !wasClosed {
		t.logger.Warn("Relay connection lost", "node", t.id, "error", err)
	}
	if h == nil {
		return
	}
	for _, p := range gone {
		h.HandlePeerDisconnected(p.session, p.peer)
	}
}

// Close leaves every session and closes the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		<-t.done
		return nil
	}
	sessions := make([]string, 0, len(t.joined))
	for sid := range t.joined {
		sessions = append(sessions, sid)
	}
	t.mu.Unlock()

	var errs []error
	for _, sid := range sessions {
		if err := t.Leave(context.Background(), sid); err != nil {
			errs = append(errs, err)
		}
	}

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.writeMu.Lock()
	msg := backend.FormatCloseMessage(backend.CloseNormalClosure, "")
	_ = t.conn.WriteControl(backend.CloseMessage, msg, time.Now().Add(time.Second))
	t.writeMu.Unlock()

	if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, err)
	}
	<-t.done
	return errors.Join(errs...)
}
