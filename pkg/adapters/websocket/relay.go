package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/tendril/internal/logging"
	backend "github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	sendBuffer   = 64
)

type client struct {
	node     string
	conn     *backend.Conn
	send     chan []byte
	sessions map[string]bool
	closed   bool
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(backend.TextMessage, msg); err != nil {
			return
		}
	}
}

// Relay is an http.Handler that routes session traffic between websocket nodes.
// Nodes connect with ?node=<id>; a node reconnecting with the same id replaces
// its previous connection.
type Relay struct {
	upgrader backend.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]*client
	members map[string]map[string]bool
	closed  bool
}

// RelayOption configures the Relay.
type RelayOption func(*Relay)

// WithRelayLogger configures a logger for the Relay.
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithCheckOrigin overrides the origin policy of the upgrader.
func WithCheckOrigin(fn func(r *http.Request) bool) RelayOption {
	return func(r *Relay) {
		r.upgrader.CheckOrigin = fn
	}
}

// NewRelay creates an empty relay.
func NewRelay(opts ...RelayOption) *Relay {
	r := &Relay{
		logger:  logging.NewNop(),
		clients: make(map[string]*client),
		members: make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	node := req.URL.Query().Get("node")
	if node == "" {
		http.Error(w, "missing node query parameter", http.StatusBadRequest)
		return
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("Websocket upgrade failed", "node", node, "error", err)
		return
	}

	c := &client{
		node:     node,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		sessions: make(map[string]bool),
	}
	r.register(c)
	go c.writePump()
	r.logger.Info("Node connected", "node", node, "remote", req.RemoteAddr)

	defer func() {
		r.unregister(c)
		r.logger.Info("Node disconnected", "node", node)
	}()
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		r.handle(c, f)
	}
}

func (r *Relay) register(c *client) {
	r.mu.Lock()
	prev := r.clients[c.node]
	r.clients[c.node] = c
	r.mu.Unlock()

	if prev != nil {
		r.logger.Info("Replacing connection", "node", c.node)
		r.drop(prev)
	}
}

func (r *Relay) unregister(c *client) {
	r.mu.Lock()
	if r.clients[c.node] == c {
		delete(r.clients, c.node)
	}
	r.mu.Unlock()
	r.drop(c)
}

// drop removes c from every session and closes its send queue.
func (r *Relay) drop(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.closed {
		return
	}
	for sid := range c.sessions {
		r.leaveLocked(c, sid)
	}
	c.closed = true
	close(c.send)
}

func (r *Relay) handle(c *client, f Frame) {
	if f.Session == "" {
		r.logger.Debug("Ignoring frame without session", "node", c.node, "type", f.Type)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.closed {
		return
	}

	switch f.Type {
	case FrameJoin:
		set, ok := r.members[f.Session]
		if !ok {
			set = make(map[string]bool)
			r.members[f.Session] = set
		}
		if set[c.node] {
			return
		}
		for node := range set {
			r.sendLocked(node, Frame{Type: FramePeerUp, Session: f.Session, From: c.node})
			r.sendLocked(c.node, Frame{Type: FramePeerUp, Session: f.Session, From: node})
		}
		set[c.node] = true
		c.sessions[f.Session] = true
	case FrameLeave:
		r.leaveLocked(c, f.Session)
	case FrameData:
		set := r.members[f.Session]
		if !set[c.node] {
			return
		}
		for _, node := range f.To {
			if node != c.node && set[node] {
				r.sendLocked(node, Frame{Type: FrameData, Session: f.Session, From: c.node, Payload: f.Payload})
			}
		}
	default:
		r.logger.Debug("Ignoring unknown frame", "node", c.node, "type", f.Type)
	}
}

func (r *Relay) leaveLocked(c *client, sessionID string) {
	set := r.members[sessionID]
	if !set[c.node] {
		return
	}
	delete(set, c.node)
	delete(c.sessions, sessionID)
	if len(set) == 0 {
		delete(r.members, sessionID)
	}
	for node := range set {
		r.sendLocked(node, Frame{Type: FramePeerDown, Session: sessionID, From: c.node})
	}
}

func (r *Relay) sendLocked(node string, f Frame) {
	c, ok := r.clients[node]
	if !ok || c.closed {
		return
	}
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		r.logger.Warn("Dropping frame for slow node", "node", node, "type", f.Type)
	}
}

// Members lists the nodes joined to sessionID.
func (r *Relay) Members(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.members[sessionID]))
	for node := range r.members[sessionID] {
		out = append(out, node)
	}
	sort.Strings(out)
	return out
}

// Nodes lists the connected nodes.
func (r *Relay) Nodes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.clients))
	for node := range r.clients {
		out = append(out, node)
	}
	sort.Strings(out)
	return out
}

// Close disconnects every node and refuses new connections.
func (r *Relay) Close() error {
	r.mu.Lock()
	r.closed = true
	clients := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		r.unregister(c)
	}
	return nil
}
