package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/tendril/internal/logging"
	"github.com/aretw0/tendril/pkg/domain"
	"github.com/aretw0/tendril/pkg/ports"
	backend "github.com/redis/go-redis/v9"
)

const (
	defaultChannelPrefix = "tendril:"
	defaultHeartbeat     = 5 * time.Second
)

type envelopeKind string

const (
	kindHello     envelopeKind = "hello"
	kindWelcome   envelopeKind = "welcome"
	kindHeartbeat envelopeKind = "heartbeat"
	kindBye       envelopeKind = "bye"
	kindData      envelopeKind = "data"
)

// envelope is what travels on a session channel.
type envelope struct {
	Kind    envelopeKind `json:"kind"`
	From    string       `json:"from"`
	To      []string     `json:"to,omitempty"`
	Payload []byte       `json:"payload,omitempty"`
}

func (e envelope) addressedTo(id string) bool {
	return len(e.To) == 0 || slices.Contains(e.To, id)
}

// Transport implements ports.Transport over Redis pub/sub.
// Each session maps to one channel; peers discover each other with
// hello/welcome announcements and stay visible through heartbeats.
type Transport struct {
	client    *backend.Client
	id        string
	prefix    string
	heartbeat time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	handler ports.Handler
	subs    map[string]*backend.PubSub
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ ports.Transport = (*Transport)(nil)

// TransportOption configures the Transport.
type TransportOption func(*Transport)

// WithChannelPrefix sets the prefix of session channels.
func WithChannelPrefix(prefix string) TransportOption {
	return func(t *Transport) {
		t.prefix = prefix
	}
}

// WithHeartbeat sets how often the node re-announces itself. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) TransportOption {
	return func(t *Transport) {
		t.heartbeat = d
	}
}

// WithTransportLogger configures a logger for the Transport.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates a pub/sub transport for node id.
func NewTransport(client *backend.Client, id string, opts ...TransportOption) *Transport {
	t := &Transport{
		client:    client,
		id:        id,
		prefix:    defaultChannelPrefix,
		heartbeat: defaultHeartbeat,
		logger:    logging.NewNop(),
		subs:      make(map[string]*backend.PubSub),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	if t.heartbeat > 0 {
		t.wg.Add(1)
		go t.beat()
	}
	return t
}

func (t *Transport) LocalID() string { return t.id }

func (t *Transport) SetHandler(h ports.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *Transport) currentHandler() ports.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

func (t *Transport) channel(sessionID string) string {
	return t.prefix + "session:" + sessionID
}

func (t *Transport) sessionOf(channel string) string {
	return strings.TrimPrefix(channel, t.prefix+"session:")
}

func (t *Transport) publish(ctx context.Context, sessionID string, env envelope) error {
	env.From = t.id
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := t.client.Publish(ctx, t.channel(sessionID), data).Err(); err != nil {
		return fmt.Errorf("%w: publish: %v", domain.ErrTransportUnavailable, err)
	}
	return nil
}

// Join subscribes to the session channel and announces the node.
func (t *Transport) Join(ctx context.Context, sessionID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("%w: transport closed", domain.ErrTransportUnavailable)
	}
	if _, ok := t.subs[sessionID]; ok {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	pubsub := t.client.Subscribe(ctx, t.channel(sessionID))
	// Wait for confirmation so the hello below cannot outrun our own subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("%w: subscribe: %v", domain.ErrTransportUnavailable, err)
	}

	t.mu.Lock()
	t.subs[sessionID] = pubsub
	t.mu.Unlock()

	t.wg.Add(1)
	go t.read(sessionID, pubsub)

	t.logger.Debug("Joined channel", "session_id", sessionID, "channel", t.channel(sessionID))
	return t.publish(ctx, sessionID, envelope{Kind: kindHello})
}

// Leave says goodbye and unsubscribes.
func (t *Transport) Leave(ctx context.Context, sessionID string) error {
	t.mu.Lock()
	pubsub, ok := t.subs[sessionID]
	delete(t.subs, sessionID)
	t.mu.Unlock()
	if !ok {
		return nil
	}

	err := t.publish(ctx, sessionID, envelope{Kind: kindBye})
	return errors.Join(err, pubsub.Close())
}

// Send publishes payload on the session channel addressed to peers.
func (t *Transport) Send(ctx context.Context, sessionID string, peers []string, payload []byte) error {
	if len(peers) == 0 {
		return fmt.Errorf("%w: no peers in %q", domain.ErrTransportUnavailable, sessionID)
	}
	t.mu.Lock()
	_, joined := t.subs[sessionID]
	t.mu.Unlock()
	if !joined {
		return fmt.Errorf("%w: not joined to %q", domain.ErrTransportUnavailable, sessionID)
	}
	return t.publish(ctx, sessionID, envelope{Kind: kindData, To: peers, Payload: payload})
}

func (t *Transport) read(sessionID string, pubsub *backend.PubSub) {
	defer t.wg.Done()
	for msg := range pubsub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			t.logger.Warn("Discarding malformed envelope", "channel", msg.Channel, "error", err)
			continue
		}
		if env.From == "" || env.From == t.id {
			continue
		}
		t.dispatch(t.sessionOf(msg.Channel), env)
	}
	t.logger.Debug("Channel reader stopped", "session_id", sessionID)
}

func (t *Transport) dispatch(sessionID string, env envelope) {
	h := t.currentHandler()
	if h == nil {
		return
	}
	switch env.Kind {
	case kindHello:
		h.HandlePeerConnected(sessionID, env.From)
		if err := t.publish(t.ctx, sessionID, envelope{Kind: kindWelcome, To: []string{env.From}}); err != nil {
			t.logger.Warn("Failed to welcome peer", "session_id", sessionID, "peer_id", env.From, "error", err)
		}
	case kindWelcome:
		if env.addressedTo(t.id) {
			h.HandlePeerConnected(sessionID, env.From)
		}
	case kindHeartbeat:
		h.HandlePeerConnected(sessionID, env.From)
	case kindBye:
		h.HandlePeerDisconnected(sessionID, env.From)
	case kindData:
		if env.addressedTo(t.id) {
			h.HandleMessage(env.From, env.Payload)
		}
	default:
		t.logger.Debug("Ignoring envelope", "kind", env.Kind, "from", env.From)
	}
}

func (t *Transport) beat() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			sessions := make([]string, 0, len(t.subs))
			for sid := range t.subs {
				sessions = append(sessions, sid)
			}
			t.mu.Unlock()
			for _, sid := range sessions {
				if err := t.publish(t.ctx, sid, envelope{Kind: kindHeartbeat}); err != nil {
					t.logger.Warn("Failed to publish heartbeat", "session_id", sid, "error", err)
				}
			}
		}
	}
}

// Close leaves every session and stops background work. The client is not closed.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sessions := make([]string, 0, len(t.subs))
	for sid := range t.subs {
		sessions = append(sessions, sid)
	}
	t.mu.Unlock()

	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, sid := range sessions {
		if err := t.Leave(ctx, sid); err != nil {
			errs = append(errs, err)
		}
	}
	t.cancel()
	t.wg.Wait()
	return errors.Join(errs...)
}
