package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/tendril/internal/logging"
	"github.com/aretw0/tendril/pkg/codec"
	"github.com/aretw0/tendril/pkg/domain"
	"github.com/aretw0/tendril/pkg/observability"
	"github.com/aretw0/tendril/pkg/ports"
	"github.com/aretw0/tendril/pkg/registry"
	"github.com/aretw0/tendril/pkg/session"
	"github.com/oklog/ulid/v2"
)

// DefaultSendTimeout bounds the transport calls made from a dispatch pass.
const DefaultSendTimeout = 5 * time.Second

// NewNodeID returns a fresh, sortable node identity.
func NewNodeID() string {
	return ulid.Make().String()
}

// Engine replicates the sessions of a session.Manager over a ports.Transport.
type Engine struct {
	registry  *registry.Registry
	sessions  *session.Manager
	transport ports.Transport
	store     ports.SnapshotStore
	metrics   *observability.Metrics
	logger    *slog.Logger

	nodeID      string
	peerTimeout time.Duration
	sendTimeout time.Duration

	inbox  *inbox
	passMu sync.Mutex

	runMu   sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// Option configures the Engine.
type Option func(*Engine)

// WithTransport sets the network the engine replicates over.
// Without one, sessions are local to the process.
func WithTransport(t ports.Transport) Option {
	return func(e *Engine) {
		e.transport = t
	}
}

// WithSnapshotStore enables best-effort persistence of session tables.
func WithSnapshotStore(s ports.SnapshotStore) Option {
	return func(e *Engine) {
		e.store = s
	}
}

// WithMetrics records engine activity on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLogger configures a logger for the Engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNodeID overrides the local identity. A transport's LocalID takes precedence.
func WithNodeID(id string) Option {
	return func(e *Engine) {
		e.nodeID = id
	}
}

// WithPeerTimeout disconnects peers that were silent for longer than d.
// Zero disables the sweeper.
func WithPeerTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.peerTimeout = d
	}
}

// WithSendTimeout bounds transport sends issued by dispatch passes.
func WithSendTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.sendTimeout = d
	}
}

// NewEngine wires an engine to the sessions of reg. It installs itself as the
// manager's lifecycle hooks and as the transport's handler.
func NewEngine(reg *registry.Registry, sessions *session.Manager, opts ...Option) *Engine {
	e := &Engine{
		registry:    reg,
		sessions:    sessions,
		logger:      logging.NewNop(),
		sendTimeout: DefaultSendTimeout,
		inbox:       newInbox(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.transport != nil {
		e.nodeID = e.transport.LocalID()
	}
	if e.nodeID == "" {
		e.nodeID = NewNodeID()
	}

	sessions.SetHooks(session.Hooks{
		OnOpen:  e.openSession,
		OnClose: e.closeSession,
	})
	if e.transport != nil {
		e.transport.SetHandler(e)
	}
	return e
}

// NodeID is the origin stamped on local writes.
func (e *Engine) NodeID() string { return e.nodeID }

// Delivery carries the local notification of a committed write.
// Notify must be called after the caller released its own locks.
type Delivery struct {
	rec   *session.Record
	event domain.ChangeEvent
}

// Event is the change event the delivery will dispatch.
func (d Delivery) Event() domain.ChangeEvent { return d.event }

// Notify runs the session's change callbacks and returns how many ran.
func (d Delivery) Notify() int {
	if d.rec == nil || len(d.event.Keys) == 0 {
		return 0
	}
	return d.rec.Observers().Dispatch(d.event)
}

// Join attaches h to sessionID and seeds the session with the object's local
// fields. Joining the session h is already in does nothing.
func (e *Engine) Join(ctx context.Context, h registry.Handle, sessionID string) (Delivery, error) {
	obj, ok := e.registry.Lookup(h)
	if !ok {
		return Delivery{}, fmt.Errorf("replication: unknown handle %d", h)
	}
	_, joined, err := e.sessions.Join(ctx, h, sessionID)
	if err != nil || !joined {
		return Delivery{}, err
	}

	seed := obj.Changes()
	if len(seed) == 0 {
		return Delivery{}, nil
	}
	d, err := e.write(ctx, h, seed)
	if err != nil {
		if leaveErr := e.sessions.Leave(ctx, h); leaveErr != nil {
			e.logger.Warn("Failed to leave session after seeding error", "session_id", sessionID, "error", leaveErr)
		}
		return Delivery{}, err
	}
	return d, nil
}

// Leave detaches h from its session.
func (e *Engine) Leave(ctx context.Context, h registry.Handle) error {
	return e.sessions.Leave(ctx, h)
}

// Write commits values to the session h is joined to and forwards them to the
// session's peers. The batch is rejected as a whole if it exceeds the size limit.
func (e *Engine) Write(ctx context.Context, h registry.Handle, values map[string]domain.EncodedValue, order []string) (Delivery, error) {
	changes := make([]domain.Change, 0, len(order))
	for _, k := range order {
		changes = append(changes, domain.Change{Key: k, Field: domain.Field{Value: values[k]}})
	}
	return e.write(ctx, h, changes)
}

func (e *Engine) write(ctx context.Context, h registry.Handle, changes []domain.Change) (Delivery, error) {
	var (
		rec     *session.Record
		msg     *domain.Message
		peers   []string
		snap    *domain.Snapshot
		keys    []string
		stamped = make([]domain.Change, 0, len(changes))
	)
	err := e.sessions.WithHandle(h, func(r *session.Record) error {
		table := r.Fields()
		next := make(map[string]uint64, len(changes))
		for _, c := range changes {
			ts, ok := next[c.Key]
			if !ok {
				prev, _ := table.Get(c.Key)
				ts = prev.Timestamp
			}
			ts = domain.NextTimestamp(ts)
			next[c.Key] = ts
			stamped = append(stamped, domain.Change{
				Key:   c.Key,
				Field: domain.Field{Value: c.Field.Value, Timestamp: ts, Origin: e.nodeID},
			})
		}
		if err := table.Apply(stamped); err != nil {
			return err
		}

		rec = r
		msg = &domain.Message{Kind: domain.KindChange, SessionID: r.ID, Origin: e.nodeID, Changes: stamped}
		peers = r.Peers().Peers()
		if e.store != nil {
			snap = table.Snapshot(r.ID)
		}
		return nil
	})
	if err != nil {
		return Delivery{}, err
	}

	seen := make(map[string]bool, len(stamped))
	for _, c := range stamped {
		if !seen[c.Key] {
			seen[c.Key] = true
			keys = append(keys, c.Key)
		}
	}

	e.send(ctx, msg, peers)
	if snap != nil {
		e.save(ctx, snap)
	}
	return Delivery{rec: rec, event: domain.ChangeEvent{SessionID: rec.ID, Origin: e.nodeID, Keys: keys}}, nil
}

func (e *Engine) send(ctx context.Context, msg *domain.Message, peers []string) {
	if e.transport == nil || len(peers) == 0 {
		e.metrics.NotDelivered()
		e.logger.Debug("No peers to deliver to", "session_id", msg.SessionID, "kind", msg.Kind)
		return
	}
	payload, err := msg.Marshal()
	if err != nil {
		e.logger.Error("Failed to encode message", "session_id", msg.SessionID, "error", err)
		return
	}
	if err := e.transport.Send(ctx, msg.SessionID, peers, payload); err != nil {
		e.metrics.NotDelivered()
		if errors.Is(err, domain.ErrTransportUnavailable) {
			e.logger.Debug("Transport unavailable", "session_id", msg.SessionID, "error", err)
		} else {
			e.logger.Warn("Failed to send message", "session_id", msg.SessionID, "peers", len(peers), "error", err)
		}
		return
	}
	e.metrics.Sent(len(msg.Changes))
}

func (e *Engine) save(ctx context.Context, snap *domain.Snapshot) {
	if err := e.store.Save(ctx, snap.SessionID, snap); err != nil {
		e.logger.Warn("Failed to save snapshot", "session_id", snap.SessionID, "error", err)
	}
}

// Get reads a field of the session h is joined to.
func (e *Engine) Get(h registry.Handle, key string) (any, error) {
	f, err := e.Field(h, key)
	if err != nil {
		return nil, err
	}
	return codec.Decode(f.Value)
}

// Field returns the raw session field for key.
func (e *Engine) Field(h registry.Handle, key string) (domain.Field, error) {
	var (
		f  domain.Field
		ok bool
	)
	err := e.sessions.WithHandle(h, func(r *session.Record) error {
		f, ok = r.Fields().Get(key)
		return nil
	})
	if err != nil {
		return domain.Field{}, err
	}
	if !ok {
		return domain.Field{}, fmt.Errorf("%w: %q", domain.ErrUnknownKey, key)
	}
	return f, nil
}

// Keys enumerates the object's declared keys followed by every session key.
func (e *Engine) Keys(h registry.Handle) ([]string, error) {
	obj, ok := e.registry.Lookup(h)
	if !ok {
		return nil, fmt.Errorf("replication: unknown handle %d", h)
	}
	var keys []string
	err := e.sessions.WithHandle(h, func(r *session.Record) error {
		keys = r.Fields().Keys()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return registry.MergeKeys(obj.Declared(), keys), nil
}

// HandleMessage queues an inbound payload. Implements ports.Handler.
func (e *Engine) HandleMessage(from string, payload []byte) {
	e.inbox.push(item{kind: itemMessage, from: from, payload: payload})
}

// HandlePeerConnected queues a connectivity change. Implements ports.Handler.
func (e *Engine) HandlePeerConnected(sessionID, peerID string) {
	e.inbox.push(item{kind: itemPeerConnected, from: peerID, sessionID: sessionID})
}

// HandlePeerDisconnected queues a connectivity change. Implements ports.Handler.
func (e *Engine) HandlePeerDisconnected(sessionID, peerID string) {
	e.inbox.push(item{kind: itemPeerDisconnected, from: peerID, sessionID: sessionID})
}

// Pending is the number of queued inbound items.
func (e *Engine) Pending() int {
	return e.inbox.len()
}

// Drain runs one dispatch pass over everything queued and returns the number
// of callbacks invoked.
func (e *Engine) Drain() int {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	items := e.inbox.drain()
	if len(items) == 0 {
		return 0
	}
	b := newBatch()
	for _, it := range items {
		switch it.kind {
		case itemMessage:
			e.applyRemote(it.from, it.payload, b)
		case itemPeerConnected:
			e.peerConnected(it.sessionID, it.from, b)
		case itemPeerDisconnected:
			e.peerDisconnected(it.sessionID, it.from, b)
		}
	}
	return e.finish(b)
}

// Sweep disconnects peers that were silent for longer than the peer timeout
// and returns the number of callbacks invoked.
func (e *Engine) Sweep() int {
	if e.peerTimeout <= 0 {
		return 0
	}
	e.passMu.Lock()
	defer e.passMu.Unlock()

	b := newBatch()
	for _, rec := range e.sessions.Records() {
		err := e.sessions.WithRecord(rec.ID, func(r *session.Record) error {
			for _, peerID := range r.Peers().Expire(e.peerTimeout) {
				e.logger.Info("Peer timed out", "session_id", r.ID, "peer_id", peerID)
				e.metrics.PeerEvent(string(domain.PeerDisconnected))
				b.status(r, peerID, domain.PeerDisconnected)
			}
			return nil
		})
		if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			e.logger.Warn("Failed to sweep session", "session_id", rec.ID, "error", err)
		}
	}
	return e.finish(b)
}

func (e *Engine) finish(b *batch) int {
	if e.store != nil && len(b.order) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), e.sendTimeout)
		for _, id := range b.order {
			e.save(ctx, b.snapshots[id])
		}
		cancel()
	}
	return b.dispatch()
}

func (e *Engine) applyRemote(from string, payload []byte, b *batch) {
	msg, err := domain.UnmarshalMessage(payload)
	if err != nil {
		e.metrics.Dropped(observability.DropMalformed)
		e.logger.Warn("Discarding malformed message", "from", from, "error", err)
		return
	}
	origin := msg.Origin
	if origin == "" {
		origin = from
	}

	err = e.sessions.WithRecord(msg.SessionID, func(r *session.Record) error {
		if r.Peers().Contains(from) {
			r.Peers().Touch(from)
		}
		table := r.Fields()

		best := make(map[string]domain.Field, len(msg.Changes))
		var order []string
		rejected := 0
		for _, c := range msg.Changes {
			if err := checkField(c.Field); err != nil {
				e.metrics.Dropped(observability.DropMalformed)
				e.logger.Warn("Discarding malformed change", "session_id", msg.SessionID, "from", from, "key", c.Key, "error", err)
				continue
			}
			candidate := c.Field
			if candidate.Origin == "" {
				candidate.Origin = origin
			}
			if prev, ok := best[c.Key]; ok {
				if candidate.Newer(prev) {
					best[c.Key] = candidate
				}
				continue
			}
			if stored, ok := table.Get(c.Key); ok && !candidate.Newer(stored) {
				rejected++
				continue
			}
			best[c.Key] = candidate
			order = append(order, c.Key)
		}

		accepted := make([]domain.Change, 0, len(order))
		for _, k := range order {
			accepted = append(accepted, domain.Change{Key: k, Field: best[k]})
		}
		if err := table.Apply(accepted); err != nil {
			return err
		}
		e.metrics.Applied(len(accepted))
		e.metrics.Rejected(rejected)
		if len(accepted) == 0 {
			return nil
		}

		b.changed(r, origin, order)
		if e.store != nil {
			b.persist(table.Snapshot(r.ID))
		}
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrSessionNotFound):
		e.metrics.Dropped(observability.DropUnknownSession)
		e.logger.Debug("Discarding message for unknown session", "session_id", msg.SessionID, "from", from)
	case errors.Is(err, domain.ErrSizeLimitExceeded):
		e.metrics.Dropped(observability.DropSizeLimit)
		e.logger.Warn("Discarding message over size limit", "session_id", msg.SessionID, "from", from, "error", err)
	default:
		e.logger.Warn("Failed to apply message", "session_id", msg.SessionID, "from", from, "error", err)
	}
}

// errTimestampExhausted marks a field no later write could ever replace.
var errTimestampExhausted = errors.New("replication: timestamp exhausted")

// checkField rejects values that would poison the session table.
func checkField(f domain.Field) error {
	if f.Timestamp == domain.MaxTimestamp {
		return errTimestampExhausted
	}
	return codec.Validate(f.Value)
}

func (e *Engine) peerConnected(sessionID, peerID string, b *batch) {
	if peerID == e.nodeID {
		return
	}
	var full *domain.Message
	err := e.sessions.WithRecord(sessionID, func(r *session.Record) error {
		if !r.Peers().Connect(peerID) {
			return nil
		}
		b.status(r, peerID, domain.PeerConnected)

		table := r.Fields()
		keys := table.Keys()
		if len(keys) == 0 {
			return nil
		}
		full = &domain.Message{Kind: domain.KindSync, SessionID: r.ID, Origin: e.nodeID}
		for _, k := range keys {
			f, _ := table.Get(k)
			full.Changes = append(full.Changes, domain.Change{Key: k, Field: f})
		}
		return nil
	})
	if err != nil {
		e.logger.Debug("Ignoring peer of unknown session", "session_id", sessionID, "peer_id", peerID)
		return
	}
	e.logger.Info("Peer connected", "session_id", sessionID, "peer_id", peerID)
	e.metrics.PeerEvent(string(domain.PeerConnected))

	if full != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.sendTimeout)
		e.send(ctx, full, []string{peerID})
		cancel()
	}
}

func (e *Engine) peerDisconnected(sessionID, peerID string, b *batch) {
	gone := false
	err := e.sessions.WithRecord(sessionID, func(r *session.Record) error {
		if r.Peers().Disconnect(peerID) {
			gone = true
			b.status(r, peerID, domain.PeerDisconnected)
		}
		return nil
	})
	if err != nil || !gone {
		return
	}
	e.logger.Info("Peer disconnected", "session_id", sessionID, "peer_id", peerID)
	e.metrics.PeerEvent(string(domain.PeerDisconnected))
}

func (e *Engine) openSession(ctx context.Context, rec *session.Record) error {
	if e.store != nil {
		snap, err := e.store.Load(ctx, rec.ID)
		switch {
		case err == nil:
			snap = snap.Clone()
			for k, f := range snap.Fields {
				if err := checkField(f); err != nil {
					e.logger.Warn("Skipping malformed snapshot field", "session_id", rec.ID, "key", k, "error", err)
					delete(snap.Fields, k)
				}
			}
			_ = e.sessions.WithRecord(rec.ID, func(r *session.Record) error {
				r.Fields().Restore(snap)
				return nil
			})
			e.logger.Debug("Hydrated session from snapshot", "session_id", rec.ID, "fields", len(snap.Fields))
		case errors.Is(err, domain.ErrSnapshotNotFound):
		default:
			e.logger.Warn("Failed to load snapshot", "session_id", rec.ID, "error", err)
		}
	}

	if e.transport != nil {
		if err := e.transport.Join(ctx, rec.ID); err != nil {
			e.logger.Warn("Failed to join transport, session stays local", "session_id", rec.ID, "error", err)
		}
	}
	e.metrics.SessionOpened()
	e.logger.Info("Session opened", "session_id", rec.ID, "node_id", e.nodeID)
	return nil
}

func (e *Engine) closeSession(ctx context.Context, rec *session.Record) {
	if e.transport != nil {
		if err := e.transport.Leave(ctx, rec.ID); err != nil {
			e.logger.Warn("Failed to leave transport", "session_id", rec.ID, "error", err)
		}
	}
	if e.store != nil {
		// The record is closed, so its table can no longer change.
		e.save(ctx, rec.Fields().Snapshot(rec.ID))
	}
	e.metrics.SessionClosed()
	e.logger.Info("Session closed", "session_id", rec.ID)
}

// Start runs the dispatch pump, and the peer sweeper when a timeout is set,
// until ctx is done or Close is called.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)

	e.running.Add(1)
	go func() {
		defer e.running.Done()
		e.run(ctx)
	}()
}

func (e *Engine) run(ctx context.Context) {
	var tick <-chan time.Time
	if e.peerTimeout > 0 {
		ticker := time.NewTicker(e.peerTimeout / 2)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.inbox.signal:
			e.Drain()
		case <-tick:
			e.Sweep()
		}
	}
}

// Close stops the pump, leaves every session and closes the transport.
func (e *Engine) Close(ctx context.Context) error {
	e.runMu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.runMu.Unlock()
	e.running.Wait()

	var errs []error
	if err := e.sessions.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.transport != nil {
		if err := e.transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
