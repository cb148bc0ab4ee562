package tendril

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/tendril/internal/logging"
	"github.com/aretw0/tendril/pkg/domain"
	"github.com/aretw0/tendril/pkg/observability"
	"github.com/aretw0/tendril/pkg/observer"
	"github.com/aretw0/tendril/pkg/ports"
	"github.com/aretw0/tendril/pkg/registry"
	"github.com/aretw0/tendril/pkg/replication"
	"github.com/aretw0/tendril/pkg/session"
)

// Errors returned by the Store and its objects.
var (
	ErrInvalidSessionID     = domain.ErrInvalidSessionID
	ErrUnknownKey           = domain.ErrUnknownKey
	ErrSizeLimitExceeded    = domain.ErrSizeLimitExceeded
	ErrSessionNotFound      = domain.ErrSessionNotFound
	ErrTransportUnavailable = domain.ErrTransportUnavailable
	ErrStoreClosed          = domain.ErrStoreClosed

	// ErrObjectDestroyed is returned by every operation on a destroyed object.
	ErrObjectDestroyed = errors.New("object destroyed")
)

type (
	Event       = domain.Event
	EventType   = domain.EventType
	ChangeEvent = domain.ChangeEvent
	StatusEvent = domain.StatusEvent
	PeerState   = domain.PeerState
	SessionInfo = replication.SessionInfo
	FieldInfo   = replication.FieldInfo

	// Token identifies a registered callback for Off.
	Token = observer.Token
)

const (
	EventChange      = domain.EventChange
	EventStatus      = domain.EventStatus
	PeerConnected    = domain.PeerConnected
	PeerDisconnected = domain.PeerDisconnected
)

// Store is the entry point of the library. It owns the objects created through
// it and the replication engine that keeps their sessions in sync.
type Store struct {
	transport   ports.Transport
	snapshots   ports.SnapshotStore
	metrics     *observability.Metrics
	logger      *slog.Logger
	sizeLimit   int
	nodeID      string
	peerTimeout time.Duration
	manual      bool

	registry *registry.Registry
	sessions *session.Manager
	engine   *replication.Engine

	mu     sync.Mutex
	closed bool
}

// New creates a Store. Without a transport the store is local to the process.
func New(opts ...Option) (*Store, error) {
	s := &Store{
		logger:    logging.NewNop(),
		sizeLimit: domain.DefaultSizeLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sizeLimit <= 0 {
		return nil, fmt.Errorf("size limit must be positive, got %d", s.sizeLimit)
	}
	if s.peerTimeout < 0 {
		return nil, fmt.Errorf("peer timeout must not be negative, got %s", s.peerTimeout)
	}

	s.registry = registry.New(registry.WithSizeLimit(s.sizeLimit))
	s.sessions = session.NewManager(s.registry, session.WithLogger(s.logger))

	engineOpts := []replication.Option{
		replication.WithLogger(s.logger),
		replication.WithPeerTimeout(s.peerTimeout),
	}
	if s.transport != nil {
		engineOpts = append(engineOpts, replication.WithTransport(s.transport))
	}
	if s.snapshots != nil {
		engineOpts = append(engineOpts, replication.WithSnapshotStore(s.snapshots))
	}
	if s.metrics != nil {
		engineOpts = append(engineOpts, replication.WithMetrics(s.metrics))
	}
	if s.nodeID != "" {
		engineOpts = append(engineOpts, replication.WithNodeID(s.nodeID))
	}
	s.engine = replication.NewEngine(s.registry, s.sessions, engineOpts...)

	if !s.manual {
		s.engine.Start(context.Background())
	}
	s.logger.Debug("Store created", "node_id", s.engine.NodeID(), "size_limit", s.sizeLimit)
	return s, nil
}

// NodeID is the identity this store stamps on its writes.
func (s *Store) NodeID() string {
	return s.engine.NodeID()
}

// GenerateSessionID returns a fresh random session ID.
func (s *Store) GenerateSessionID() string {
	return session.GenerateID()
}

// CreateObject registers a new unjoined object seeded with fields.
// Nil values declare a key without giving it a value.
func (s *Store) CreateObject(fields map[string]any) (*Object, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	obj, err := s.registry.Create(fields)
	if err != nil {
		return nil, err
	}
	return &Object{store: s, obj: obj}, nil
}

// Sessions summarizes every session with at least one local object.
func (s *Store) Sessions() []SessionInfo {
	return s.engine.Sessions()
}

// Session describes one live session including its decoded fields.
func (s *Store) Session(sessionID string) (SessionInfo, error) {
	return s.engine.Session(sessionID)
}

// Observe registers fn for every change and status event of sessionID.
// The returned function removes the registration.
func (s *Store) Observe(sessionID string, fn func(Event)) (func(), error) {
	return s.engine.Observe(sessionID, observer.Callback(fn))
}

// Pending is the number of remote deliveries waiting to be applied.
func (s *Store) Pending() int {
	return s.engine.Pending()
}

// Drain applies every pending remote delivery on the calling goroutine and
// returns the number of observer callbacks it invoked. It is only needed with
// WithManualDispatch.
func (s *Store) Drain() int {
	return s.engine.Drain()
}

// Sweep disconnects peers that exceeded the peer timeout.
func (s *Store) Sweep() int {
	return s.engine.Sweep()
}

// Close leaves every session, stops dispatching and closes the transport.
// Calling Close more than once is a no-op.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.engine.Close(ctx)
	s.logger.Debug("Store closed", "node_id", s.engine.NodeID(), "error", err)
	return err
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
