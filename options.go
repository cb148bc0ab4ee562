package tendril

import (
	"log/slog"
	"time"

	"github.com/aretw0/tendril/pkg/observability"
	"github.com/aretw0/tendril/pkg/ports"
)

// Option defines a functional option for configuring the Store.
type Option func(*Store)

// WithTransport sets the network objects replicate over.
// Without one, sessions only span the objects of this Store.
func WithTransport(t ports.Transport) Option {
	return func(s *Store) {
		s.transport = t
	}
}

// WithSnapshotStore persists session tables so a session survives restarts.
func WithSnapshotStore(store ports.SnapshotStore) Option {
	return func(s *Store) {
		s.snapshots = store
	}
}

// WithLogger sets a custom structured logger for the store and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithMetrics records replication activity on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithSizeLimit sets the ceiling, in bytes, of an object's encoded fields.
func WithSizeLimit(limit int) Option {
	return func(s *Store) {
		s.sizeLimit = limit
	}
}

// WithNodeID sets the origin stamped on local writes.
// It is ignored when a transport is configured, which brings its own identity.
func WithNodeID(id string) Option {
	return func(s *Store) {
		s.nodeID = id
	}
}

// WithPeerTimeout reports peers as disconnected after d of silence.
func WithPeerTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.peerTimeout = d
	}
}

// WithManualDispatch disables the background dispatch goroutine. Remote
// traffic is then applied only when Drain is called.
func WithManualDispatch() Option {
	return func(s *Store) {
		s.manual = true
	}
}
