package session

import (
	"sync"
	"time"

	"github.com/aretw0/tendril/pkg/observer"
	"github.com/aretw0/tendril/pkg/peer"
	"github.com/aretw0/tendril/pkg/registry"
)

// Record is the process-wide state of one session.
type Record struct {
	ID        string
	CreatedAt time.Time

	observers *observer.Dispatcher
	peers     *peer.Tracker

	// Guarded by Manager.mu.
	handles map[registry.Handle]struct{}

	mu     sync.Mutex
	fields *registry.Table
	closed bool
}

func newRecord(id string, limit int, observers *observer.Dispatcher) *Record {
	return &Record{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		observers: observers,
		peers:     peer.NewTracker(),
		handles:   make(map[registry.Handle]struct{}),
		fields:    registry.NewTable(limit),
	}
}

// Fields is the session's field table. Only valid inside WithRecord/WithHandle.
func (r *Record) Fields() *registry.Table { return r.fields }

// Observers returns the session's callbacks. Safe without the record lock.
func (r *Record) Observers() *observer.Dispatcher { return r.observers }

// Peers returns the session's peer set. Safe without the record lock.
func (r *Record) Peers() *peer.Tracker { return r.peers }
