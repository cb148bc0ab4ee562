// Package peer tracks which remote peers are reachable for a session.
package peer

import (
	"sort"
	"sync"
	"time"
)

// Tracker is the peer set of one session. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	now      func() time.Time
}

// Option configures the Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates an empty peer set.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect adds the peer. It reports true when the peer was not already known,
// which is when a connected status event is due.
func (t *Tracker) Connect(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, known := t.lastSeen[peerID]
	t.lastSeen[peerID] = t.now()
	return !known
}

// Touch refreshes the peer's liveness. An unknown peer is added, and true is returned.
func (t *Tracker) Touch(peerID string) bool {
	return t.Connect(peerID)
}

// Disconnect removes the peer. It reports whether the peer was known.
func (t *Tracker) Disconnect(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, known := t.lastSeen[peerID]; !known {
		return false
	}
	delete(t.lastSeen, peerID)
	return true
}

// Expire removes every peer not seen within timeout and returns them sorted.
func (t *Tracker) Expire(timeout time.Duration) []string {
	if timeout <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-timeout)
	var gone []string
	for id, seen := range t.lastSeen {
		if seen.Before(cutoff) {
			gone = append(gone, id)
			delete(t.lastSeen, id)
		}
	}
	sort.Strings(gone)
	return gone
}

// Contains reports whether the peer is currently reachable.
func (t *Tracker) Contains(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.lastSeen[peerID]
	return ok
}

// Peers returns the reachable peers, sorted.
func (t *Tracker) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.lastSeen))
	for id := range t.lastSeen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len is the number of reachable peers.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lastSeen)
}

// Reset forgets every peer and returns the ones that were known, sorted.
func (t *Tracker) Reset() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.lastSeen))
	for id := range t.lastSeen {
		out = append(out, id)
	}
	t.lastSeen = make(map[string]time.Time)
	sort.Strings(out)
	return out
}
