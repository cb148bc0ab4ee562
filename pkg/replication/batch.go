package replication

import (
	"github.com/aretw0/tendril/pkg/domain"
	"github.com/aretw0/tendril/pkg/session"
)

type changeKey struct {
	sessionID string
	origin    string
}

type slot struct {
	rec    *session.Record
	change *domain.ChangeEvent
	seen   map[string]bool
	status *domain.StatusEvent
}

// batch collects the notifications of one dispatch pass.
// Change events are coalesced per (session, origin) and keep the position of
// their first mutation relative to status events.
type batch struct {
	slots     []*slot
	changes   map[changeKey]*slot
	snapshots map[string]*domain.Snapshot
	order     []string
}

func newBatch() *batch {
	return &batch{
		changes:   make(map[changeKey]*slot),
		snapshots: make(map[string]*domain.Snapshot),
	}
}

func (b *batch) changed(rec *session.Record, origin string, keys []string) {
	if len(keys) == 0 {
		return
	}
	k := changeKey{sessionID: rec.ID, origin: origin}
	s, ok := b.changes[k]
	if !ok {
		s = &slot{
			rec:    rec,
			change: &domain.ChangeEvent{SessionID: rec.ID, Origin: origin},
			seen:   make(map[string]bool),
		}
		b.changes[k] = s
		b.slots = append(b.slots, s)
	}
	for _, key := range keys {
		if !s.seen[key] {
			s.seen[key] = true
			s.change.Keys = append(s.change.Keys, key)
		}
	}
}

func (b *batch) status(rec *session.Record, peerID string, state domain.PeerState) {
	b.slots = append(b.slots, &slot{
		rec:    rec,
		status: &domain.StatusEvent{SessionID: rec.ID, PeerID: peerID, State: state},
	})
}

// persist keeps the latest snapshot of a session for saving after the pass.
func (b *batch) persist(snap *domain.Snapshot) {
	if _, ok := b.snapshots[snap.SessionID]; !ok {
		b.order = append(b.order, snap.SessionID)
	}
	b.snapshots[snap.SessionID] = snap
}

func (b *batch) dispatch() int {
	delivered := 0
	for _, s := range b.slots {
		if s.change != nil {
			delivered += s.rec.Observers().Dispatch(*s.change)
		} else {
			delivered += s.rec.Observers().Dispatch(*s.status)
		}
	}
	return delivered
}
