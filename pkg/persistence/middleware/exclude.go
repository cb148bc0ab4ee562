package middleware

import (
	"context"
	"regexp"

	"github.com/aretw0/tendril/pkg/domain"
	"github.com/aretw0/tendril/pkg/ports"
)

type excludeMiddleware struct {
	next     ports.SnapshotStore
	patterns []*regexp.Regexp
}

// NewExcludeMiddleware creates a middleware that keeps fields whose key matches
// any of the patterns out of persisted snapshots. Excluded fields stay live in
// the session; they are just not restored after a restart.
func NewExcludeMiddleware(patternStrings []string) Middleware {
	patterns := make([]*regexp.Regexp, len(patternStrings))
	for i, p := range patternStrings {
		patterns[i] = regexp.MustCompile(p)
	}
	return func(next ports.SnapshotStore) ports.SnapshotStore {
		return &excludeMiddleware{next: next, patterns: patterns}
	}
}

func (m *excludeMiddleware) excluded(key string) bool {
	for _, p := range m.patterns {
		if p.MatchString(key) {
			return true
		}
	}
	return false
}

func (m *excludeMiddleware) Save(ctx context.Context, sessionID string, snap *domain.Snapshot) error {
	// Clone so the caller's snapshot is never modified.
	cloned := snap.Clone()
	order := cloned.Order[:0]
	for _, k := range cloned.Order {
		if !m.excluded(k) {
			order = append(order, k)
		}
	}
	cloned.Order = order
	for k := range cloned.Fields {
		if m.excluded(k) {
			delete(cloned.Fields, k)
		}
	}
	return m.next.Save(ctx, sessionID, cloned)
}

func (m *excludeMiddleware) Load(ctx context.Context, sessionID string) (*domain.Snapshot, error) {
	return m.next.Load(ctx, sessionID)
}

func (m *excludeMiddleware) Delete(ctx context.Context, sessionID string) error {
	return m.next.Delete(ctx, sessionID)
}

func (m *excludeMiddleware) List(ctx context.Context) ([]string, error) {
	return m.next.List(ctx)
}
