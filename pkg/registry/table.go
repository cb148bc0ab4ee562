package registry

import (
	"fmt"
	"time"

	"github.com/aretw0/tendril/pkg/domain"
)

// Table is an ordered field store with aggregate size accounting.
// It is not safe for concurrent use; callers hold the owning lock.
type Table struct {
	fields map[string]domain.Field
	order  []string
	size   int
	limit  int
}

// NewTable creates an empty table bounded by limit bytes. A limit <= 0 means unbounded.
func NewTable(limit int) *Table {
	return &Table{
		fields: make(map[string]domain.Field),
		limit:  limit,
	}
}

// Get returns the field stored under key.
func (t *Table) Get(key string) (domain.Field, bool) {
	f, ok := t.fields[key]
	return f, ok
}

// Keys returns every key in insertion order.
func (t *Table) Keys() []string {
	return append([]string(nil), t.order...)
}

// Len is the number of stored keys.
func (t *Table) Len() int { return len(t.fields) }

// Size is the aggregate encoded size in bytes.
func (t *Table) Size() int { return t.size }

// Limit is the configured ceiling in bytes.
func (t *Table) Limit() int { return t.limit }

// Fits reports whether applying changes keeps the table within its limit.
func (t *Table) Fits(changes []domain.Change) error {
	if t.limit <= 0 {
		return nil
	}
	projected := t.size
	pending := make(map[string]int, len(changes))
	for _, c := range changes {
		prev, seen := pending[c.Key]
		if !seen {
			if f, ok := t.fields[c.Key]; ok {
				prev = f.Size(c.Key)
			}
		}
		next := c.Field.Size(c.Key)
		projected += next - prev
		pending[c.Key] = next
	}
	if projected > t.limit {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", domain.ErrSizeLimitExceeded, projected, t.limit)
	}
	return nil
}

// Apply stores every change, or none of them if the batch would exceed the limit.
func (t *Table) Apply(changes []domain.Change) error {
	if err := t.Fits(changes); err != nil {
		return err
	}
	for _, c := range changes {
		t.Set(c.Key, c.Field)
	}
	return nil
}

// Set stores a single field without checking the limit.
func (t *Table) Set(key string, f domain.Field) {
	if prev, ok := t.fields[key]; ok {
		t.size -= prev.Size(key)
	} else {
		t.order = append(t.order, key)
	}
	t.fields[key] = f
	t.size += f.Size(key)
}

// Snapshot copies the table into a domain snapshot.
func (t *Table) Snapshot(sessionID string) *domain.Snapshot {
	snap := &domain.Snapshot{
		SessionID: sessionID,
		Fields:    make(map[string]domain.Field, len(t.fields)),
		Order:     t.Keys(),
		SavedAt:   time.Now().UTC(),
	}
	for k, f := range t.fields {
		snap.Fields[k] = f
	}
	return snap
}

// Restore replaces the table content with the snapshot. The limit is not enforced,
// so a snapshot saved under a larger ceiling is still readable.
func (t *Table) Restore(snap *domain.Snapshot) {
	t.fields = make(map[string]domain.Field, len(snap.Fields))
	t.order = nil
	t.size = 0
	for _, k := range snap.Keys() {
		t.Set(k, snap.Fields[k])
	}
}

// Clone returns an independent copy of the table.
func (t *Table) Clone() *Table {
	out := NewTable(t.limit)
	for _, k := range t.order {
		out.Set(k, t.fields[k])
	}
	return out
}
