package domain

import (
	"sort"
	"time"
)

// Snapshot is the committed field state of a session.
type Snapshot struct {
	SessionID string           `json:"session_id"`
	Fields    map[string]Field `json:"fields"`
	Order     []string         `json:"order"`
	SavedAt   time.Time        `json:"saved_at"`
}

// Clone returns a deep copy so stores never share maps with callers.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		SessionID: s.SessionID,
		Fields:    make(map[string]Field, len(s.Fields)),
		Order:     append([]string(nil), s.Order...),
		SavedAt:   s.SavedAt,
	}
	for k, v := range s.Fields {
		out.Fields[k] = v
	}
	return out
}

// Keys returns the snapshot keys in insertion order, including any field
// missing from Order (older snapshots).
func (s *Snapshot) Keys() []string {
	seen := make(map[string]bool, len(s.Fields))
	keys := make([]string, 0, len(s.Fields))
	for _, k := range s.Order {
		if _, ok := s.Fields[k]; ok && !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	var rest []string
	for k := range s.Fields {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}
