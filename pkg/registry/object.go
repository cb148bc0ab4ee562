package registry

import (
	"fmt"
	"sync"

	"github.com/aretw0/tendril/pkg/codec"
	"github.com/aretw0/tendril/pkg/domain"
)

// Object is the local record of a distributed object. While unjoined its fields
// live in a private table; while joined the session table is authoritative and
// the private table is refreshed when the session is left.
type Object struct {
	handle   Handle
	declared []string

	mu        sync.RWMutex
	sessionID string
	local     *Table
}

// Handle returns the object's process-local identity.
func (o *Object) Handle() Handle { return o.handle }

// Declared returns the keys the object was created with, including undefined ones.
func (o *Object) Declared() []string {
	return append([]string(nil), o.declared...)
}

// SessionID returns the active session, or "" while unjoined.
func (o *Object) SessionID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sessionID
}

// Bind records the session the object joined.
func (o *Object) Bind(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessionID = sessionID
}

// Unbind clears the session and adopts the session's last values as local storage.
func (o *Object) Unbind(fields *Table) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessionID = ""
	if fields != nil {
		o.local = fields.Clone()
	}
}

// Changes returns the local fields as a change batch, in insertion order.
func (o *Object) Changes() []domain.Change {
	o.mu.RLock()
	defer o.mu.RUnlock()
	keys := o.local.Keys()
	out := make([]domain.Change, 0, len(keys))
	for _, k := range keys {
		f, _ := o.local.Get(k)
		out = append(out, domain.Change{Key: k, Field: f})
	}
	return out
}

// Get reads a local field.
func (o *Object) Get(key string) (any, error) {
	o.mu.RLock()
	f, ok := o.local.Get(key)
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKey, key)
	}
	return codec.Decode(f.Value)
}

// Field returns the raw local field.
func (o *Object) Field(key string) (domain.Field, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.local.Get(key)
}

// Put writes local fields. Every key's timestamp advances by one; the batch is
// rejected as a whole if it would exceed the size limit.
func (o *Object) Put(values map[string]domain.EncodedValue, order []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	changes := make([]domain.Change, 0, len(order))
	for _, k := range order {
		prev, _ := o.local.Get(k)
		changes = append(changes, domain.Change{
			Key:   k,
			Field: domain.Field{Value: values[k], Timestamp: domain.NextTimestamp(prev.Timestamp)},
		})
	}
	return o.local.Apply(changes)
}

// Keys enumerates declared keys followed by every key written since.
func (o *Object) Keys() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return MergeKeys(o.declared, o.local.Keys())
}

// MergeKeys returns first followed by the keys of second not already present.
func MergeKeys(first, second []string) []string {
	seen := make(map[string]bool, len(first)+len(second))
	out := make([]string, 0, len(first)+len(second))
	for _, list := range [][]string{first, second} {
		for _, k := range list {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}
