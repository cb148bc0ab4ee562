package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aretw0/tendril/pkg/codec"
	"github.com/aretw0/tendril/pkg/domain"
)

// Handle is the opaque process-local identity of an object.
type Handle uint64

// Registry manages the live objects of a process.
type Registry struct {
	mu      sync.RWMutex
	objects map[Handle]*Object
	next    Handle
	limit   int
}

// Option configures the Registry.
type Option func(*Registry)

// WithSizeLimit sets the per-object aggregate ceiling in bytes.
func WithSizeLimit(limit int) Option {
	return func(r *Registry) {
		r.limit = limit
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		objects: make(map[Handle]*Object),
		limit:   domain.DefaultSizeLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Limit returns the per-object size ceiling.
func (r *Registry) Limit() int {
	return r.limit
}

// Create registers a new unjoined object seeded with fields.
// Nil values are undefined: their keys are declared but hold no value.
func (r *Registry) Create(fields map[string]any) (*Object, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == "" {
			return nil, fmt.Errorf("registry: empty field key")
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	local := NewTable(r.limit)
	var changes []domain.Change
	for _, k := range keys {
		v := fields[k]
		if v == nil {
			continue
		}
		enc, err := codec.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("registry: field %q: %w", k, err)
		}
		changes = append(changes, domain.Change{Key: k, Field: domain.Field{Value: enc, Timestamp: 1}})
	}
	if err := local.Apply(changes); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	obj := &Object{
		handle:   r.next,
		declared: keys,
		local:    local,
	}
	r.objects[obj.handle] = obj
	return obj, nil
}

// Lookup returns the object registered under h.
func (r *Registry) Lookup(h Handle) (*Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[h]
	return obj, ok
}

// Destroy removes the object from the registry.
func (r *Registry) Destroy(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objects, h)
}

// Len is the number of live objects.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}

// Handles lists every live handle in creation order.
func (r *Registry) Handles() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, len(r.objects))
	for h := range r.objects {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
