package tendril

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aretw0/tendril/pkg/codec"
	"github.com/aretw0/tendril/pkg/domain"
	"github.com/aretw0/tendril/pkg/observer"
	"github.com/aretw0/tendril/pkg/registry"
	"github.com/aretw0/tendril/pkg/replication"
)

// Object is a map of named fields that can be shared through a session.
// It is safe for concurrent use.
type Object struct {
	store *Store
	obj   *registry.Object

	mu        sync.Mutex
	destroyed bool
}

// SessionID returns the session the object is joined to, or "".
func (o *Object) SessionID() string {
	return o.obj.SessionID()
}

// SetSessionID joins the object to sessionID, leaving its current session
// first. Joining the current session again does nothing, and an empty ID
// leaves. On join every local field is published to the session one
// timestamp past what the session holds, so local values win.
func (o *Object) SetSessionID(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return ErrObjectDestroyed
	}

	var (
		d   replication.Delivery
		err error
	)
	switch {
	case sessionID == "":
		err = o.store.engine.Leave(ctx, o.obj.Handle())
	case o.store.isClosed():
		err = ErrStoreClosed
	default:
		d, err = o.store.engine.Join(ctx, o.obj.Handle(), sessionID)
	}
	o.mu.Unlock()

	if err != nil {
		return err
	}
	d.Notify()
	return nil
}

// OnChange registers fn for change events of the current session.
// It returns 0 and registers nothing while the object is unjoined.
func (o *Object) OnChange(fn func(ChangeEvent)) Token {
	return o.on(domain.EventChange, func(ev domain.Event) {
		if c, ok := ev.(domain.ChangeEvent); ok {
			fn(c)
		}
	})
}

// OnStatus registers fn for peer status events of the current session.
// It returns 0 and registers nothing while the object is unjoined.
func (o *Object) OnStatus(fn func(StatusEvent)) Token {
	return o.on(domain.EventStatus, func(ev domain.Event) {
		if s, ok := ev.(domain.StatusEvent); ok {
			fn(s)
		}
	})
}

func (o *Object) on(typ EventType, fn observer.Callback) Token {
	rec, ok := o.store.sessions.RecordOf(o.obj.Handle())
	if !ok {
		o.store.logger.Debug("Ignoring callback registration on unjoined object", "type", typ, "handle", o.obj.Handle())
		return 0
	}
	return rec.Observers().Add(typ, fn)
}

// Off removes the callbacks identified by tokens. Without tokens it removes
// every callback of typ registered on the session. It returns how many were
// removed.
func (o *Object) Off(typ EventType, tokens ...Token) int {
	rec, ok := o.store.sessions.RecordOf(o.obj.Handle())
	if !ok {
		return 0
	}
	if len(tokens) == 0 {
		return rec.Observers().RemoveAll(typ)
	}
	n := 0
	for _, t := range tokens {
		if rec.Observers().Remove(typ, t) {
			n++
		}
	}
	return n
}

// Get returns the decoded value of key. Numbers decode to float64 and
// composites to map[string]any or []any.
func (o *Object) Get(key string) (any, error) {
	f, err := o.field(key)
	if err != nil {
		return nil, err
	}
	return codec.Decode(f.Value)
}

// GetInto decodes key into out, which must be a pointer. Composite values map
// onto structs through their json tags.
func (o *Object) GetInto(key string, out any) error {
	f, err := o.field(key)
	if err != nil {
		return err
	}
	return codec.DecodeInto(f.Value, out)
}

func (o *Object) field(key string) (domain.Field, error) {
	if o.isDestroyed() {
		return domain.Field{}, ErrObjectDestroyed
	}
	if o.obj.SessionID() != "" {
		f, err := o.store.engine.Field(o.obj.Handle(), key)
		if !errors.Is(err, domain.ErrSessionNotFound) {
			return f, err
		}
	}
	f, ok := o.obj.Field(key)
	if !ok {
		return domain.Field{}, fmt.Errorf("%w: %q", domain.ErrUnknownKey, key)
	}
	return f, nil
}

// Put writes a single field. See Update.
func (o *Object) Put(ctx context.Context, key string, value any) error {
	return o.Update(ctx, map[string]any{key: value})
}

// Update writes several fields as one batch: either all of them are applied or,
// if the object would exceed its size limit, none. Joined objects publish the
// batch to the session and notify change callbacks with a single event.
func (o *Object) Update(ctx context.Context, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	order := make([]string, 0, len(fields))
	for k := range fields {
		if k == "" {
			return fmt.Errorf("empty field key")
		}
		order = append(order, k)
	}
	sort.Strings(order)

	values := make(map[string]domain.EncodedValue, len(fields))
	for _, k := range order {
		enc, err := codec.Encode(fields[k])
		if err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		values[k] = enc
	}

	o.mu.Lock()
	if o.destroyed {
		o.mu.Unlock()
		return ErrObjectDestroyed
	}
	d, err := o.write(ctx, values, order)
	o.mu.Unlock()

	if err != nil {
		return err
	}
	d.Notify()
	return nil
}

// write must be called with o.mu held.
func (o *Object) write(ctx context.Context, values map[string]domain.EncodedValue, order []string) (replication.Delivery, error) {
	if o.obj.SessionID() != "" {
		d, err := o.store.engine.Write(ctx, o.obj.Handle(), values, order)
		if !errors.Is(err, domain.ErrSessionNotFound) {
			return d, err
		}
		o.store.logger.Debug("Session vanished during write, storing locally", "handle", o.obj.Handle(), "error", err)
	}
	return replication.Delivery{}, o.obj.Put(values, order)
}

// Keys lists the declared keys followed by every key written since, including
// keys written by peers of the current session.
func (o *Object) Keys() []string {
	if o.obj.SessionID() != "" {
		keys, err := o.store.engine.Keys(o.obj.Handle())
		if err == nil {
			return keys
		}
	}
	return o.obj.Keys()
}

// Destroy leaves the current session and releases the object.
// Further operations fail with ErrObjectDestroyed.
func (o *Object) Destroy(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return nil
	}
	o.destroyed = true
	err := o.store.engine.Leave(ctx, o.obj.Handle())
	o.store.registry.Destroy(o.obj.Handle())
	return err
}

func (o *Object) isDestroyed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.destroyed
}
