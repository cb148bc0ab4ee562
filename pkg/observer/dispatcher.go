// Package observer holds the per-session change and status callbacks.
package observer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/tendril/internal/logging"
	"github.com/aretw0/tendril/pkg/domain"
)

// Token identifies one registration so it can be removed later.
type Token uint64

// Callback receives a domain.ChangeEvent or a domain.StatusEvent.
type Callback func(domain.Event)

type subscription struct {
	token Token
	fn    Callback
}

// Dispatcher is a registry of callbacks keyed by event type.
// Safe for concurrent use; callbacks run without the registry lock held.
type Dispatcher struct {
	mu     sync.RWMutex
	next   Token
	subs   map[domain.EventType][]subscription
	logger *slog.Logger
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

// WithLogger configures the logger used to report failing callbacks.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// New creates an empty dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		subs:   make(map[domain.EventType][]subscription),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Add registers fn for events of typ. A nil callback or an unknown type is ignored and yields 0.
func (d *Dispatcher) Add(typ domain.EventType, fn Callback) Token {
	if fn == nil || !validType(typ) {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	d.subs[typ] = append(d.subs[typ], subscription{token: d.next, fn: fn})
	return d.next
}

// Remove unregisters a single callback. It reports whether the token was found.
func (d *Dispatcher) Remove(typ domain.EventType, token Token) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.subs[typ]
	for i, s := range list {
		if s.token == token {
			d.subs[typ] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveAll unregisters every callback of typ and returns how many were removed.
func (d *Dispatcher) RemoveAll(typ domain.EventType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.subs[typ])
	delete(d.subs, typ)
	return n
}

// Clear drops every registration.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = make(map[domain.EventType][]subscription)
}

// Count is the number of callbacks registered for typ.
func (d *Dispatcher) Count(typ domain.EventType) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[typ])
}

// Dispatch invokes every callback registered for the event's type, in
// registration order, on the calling goroutine. A panicking callback is logged
// and does not prevent delivery to the rest. It returns the number of callbacks invoked.
func (d *Dispatcher) Dispatch(ev domain.Event) int {
	if ev == nil {
		return 0
	}
	d.mu.RLock()
	list := append([]subscription(nil), d.subs[ev.Type()]...)
	d.mu.RUnlock()

	for _, s := range list {
		if err := invoke(s.fn, ev); err != nil {
			d.logger.Error("Observer callback failed",
				"session_id", ev.Session(),
				"type", ev.Type(),
				"token", s.token,
				"err", err,
			)
		}
	}
	return len(list)
}

func invoke(fn Callback, ev domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn(ev)
	return nil
}

func validType(typ domain.EventType) bool {
	return typ == domain.EventChange || typ == domain.EventStatus
}
