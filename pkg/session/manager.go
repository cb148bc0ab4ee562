package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/aretw0/tendril/internal/logging"
	"github.com/aretw0/tendril/pkg/domain"
	"github.com/aretw0/tendril/pkg/observer"
	"github.com/aretw0/tendril/pkg/registry"
)

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Hooks are invoked by the Manager around the lifetime of a record.
type Hooks struct {
	// OnOpen runs when a record is created, before the first handle attaches.
	// Returning an error aborts the join.
	OnOpen func(ctx context.Context, rec *Record) error
	// OnClose runs after the last handle detached and the record was torn down.
	OnClose func(ctx context.Context, rec *Record)
}

// Manager owns every session record of a process.
// Join and Leave for one session ID are serialized by a per-ID lock that is
// garbage collected through reference counting.
type Manager struct {
	registry *registry.Registry

	mu       sync.Mutex
	records  map[string]*Record
	byHandle map[registry.Handle]*Record
	hooks    Hooks

	locksMu sync.Mutex
	locks   map[string]*lockEntry

	logger *slog.Logger
}

// Option configures the Manager.
type Option func(*Manager)

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithHooks installs record lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(m *Manager) {
		m.hooks = h
	}
}

// NewManager creates a Manager for the objects of reg.
func NewManager(reg *registry.Registry, opts ...Option) *Manager {
	m := &Manager{
		registry: reg,
		records:  make(map[string]*Record),
		byHandle: make(map[registry.Handle]*Record),
		locks:    make(map[string]*lockEntry),
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetHooks replaces the lifecycle hooks.
func (m *Manager) SetHooks(h Hooks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = h
}

// acquire gets or creates a lock entry and increments its reference count.
func (m *Manager) acquire(sessionID string) *lockEntry {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	entry, exists := m.locks[sessionID]
	if !exists {
		entry = &lockEntry{}
		m.locks[sessionID] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (m *Manager) release(sessionID string) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	entry, exists := m.locks[sessionID]
	if !exists {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, sessionID)
	}
}

// withLifecycle runs fn while holding the join/leave lock of sessionID.
func (m *Manager) withLifecycle(sessionID string, fn func() error) error {
	entry := m.acquire(sessionID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(sessionID)
	}()
	return fn()
}

// Join attaches the object h to sessionID, creating the record if needed.
// It reports joined=false when h was already attached to the same session, in
// which case nothing changes. A handle attached elsewhere leaves that session first.
func (m *Manager) Join(ctx context.Context, h registry.Handle, sessionID string) (*Record, bool, error) {
	if err := ValidateID(sessionID); err != nil {
		return nil, false, err
	}
	obj, ok := m.registry.Lookup(h)
	if !ok {
		return nil, false, fmt.Errorf("session: unknown handle %d", h)
	}

	m.mu.Lock()
	current := m.byHandle[h]
	m.mu.Unlock()
	if current != nil {
		if current.ID == sessionID {
			return current, false, nil
		}
		if err := m.Leave(ctx, h); err != nil {
			return nil, false, fmt.Errorf("failed to leave session %q: %w", current.ID, err)
		}
	}

	var rec *Record
	err := m.withLifecycle(sessionID, func() error {
		m.mu.Lock()
		rec = m.records[sessionID]
		created := rec == nil
		if created {
			rec = newRecord(sessionID, m.registry.Limit(), observer.New(observer.WithLogger(m.logger)))
			m.records[sessionID] = rec
		}
		hooks := m.hooks
		m.mu.Unlock()

		if created && hooks.OnOpen != nil {
			if err := hooks.OnOpen(ctx, rec); err != nil {
				m.mu.Lock()
				delete(m.records, sessionID)
				m.mu.Unlock()
				return err
			}
		}

		m.mu.Lock()
		rec.handles[h] = struct{}{}
		m.byHandle[h] = rec
		m.mu.Unlock()
		obj.Bind(sessionID)

		m.logger.Debug("Handle joined session",
			"session_id", sessionID,
			"handle", h,
			"created", created,
		)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Leave detaches h from its session and copies the session's current values into
// the object's local storage. The record is destroyed when its last handle leaves.
// It is a no-op when h has no session.
func (m *Manager) Leave(ctx context.Context, h registry.Handle) error {
	m.mu.Lock()
	current := m.byHandle[h]
	m.mu.Unlock()
	if current == nil {
		return nil
	}
	sessionID := current.ID

	return m.withLifecycle(sessionID, func() error {
		m.mu.Lock()
		rec := m.byHandle[h]
		if rec == nil || rec.ID != sessionID {
			m.mu.Unlock()
			return nil
		}
		delete(m.byHandle, h)
		delete(rec.handles, h)
		last := len(rec.handles) == 0
		if last {
			delete(m.records, sessionID)
		}
		hooks := m.hooks
		m.mu.Unlock()

		// Taking the record lock orders teardown after any in-flight handler.
		rec.mu.Lock()
		fields := rec.fields.Clone()
		if last {
			rec.closed = true
		}
		rec.mu.Unlock()

		if obj, ok := m.registry.Lookup(h); ok {
			obj.Unbind(fields)
		}

		if last {
			rec.observers.Clear()
			rec.peers.Reset()
			if hooks.OnClose != nil {
				hooks.OnClose(ctx, rec)
			}
		}

		m.logger.Debug("Handle left session",
			"session_id", sessionID,
			"handle", h,
			"destroyed", last,
		)
		return nil
	})
}

// WithRecord runs fn inside the critical section of sessionID.
// It returns domain.ErrSessionNotFound when no live record exists.
func (m *Manager) WithRecord(sessionID string, fn func(*Record) error) error {
	m.mu.Lock()
	rec := m.records[sessionID]
	m.mu.Unlock()
	if rec == nil {
		return fmt.Errorf("%w: %q", domain.ErrSessionNotFound, sessionID)
	}
	return rec.with(fn)
}

// WithHandle runs fn inside the critical section of the session h is attached to.
// Attachment is checked again under the record lock, since a Leave may have
// detached h while it waited. m.mu is a leaf lock and may be taken there.
func (m *Manager) WithHandle(h registry.Handle, fn func(*Record) error) error {
	m.mu.Lock()
	rec := m.byHandle[h]
	m.mu.Unlock()
	if rec == nil {
		return fmt.Errorf("%w: handle %d is not joined", domain.ErrSessionNotFound, h)
	}
	return rec.with(func(r *Record) error {
		m.mu.Lock()
		_, attached := r.handles[h]
		m.mu.Unlock()
		if !attached {
			return fmt.Errorf("%w: handle %d left %q", domain.ErrSessionNotFound, h, r.ID)
		}
		return fn(r)
	})
}

func (r *Record) with(fn func(*Record) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("%w: %q is closing", domain.ErrSessionNotFound, r.ID)
	}
	return fn(r)
}

// Lookup returns the live record for sessionID.
func (m *Manager) Lookup(sessionID string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID]
	return rec, ok
}

// RecordOf returns the record h is attached to.
func (m *Manager) RecordOf(h registry.Handle) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byHandle[h]
	return rec, ok
}

// Records lists live records sorted by session ID.
func (m *Manager) Records() []*Record {
	m.mu.Lock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HandleCount is the number of handles attached to sessionID.
func (m *Manager) HandleCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[sessionID]; ok {
		return len(rec.handles)
	}
	return 0
}

// Close detaches every handle, releasing all records.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	handles := make([]registry.Handle, 0, len(m.byHandle))
	for h := range m.byHandle {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := m.Leave(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
