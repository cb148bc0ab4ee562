package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/tendril/pkg/domain"
	"github.com/aretw0/tendril/pkg/registry"
	"github.com/aretw0/tendril/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, opts ...session.Option) (*registry.Registry, *session.Manager) {
	t.Helper()
	reg := registry.New()
	return reg, session.NewManager(reg, opts...)
}

func TestManager_JoinValidatesSessionID(t *testing.T) {
	reg, mgr := setup(t)
	obj, err := reg.Create(nil)
	require.NoError(t, err)

	for _, id := range []string{"", "..", "has space", "slash/x", string(make([]byte, domain.MaxSessionIDLength+1))} {
		_, _, err := mgr.Join(context.Background(), obj.Handle(), id)
		assert.ErrorIs(t, err, domain.ErrInvalidSessionID, "id %q", id)
	}
	assert.Empty(t, mgr.Records())
}

func TestManager_IdempotentJoin(t *testing.T) {
	reg, mgr := setup(t)
	ctx := context.Background()
	obj, err := reg.Create(map[string]any{"name": "Amy"})
	require.NoError(t, err)

	rec1, joined, err := mgr.Join(ctx, obj.Handle(), "session1")
	require.NoError(t, err)
	assert.True(t, joined)

	rec2, joined, err := mgr.Join(ctx, obj.Handle(), "session1")
	require.NoError(t, err)
	assert.False(t, joined)
	assert.Same(t, rec1, rec2)
	assert.Len(t, mgr.Records(), 1)
	assert.Equal(t, 1, mgr.HandleCount("session1"))
}

func TestManager_RejoinDifferentSessionLeavesFirst(t *testing.T) {
	var closed []string
	reg, mgr := setup(t, session.WithHooks(session.Hooks{
		OnClose: func(ctx context.Context, rec *session.Record) { closed = append(closed, rec.ID) },
	}))
	ctx := context.Background()
	obj, err := reg.Create(nil)
	require.NoError(t, err)

	_, _, err = mgr.Join(ctx, obj.Handle(), "a")
	require.NoError(t, err)
	_, _, err = mgr.Join(ctx, obj.Handle(), "b")
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, closed)
	_, ok := mgr.Lookup("a")
	assert.False(t, ok)
	assert.Equal(t, "b", obj.SessionID())
}

func TestManager_RefCounting(t *testing.T) {
	var opened, closed int
	reg, mgr := setup(t, session.WithHooks(session.Hooks{
		OnOpen:  func(ctx context.Context, rec *session.Record) error { opened++; return nil },
		OnClose: func(ctx context.Context, rec *session.Record) { closed++ },
	}))
	ctx := context.Background()
	a, _ := reg.Create(nil)
	b, _ := reg.Create(nil)

	recA, _, err := mgr.Join(ctx, a.Handle(), "shared")
	require.NoError(t, err)
	recB, _, err := mgr.Join(ctx, b.Handle(), "shared")
	require.NoError(t, err)
	assert.Same(t, recA, recB, "one record per session id")
	assert.Equal(t, 1, opened)

	require.NoError(t, mgr.Leave(ctx, a.Handle()))
	assert.Equal(t, 0, closed)
	_, ok := mgr.Lookup("shared")
	assert.True(t, ok)

	require.NoError(t, mgr.Leave(ctx, b.Handle()))
	assert.Equal(t, 1, closed)
	_, ok = mgr.Lookup("shared")
	assert.False(t, ok)

	assert.NoError(t, mgr.Leave(ctx, b.Handle()), "leave without a session is a no-op")
}

func TestManager_LeaveSnapshotsFields(t *testing.T) {
	reg, mgr := setup(t)
	ctx := context.Background()
	obj, err := reg.Create(map[string]any{"name": "Amy"})
	require.NoError(t, err)

	_, _, err = mgr.Join(ctx, obj.Handle(), "s1")
	require.NoError(t, err)

	err = mgr.WithHandle(obj.Handle(), func(rec *session.Record) error {
		rec.Fields().Set("name", domain.Field{Value: "[STRING]jack", Timestamp: 4, Origin: "peer"})
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, mgr.Leave(ctx, obj.Handle()))
	name, err := obj.Get("name")
	require.NoError(t, err)
	assert.Equal(t, "jack", name, "reads keep working after leave")
	assert.Equal(t, "", obj.SessionID())
}

func TestManager_OpenHookFailureAbortsJoin(t *testing.T) {
	reg, mgr := setup(t, session.WithHooks(session.Hooks{
		OnOpen: func(ctx context.Context, rec *session.Record) error { return errors.New("transport down") },
	}))
	obj, _ := reg.Create(nil)

	_, _, err := mgr.Join(context.Background(), obj.Handle(), "s1")
	assert.Error(t, err)
	assert.Empty(t, mgr.Records())
	assert.Equal(t, "", obj.SessionID())
}

func TestManager_WithRecordUnknownSession(t *testing.T) {
	_, mgr := setup(t)
	err := mgr.WithRecord("nope", func(*session.Record) error { return nil })
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	err = mgr.WithHandle(42, func(*session.Record) error { return nil })
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestManager_LeaveWaitsForInFlightHandler(t *testing.T) {
	reg, mgr := setup(t)
	ctx := context.Background()
	obj, _ := reg.Create(nil)
	_, _, err := mgr.Join(ctx, obj.Handle(), "s1")
	require.NoError(t, err)

	inside := make(chan struct{})
	finish := make(chan struct{})
	var handlerDone, leaveDone time.Time
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = mgr.WithRecord("s1", func(rec *session.Record) error {
			close(inside)
			<-finish
			rec.Fields().Set("late", domain.Field{Value: "1", Timestamp: 1, Origin: "peer"})
			handlerDone = time.Now()
			return nil
		})
	}()

	<-inside
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, mgr.Leave(ctx, obj.Handle()))
		leaveDone = time.Now()
	}()

	time.Sleep(20 * time.Millisecond)
	close(finish)
	wg.Wait()

	assert.True(t, !leaveDone.Before(handlerDone), "leave completes after the handler released the record")
	late, err := obj.Get("late")
	require.NoError(t, err)
	assert.Equal(t, float64(1), late, "the handler's write is part of the snapshot")

	err = mgr.WithRecord("s1", func(*session.Record) error { return nil })
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestManager_WithHandleSeesLeaveWhileWaiting(t *testing.T) {
	reg, mgr := setup(t)
	ctx := context.Background()
	leaving, _ := reg.Create(nil)
	staying, _ := reg.Create(nil)
	for _, obj := range []*registry.Object{leaving, staying} {
		_, _, err := mgr.Join(ctx, obj.Handle(), "s1")
		require.NoError(t, err)
	}

	inside := make(chan struct{})
	finish := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = mgr.WithRecord("s1", func(*session.Record) error {
			close(inside)
			<-finish
			return nil
		})
	}()
	<-inside

	// Both calls queue on the record held above; the map lock stays free.
	var handleErr error
	ran := false
	wg.Add(2)
	go func() {
		defer wg.Done()
		handleErr = mgr.WithHandle(leaving.Handle(), func(*session.Record) error {
			ran = true
			return nil
		})
	}()
	go func() {
		defer wg.Done()
		require.NoError(t, mgr.Leave(ctx, leaving.Handle()))
	}()

	time.Sleep(20 * time.Millisecond)
	_, ok := mgr.Lookup("s1")
	assert.True(t, ok, "the manager map is usable while a record is busy")
	close(finish)
	wg.Wait()

	assert.ErrorIs(t, handleErr, domain.ErrSessionNotFound)
	assert.False(t, ran)
	assert.NoError(t, mgr.WithHandle(staying.Handle(), func(*session.Record) error { return nil }))
}

func TestManager_CloseReleasesEverything(t *testing.T) {
	reg, mgr := setup(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		obj, _ := reg.Create(nil)
		_, _, err := mgr.Join(ctx, obj.Handle(), id)
		require.NoError(t, err)
	}
	require.Len(t, mgr.Records(), 3)

	require.NoError(t, mgr.Close(ctx))
	assert.Empty(t, mgr.Records())
}

func TestGenerateID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := session.GenerateID()
		assert.GreaterOrEqual(t, len(id), 8)
		assert.NoError(t, session.ValidateID(id))
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.NotEqual(t, session.GenerateID(), session.GenerateID())
}
