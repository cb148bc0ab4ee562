package replication_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/tendril/pkg/adapters/memory"
	"github.com/aretw0/tendril/pkg/codec"
	"github.com/aretw0/tendril/pkg/domain"
	"github.com/aretw0/tendril/pkg/observability"
	"github.com/aretw0/tendril/pkg/registry"
	"github.com/aretw0/tendril/pkg/replication"
	"github.com/aretw0/tendril/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type node struct {
	reg     *registry.Registry
	mgr     *session.Manager
	eng     *replication.Engine
	metrics *observability.Metrics
}

func newNode(t *testing.T, net *memory.Network, id string, opts ...replication.Option) *node {
	t.Helper()
	reg := registry.New()
	mgr := session.NewManager(reg)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	opts = append([]replication.Option{
		replication.WithMetrics(metrics),
	}, opts...)
	if net != nil {
		opts = append(opts, replication.WithTransport(net.Endpoint(id)))
	} else {
		opts = append(opts, replication.WithNodeID(id))
	}
	eng := replication.NewEngine(reg, mgr, opts...)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return &node{reg: reg, mgr: mgr, eng: eng, metrics: metrics}
}

func (n *node) join(t *testing.T, sessionID string, fields map[string]any) registry.Handle {
	t.Helper()
	obj, err := n.reg.Create(fields)
	require.NoError(t, err)
	_, err = n.eng.Join(context.Background(), obj.Handle(), sessionID)
	require.NoError(t, err)
	return obj.Handle()
}

func (n *node) put(t *testing.T, h registry.Handle, values map[string]any, order ...string) {
	t.Helper()
	enc := make(map[string]domain.EncodedValue, len(values))
	for k, v := range values {
		e, err := codec.Encode(v)
		require.NoError(t, err)
		enc[k] = e
	}
	d, err := n.eng.Write(context.Background(), h, enc, order)
	require.NoError(t, err)
	d.Notify()
}

func (n *node) get(t *testing.T, h registry.Handle, key string) any {
	t.Helper()
	v, err := n.eng.Get(h, key)
	require.NoError(t, err)
	return v
}

// recorder collects events delivered to a session's observers.
type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) add(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) changes() []domain.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ChangeEvent
	for _, ev := range r.events {
		if c, ok := ev.(domain.ChangeEvent); ok {
			out = append(out, c)
		}
	}
	return out
}

func (r *recorder) statuses() []domain.StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.StatusEvent
	for _, ev := range r.events {
		if s, ok := ev.(domain.StatusEvent); ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func observe(t *testing.T, n *node, sessionID string) *recorder {
	t.Helper()
	rec := &recorder{}
	_, err := n.eng.Observe(sessionID, rec.add)
	require.NoError(t, err)
	return rec
}

// settle drains every engine until no traffic is left.
func settle(t *testing.T, nodes ...*node) {
	t.Helper()
	for i := 0; i < 50; i++ {
		pending := 0
		for _, n := range nodes {
			pending += n.eng.Pending()
		}
		if pending == 0 {
			return
		}
		for _, n := range nodes {
			n.eng.Drain()
		}
	}
	t.Fatal("network did not settle")
}

func message(t *testing.T, sessionID, origin string, changes ...domain.Change) []byte {
	t.Helper()
	msg := &domain.Message{Kind: domain.KindChange, SessionID: sessionID, Origin: origin, Changes: changes}
	payload, err := msg.Marshal()
	require.NoError(t, err)
	return payload
}

func change(key string, value domain.EncodedValue, ts uint64, origin string) domain.Change {
	return domain.Change{Key: key, Field: domain.Field{Value: value, Timestamp: ts, Origin: origin}}
}

func TestEngine_Convergence(t *testing.T) {
	net := memory.NewNetwork()
	a := newNode(t, net, "node-a")
	b := newNode(t, net, "node-b")

	ha := a.join(t, "room", map[string]any{"name": "Amy"})
	hb := b.join(t, "room", map[string]any{"age": nil})
	settle(t, a, b)

	assert.Equal(t, "Amy", b.get(t, hb, "name"), "late joiner receives the existing state")

	a.put(t, ha, map[string]any{"name": "Bob", "age": 31}, "name", "age")
	settle(t, a, b)

	assert.Equal(t, "Bob", b.get(t, hb, "name"))
	assert.Equal(t, float64(31), b.get(t, hb, "age"))
	assert.Equal(t, float64(31), a.get(t, ha, "age"))
}

func TestEngine_JoinPublishesLocalFields(t *testing.T) {
	n := newNode(t, nil, "local")
	n.join(t, "room", map[string]any{"name": "Amy"})
	n.eng.HandleMessage("peer", message(t, "room", "peer", change("name", "[STRING]Zed", 6, "peer")))
	n.eng.Drain()

	h := n.join(t, "room", map[string]any{"name": "Bob"})
	f, err := n.eng.Field(h, "name")
	require.NoError(t, err)
	assert.Equal(t, domain.EncodedValue("[STRING]Bob"), f.Value, "local values overwrite what the session holds")
	assert.Equal(t, uint64(7), f.Timestamp)
}

func TestEngine_ConcurrentWritesConverge(t *testing.T) {
	net := memory.NewNetwork()
	a := newNode(t, net, "node-a")
	b := newNode(t, net, "node-b")
	ha := a.join(t, "room", nil)
	hb := b.join(t, "room", nil)
	settle(t, a, b)

	a.put(t, ha, map[string]any{"x": "from-a"}, "x")
	b.put(t, hb, map[string]any{"x": "from-b"}, "x")
	settle(t, a, b)

	assert.Equal(t, a.get(t, ha, "x"), b.get(t, hb, "x"))
	assert.Equal(t, "from-b", a.get(t, ha, "x"), "equal timestamps resolve to the greater origin")
}

func TestEngine_LastWriterWins(t *testing.T) {
	cases := []struct {
		name   string
		first  domain.Change
		second domain.Change
		want   domain.EncodedValue
	}{
		{"newer_second", change("k", "1", 3, "x"), change("k", "2", 5, "x"), "2"},
		{"newer_first", change("k", "2", 5, "x"), change("k", "1", 3, "x"), "2"},
		{"tie_greater_origin_second", change("k", "1", 4, "a"), change("k", "2", 4, "b"), "2"},
		{"tie_greater_origin_first", change("k", "2", 4, "b"), change("k", "1", 4, "a"), "2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := newNode(t, nil, "local")
			h := n.join(t, "room", nil)

			n.eng.HandleMessage("peer", message(t, "room", tc.first.Field.Origin, tc.first))
			n.eng.Drain()
			n.eng.HandleMessage("peer", message(t, "room", tc.second.Field.Origin, tc.second))
			n.eng.Drain()

			f, err := n.eng.Field(h, "k")
			require.NoError(t, err)
			assert.Equal(t, tc.want, f.Value)
		})
	}
}

func TestEngine_LocalWriteAdvancesTimestamp(t *testing.T) {
	n := newNode(t, nil, "local")
	h := n.join(t, "room", map[string]any{"k": 1})

	n.eng.HandleMessage("peer", message(t, "room", "peer", change("k", "7", 9, "peer")))
	n.eng.Drain()
	n.put(t, h, map[string]any{"k": 8}, "k")

	f, err := n.eng.Field(h, "k")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), f.Timestamp)
	assert.Equal(t, "local", f.Origin)
	assert.Equal(t, domain.EncodedValue("8"), f.Value)
}

func TestEngine_CoalescesPerOrigin(t *testing.T) {
	n := newNode(t, nil, "local")
	h := n.join(t, "room", nil)
	rec := observe(t, n, "room")

	n.eng.HandleMessage("p1", message(t, "room", "p1", change("name", "[STRING]jack", 1, "p1")))
	n.eng.HandleMessage("p1", message(t, "room", "p1", change("age", "12", 1, "p1")))
	n.eng.HandleMessage("p1", message(t, "room", "p1", change("name", "[STRING]jill", 2, "p1")))
	n.eng.HandleMessage("p2", message(t, "room", "p2", change("city", "[STRING]Rome", 1, "p2")))
	n.eng.Drain()

	got := rec.changes()
	require.Len(t, got, 2)
	assert.Equal(t, domain.ChangeEvent{SessionID: "room", Origin: "p1", Keys: []string{"name", "age"}}, got[0])
	assert.Equal(t, domain.ChangeEvent{SessionID: "room", Origin: "p2", Keys: []string{"city"}}, got[1])
	assert.Equal(t, "jill", n.get(t, h, "name"))
}

func TestEngine_RejectedChangesDoNotNotify(t *testing.T) {
	n := newNode(t, nil, "local")
	n.join(t, "room", nil)
	rec := observe(t, n, "room")

	n.eng.HandleMessage("p", message(t, "room", "p", change("k", "1", 5, "p")))
	n.eng.Drain()
	rec.reset()

	n.eng.HandleMessage("p", message(t, "room", "p", change("k", "0", 4, "p")))
	n.eng.Drain()

	assert.Empty(t, rec.changes())
	assert.Equal(t, 1.0, testutil.ToFloat64(n.metrics.ChangesRejected))
}

func TestEngine_DiscardsUnknownSession(t *testing.T) {
	n := newNode(t, nil, "local")
	h := n.join(t, "room", nil)

	n.eng.HandleMessage("p", message(t, "elsewhere", "p", change("k", "1", 1, "p")))
	assert.Equal(t, 0, n.eng.Drain())

	_, err := n.eng.Field(h, "k")
	assert.ErrorIs(t, err, domain.ErrUnknownKey, "sessions are isolated")
	assert.Equal(t, 1.0, testutil.ToFloat64(n.metrics.MessagesDropped.WithLabelValues(observability.DropUnknownSession)))
}

func TestEngine_SwallowsMalformedPayloads(t *testing.T) {
	n := newNode(t, nil, "local")
	n.join(t, "room", nil)

	n.eng.HandleMessage("p", []byte("not json"))
	n.eng.HandleMessage("p", []byte(`{"kind":"bogus","session_id":"room"}`))
	assert.NotPanics(t, func() { n.eng.Drain() })
	assert.Equal(t, 2.0, testutil.ToFloat64(n.metrics.MessagesDropped.WithLabelValues(observability.DropMalformed)))
}

func TestEngine_DropsMalformedValues(t *testing.T) {
	n := newNode(t, nil, "local")
	h := n.join(t, "room", map[string]any{"name": "Amy"})
	rec := observe(t, n, "room")

	n.eng.HandleMessage("p", message(t, "room", "p",
		change("name", "garbage-no-tag", 9, "p"),
		change("score", "NaN", 1, "p"),
		change("meta", "[COMPLEX]{broken", 1, "p"),
		change("city", "[STRING]Rome", 1, "p"),
	))
	n.eng.Drain()

	assert.Equal(t, "Amy", n.get(t, h, "name"), "a bad remote value leaves the stored one alone")
	assert.Equal(t, "Rome", n.get(t, h, "city"))
	for _, key := range []string{"score", "meta"} {
		_, err := n.eng.Field(h, key)
		assert.ErrorIs(t, err, domain.ErrUnknownKey, key)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(n.metrics.MessagesDropped.WithLabelValues(observability.DropMalformed)))

	changes := rec.changes()
	require.Len(t, changes, 1)
	assert.Equal(t, []string{"city"}, changes[0].Keys)
}

func TestEngine_TimestampsNeverWrap(t *testing.T) {
	net := memory.NewNetwork()
	a := newNode(t, net, "node-a")
	b := newNode(t, net, "node-b")
	ha := a.join(t, "room", nil)
	hb := b.join(t, "room", nil)
	settle(t, a, b)

	a.put(t, ha, map[string]any{"k": 1}, "k")
	settle(t, a, b)

	exhausted := message(t, "room", "node-x", change("k", "2", domain.MaxTimestamp, "node-x"))
	a.eng.HandleMessage("node-x", exhausted)
	b.eng.HandleMessage("node-x", exhausted)
	settle(t, a, b)
	for _, n := range []*node{a, b} {
		assert.Equal(t, 1.0, testutil.ToFloat64(n.metrics.MessagesDropped.WithLabelValues(observability.DropMalformed)))
	}

	a.put(t, ha, map[string]any{"k": 3}, "k")
	settle(t, a, b)

	fa, err := a.eng.Field(ha, "k")
	require.NoError(t, err)
	fb, err := b.eng.Field(hb, "k")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), fa.Timestamp)
	assert.Equal(t, fa, fb, "both replicas converge")
}

func TestEngine_SkipsMalformedSnapshotFields(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.Save(ctx, "room", &domain.Snapshot{
		SessionID: "room",
		Fields: map[string]domain.Field{
			"name": {Value: "[STRING]Amy", Timestamp: 1, Origin: "n"},
			"junk": {Value: "garbage", Timestamp: 1, Origin: "n"},
			"last": {Value: "1", Timestamp: domain.MaxTimestamp, Origin: "n"},
		},
		Order: []string{"name", "junk", "last"},
	}))

	n := newNode(t, nil, "local", replication.WithSnapshotStore(store))
	h := n.join(t, "room", nil)

	keys, err := n.eng.Keys(h)
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, keys)
}

func TestEngine_RemoteSizeLimit(t *testing.T) {
	reg := registry.New(registry.WithSizeLimit(16))
	mgr := session.NewManager(reg)
	metrics := observability.NewMetrics(nil)
	eng := replication.NewEngine(reg, mgr, replication.WithNodeID("local"), replication.WithMetrics(metrics))

	obj, err := reg.Create(nil)
	require.NoError(t, err)
	_, err = eng.Join(context.Background(), obj.Handle(), "room")
	require.NoError(t, err)

	eng.HandleMessage("p", message(t, "room", "p", change("big", "[STRING]0123456789abcdef", 1, "p")))
	eng.Drain()

	_, err = eng.Field(obj.Handle(), "big")
	assert.ErrorIs(t, err, domain.ErrUnknownKey)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MessagesDropped.WithLabelValues(observability.DropSizeLimit)))

	_, err = eng.Write(context.Background(), obj.Handle(), map[string]domain.EncodedValue{"abc": "0123456789abc"}, []string{"abc"})
	require.NoError(t, err, "exactly at the limit succeeds")
	_, err = eng.Write(context.Background(), obj.Handle(), map[string]domain.EncodedValue{"abc": "0123456789abcd"}, []string{"abc"})
	assert.ErrorIs(t, err, domain.ErrSizeLimitExceeded)
}

func TestEngine_PeerStatusEvents(t *testing.T) {
	net := memory.NewNetwork()
	a := newNode(t, net, "node-a")
	b := newNode(t, net, "node-b")
	a.join(t, "room", nil)
	rec := observe(t, a, "room")

	b.join(t, "room", nil)
	settle(t, a, b)
	net.Disconnect("node-b")
	settle(t, a, b)

	assert.Equal(t, []domain.StatusEvent{
		{SessionID: "room", PeerID: "node-b", State: domain.PeerConnected},
		{SessionID: "room", PeerID: "node-b", State: domain.PeerDisconnected},
	}, rec.statuses())

	net.Reconnect("node-b")
	settle(t, a, b)
	assert.Len(t, rec.statuses(), 3, "reconnecting is a new event")
}

func TestEngine_SweepsSilentPeers(t *testing.T) {
	n := newNode(t, nil, "local", replication.WithPeerTimeout(5*time.Millisecond))
	n.join(t, "room", nil)
	rec := observe(t, n, "room")

	n.eng.HandlePeerConnected("room", "ghost")
	n.eng.Drain()
	time.Sleep(20 * time.Millisecond)
	n.eng.Sweep()

	assert.Equal(t, []domain.StatusEvent{
		{SessionID: "room", PeerID: "ghost", State: domain.PeerConnected},
		{SessionID: "room", PeerID: "ghost", State: domain.PeerDisconnected},
	}, rec.statuses())
}

func TestEngine_SnapshotPersistence(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()

	a := newNode(t, nil, "node-a", replication.WithSnapshotStore(store))
	h := a.join(t, "room", map[string]any{"name": "Amy"})
	a.put(t, h, map[string]any{"age": 25}, "age")

	snap, err := store.Load(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "age"}, snap.Keys())
	require.NoError(t, a.eng.Leave(ctx, h))

	c := newNode(t, nil, "node-c", replication.WithSnapshotStore(store))
	hc := c.join(t, "room", nil)
	assert.Equal(t, "Amy", c.get(t, hc, "name"))
	assert.Equal(t, float64(25), c.get(t, hc, "age"))
}

func TestEngine_SeedsUndefinedFields(t *testing.T) {
	n := newNode(t, nil, "local")
	h := n.join(t, "room", map[string]any{"name": "Amy", "nickname": nil})

	_, err := n.eng.Get(h, "nickname")
	assert.ErrorIs(t, err, domain.ErrUnknownKey)

	keys, err := n.eng.Keys(h)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"name", "nickname"}, keys)
}

func TestEngine_WriteRequiresSession(t *testing.T) {
	n := newNode(t, nil, "local")
	obj, err := n.reg.Create(nil)
	require.NoError(t, err)

	_, err = n.eng.Write(context.Background(), obj.Handle(), map[string]domain.EncodedValue{"k": "1"}, []string{"k"})
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestEngine_LocalWriteDelivery(t *testing.T) {
	n := newNode(t, nil, "local")
	h := n.join(t, "room", nil)
	rec := observe(t, n, "room")

	n.put(t, h, map[string]any{"name": "Amy", "age": 25}, "name", "age")

	assert.Equal(t, []domain.ChangeEvent{
		{SessionID: "room", Origin: "local", Keys: []string{"name", "age"}},
	}, rec.changes())
	assert.Equal(t, 1.0, testutil.ToFloat64(n.metrics.Undelivered), "no peers to deliver to")
}

func TestEngine_Pump(t *testing.T) {
	net := memory.NewNetwork()
	a := newNode(t, net, "node-a")
	b := newNode(t, net, "node-b")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.eng.Start(ctx)
	b.eng.Start(ctx)

	ha := a.join(t, "room", nil)
	hb := b.join(t, "room", nil)
	require.Eventually(t, func() bool {
		info, err := a.eng.Session("room")
		return err == nil && len(info.Peers) == 1
	}, time.Second, 5*time.Millisecond)

	a.put(t, ha, map[string]any{"name": "Amy"}, "name")
	assert.Eventually(t, func() bool {
		v, err := b.eng.Get(hb, "name")
		return err == nil && v == "Amy"
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_Session(t *testing.T) {
	n := newNode(t, nil, "local")
	n.join(t, "room", map[string]any{"name": "Amy", "tags": []string{"a"}})

	info, err := n.eng.Session("room")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Handles)
	assert.Equal(t, "Amy", info.Fields["name"].Value)
	assert.Equal(t, "string", info.Fields["name"].Kind)
	assert.Equal(t, "complex", info.Fields["tags"].Kind)
	assert.Equal(t, "local", info.Fields["name"].Origin)

	all := n.eng.Sessions()
	require.Len(t, all, 1)
	assert.Nil(t, all[0].Fields)

	_, err = n.eng.Session("nope")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestNewNodeID(t *testing.T) {
	a, b := replication.NewNodeID(), replication.NewNodeID()
	assert.Len(t, a, 26)
	assert.NotEqual(t, a, b)
}
