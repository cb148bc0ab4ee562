package tests

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/tendril/pkg/domain"
	"github.com/aretw0/tendril/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Delivery is a payload observed by a Recorder.
type Delivery struct {
	From    string
	Payload string
}

// PeerEvent is a connectivity change observed by a Recorder.
type PeerEvent struct {
	SessionID string
	PeerID    string
	Connected bool
}

// Recorder is a ports.Handler that keeps everything it receives.
type Recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
	events     []PeerEvent
}

var _ ports.Handler = (*Recorder)(nil)

func (r *Recorder) HandleMessage(from string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, Delivery{From: from, Payload: string(payload)})
}

func (r *Recorder) HandlePeerConnected(sessionID, peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, PeerEvent{SessionID: sessionID, PeerID: peerID, Connected: true})
}

func (r *Recorder) HandlePeerDisconnected(sessionID, peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, PeerEvent{SessionID: sessionID, PeerID: peerID, Connected: false})
}

// Deliveries returns a copy of the received payloads.
func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.deliveries...)
}

// Events returns a copy of the received connectivity changes.
func (r *Recorder) Events() []PeerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PeerEvent(nil), r.events...)
}

// HasEvent reports whether ev was observed.
func (r *Recorder) HasEvent(ev PeerEvent) bool {
	for _, got := range r.Events() {
		if got == ev {
			return true
		}
	}
	return false
}

// HasDelivery reports whether d was observed.
func (r *Recorder) HasDelivery(d Delivery) bool {
	for _, got := range r.Deliveries() {
		if got == d {
			return true
		}
	}
	return false
}

// TransportFactory returns two transports attached to the same network.
type TransportFactory func(t *testing.T) (ports.Transport, ports.Transport)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// TransportContractTest is a reusable test suite that verifies if an adapter complies with ports.Transport.
func TransportContractTest(t *testing.T, factory TransportFactory) {
	t.Helper()
	ctx := context.Background()

	t.Run("Join_ReportsPeers", func(t *testing.T) {
		a, b := factory(t)
		ra, rb := &Recorder{}, &Recorder{}
		a.SetHandler(ra)
		b.SetHandler(rb)

		require.NoError(t, a.Join(ctx, "room"))
		require.NoError(t, b.Join(ctx, "room"))

		assert.Eventually(t, func() bool {
			return ra.HasEvent(PeerEvent{SessionID: "room", PeerID: b.LocalID(), Connected: true})
		}, waitFor, tick, "first member sees the newcomer")
		assert.Eventually(t, func() bool {
			return rb.HasEvent(PeerEvent{SessionID: "room", PeerID: a.LocalID(), Connected: true})
		}, waitFor, tick, "newcomer sees the existing member")
	})

	t.Run("Send_Delivers", func(t *testing.T) {
		a, b := factory(t)
		ra, rb := &Recorder{}, &Recorder{}
		a.SetHandler(ra)
		b.SetHandler(rb)
		require.NoError(t, a.Join(ctx, "room"))
		require.NoError(t, b.Join(ctx, "room"))
		require.Eventually(t, func() bool {
			return ra.HasEvent(PeerEvent{SessionID: "room", PeerID: b.LocalID(), Connected: true})
		}, waitFor, tick)

		require.NoError(t, a.Send(ctx, "room", []string{b.LocalID()}, []byte("hello")))

		assert.Eventually(t, func() bool {
			return rb.HasDelivery(Delivery{From: a.LocalID(), Payload: "hello"})
		}, waitFor, tick)
		assert.Empty(t, ra.Deliveries(), "own payloads are not echoed back")
	})

	t.Run("Send_NoPeers", func(t *testing.T) {
		a, _ := factory(t)
		a.SetHandler(&Recorder{})
		require.NoError(t, a.Join(ctx, "room"))

		err := a.Send(ctx, "room", nil, []byte("lost"))
		assert.ErrorIs(t, err, domain.ErrTransportUnavailable)
	})

	t.Run("Leave_ReportsDisconnect", func(t *testing.T) {
		a, b := factory(t)
		ra, rb := &Recorder{}, &Recorder{}
		a.SetHandler(ra)
		b.SetHandler(rb)
		require.NoError(t, a.Join(ctx, "room"))
		require.NoError(t, b.Join(ctx, "room"))
		require.Eventually(t, func() bool {
			return ra.HasEvent(PeerEvent{SessionID: "room", PeerID: b.LocalID(), Connected: true})
		}, waitFor, tick)

		require.NoError(t, b.Leave(ctx, "room"))

		assert.Eventually(t, func() bool {
			return ra.HasEvent(PeerEvent{SessionID: "room", PeerID: b.LocalID(), Connected: false})
		}, waitFor, tick)
	})

	t.Run("Sessions_Isolated", func(t *testing.T) {
		a, b := factory(t)
		ra, rb := &Recorder{}, &Recorder{}
		a.SetHandler(ra)
		b.SetHandler(rb)
		require.NoError(t, a.Join(ctx, "one"))
		require.NoError(t, b.Join(ctx, "two"))

		time.Sleep(100 * time.Millisecond)
		for _, ev := range ra.Events() {
			assert.NotEqual(t, b.LocalID(), ev.PeerID, "peers of other sessions are invisible")
		}
		for _, ev := range rb.Events() {
			assert.NotEqual(t, a.LocalID(), ev.PeerID, "peers of other sessions are invisible")
		}
	})
}
