package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aretw0/tendril/pkg/domain"
	"github.com/aretw0/tendril/pkg/ports"
)

// Network connects in-process endpoints. Delivery is synchronous: handlers run
// on the goroutine of the sender.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	members   map[string]map[string]bool
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[string]*Endpoint),
		members:   make(map[string]map[string]bool),
	}
}

// Endpoint returns the transport of node id, creating it on first use.
func (n *Network) Endpoint(id string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.endpoints[id]; ok {
		return ep
	}
	ep := &Endpoint{network: n, id: id, joined: make(map[string]bool)}
	n.endpoints[id] = ep
	return ep
}

// Members lists the reachable nodes of sessionID.
func (n *Network) Members(sessionID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.members[sessionID]))
	for id := range n.members[sessionID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type notice struct {
	h         ports.Handler
	sessionID string
	peerID    string
	up        bool
	self      bool
}

func (nt notice) deliver() {
	if nt.h == nil {
		return
	}
	if nt.up {
		nt.h.HandlePeerConnected(nt.sessionID, nt.peerID)
	} else {
		nt.h.HandlePeerDisconnected(nt.sessionID, nt.peerID)
	}
}

// attach must be called with n.mu held.
func (n *Network) attach(ep *Endpoint, sessionID string) []notice {
	set, ok := n.members[sessionID]
	if !ok {
		set = make(map[string]bool)
		n.members[sessionID] = set
	}
	if set[ep.id] {
		return nil
	}
	var out []notice
	for id := range set {
		other := n.endpoints[id]
		out = append(out,
			notice{h: other.currentHandler(), sessionID: sessionID, peerID: ep.id, up: true},
			notice{h: ep.currentHandler(), sessionID: sessionID, peerID: id, up: true},
		)
	}
	set[ep.id] = true
	return out
}

// detach must be called with n.mu held.
func (n *Network) detach(ep *Endpoint, sessionID string) []notice {
	set := n.members[sessionID]
	if !set[ep.id] {
		return nil
	}
	delete(set, ep.id)
	if len(set) == 0 {
		delete(n.members, sessionID)
	}
	var out []notice
	for id := range set {
		other := n.endpoints[id]
		out = append(out,
			notice{h: other.currentHandler(), sessionID: sessionID, peerID: ep.id, up: false},
			notice{h: ep.currentHandler(), sessionID: sessionID, peerID: id, up: false, self: true},
		)
	}
	return out
}

// Disconnect simulates link loss for node id: every peer sees it go away and
// its sends fail until Reconnect.
func (n *Network) Disconnect(id string) {
	n.mu.Lock()
	ep, ok := n.endpoints[id]
	if !ok {
		n.mu.Unlock()
		return
	}
	ep.mu.Lock()
	ep.down = true
	sessions := ep.sessions()
	ep.mu.Unlock()

	var notices []notice
	for _, sid := range sessions {
		notices = append(notices, n.detach(ep, sid)...)
	}
	n.mu.Unlock()

	for _, nt := range notices {
		nt.deliver()
	}
}

// Reconnect restores node id and announces it again in every session it joined.
func (n *Network) Reconnect(id string) {
	n.mu.Lock()
	ep, ok := n.endpoints[id]
	if !ok {
		n.mu.Unlock()
		return
	}
	ep.mu.Lock()
	ep.down = false
	sessions := ep.sessions()
	ep.mu.Unlock()

	var notices []notice
	for _, sid := range sessions {
		notices = append(notices, n.attach(ep, sid)...)
	}
	n.mu.Unlock()

	for _, nt := range notices {
		nt.deliver()
	}
}

// Endpoint is one node's ports.Transport on a Network.
type Endpoint struct {
	network *Network
	id      string

	mu      sync.RWMutex
	handler ports.Handler
	joined  map[string]bool
	down    bool
	closed  bool
}

var _ ports.Transport = (*Endpoint)(nil)

func (ep *Endpoint) LocalID() string { return ep.id }

func (ep *Endpoint) SetHandler(h ports.Handler) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.handler = h
}

func (ep *Endpoint) currentHandler() ports.Handler {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.handler
}

// sessions must be called with ep.mu held.
func (ep *Endpoint) sessions() []string {
	out := make([]string, 0, len(ep.joined))
	for sid := range ep.joined {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

func (ep *Endpoint) Join(ctx context.Context, sessionID string) error {
	n := ep.network
	n.mu.Lock()
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		n.mu.Unlock()
		return fmt.Errorf("%w: endpoint %s is closed", domain.ErrTransportUnavailable, ep.id)
	}
	ep.joined[sessionID] = true
	down := ep.down
	ep.mu.Unlock()
	if down {
		n.mu.Unlock()
		return fmt.Errorf("%w: endpoint %s is disconnected", domain.ErrTransportUnavailable, ep.id)
	}
	notices := n.attach(ep, sessionID)
	n.mu.Unlock()

	for _, nt := range notices {
		nt.deliver()
	}
	return nil
}

func (ep *Endpoint) Leave(ctx context.Context, sessionID string) error {
	n := ep.network
	n.mu.Lock()
	ep.mu.Lock()
	delete(ep.joined, sessionID)
	ep.mu.Unlock()
	notices := n.detach(ep, sessionID)
	n.mu.Unlock()

	// The leaving node does not hear about peers it just left.
	for _, nt := range notices {
		if !nt.self {
			nt.deliver()
		}
	}
	return nil
}

func (ep *Endpoint) Send(ctx context.Context, sessionID string, peers []string, payload []byte) error {
	if len(peers) == 0 {
		return fmt.Errorf("%w: no peers in %q", domain.ErrTransportUnavailable, sessionID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	n := ep.network
	n.mu.Lock()
	ep.mu.RLock()
	down := ep.down || ep.closed
	ep.mu.RUnlock()
	if down {
		n.mu.Unlock()
		return fmt.Errorf("%w: endpoint %s is disconnected", domain.ErrTransportUnavailable, ep.id)
	}
	set := n.members[sessionID]
	targets := make([]ports.Handler, 0, len(peers))
	for _, id := range peers {
		if id == ep.id || !set[id] {
			continue
		}
		if h := n.endpoints[id].currentHandler(); h != nil {
			targets = append(targets, h)
		}
	}
	n.mu.Unlock()

	if len(targets) == 0 {
		return fmt.Errorf("%w: none of %d peers reachable in %q", domain.ErrTransportUnavailable, len(peers), sessionID)
	}
	for _, h := range targets {
		h.HandleMessage(ep.id, append([]byte(nil), payload...))
	}
	return nil
}

// Close leaves every session and rejects further use.
func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	sessions := ep.sessions()
	ep.mu.Unlock()
	for _, sid := range sessions {
		_ = ep.Leave(context.Background(), sid)
	}
	ep.mu.Lock()
	ep.closed = true
	ep.mu.Unlock()
	return nil
}
