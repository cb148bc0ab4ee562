package replication

import (
	"sync"

	"github.com/eapache/queue"
)

type itemKind int

const (
	itemMessage itemKind = iota
	itemPeerConnected
	itemPeerDisconnected
)

type item struct {
	kind      itemKind
	from      string
	sessionID string
	payload   []byte
}

// inbox buffers transport traffic until the next dispatch pass.
type inbox struct {
	mu     sync.Mutex
	q      *queue.Queue
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{
		q:      queue.New(),
		signal: make(chan struct{}, 1),
	}
}

func (in *inbox) push(it item) {
	in.mu.Lock()
	in.q.Add(it)
	in.mu.Unlock()

	select {
	case in.signal <- struct{}{}:
	default:
	}
}

// drain removes and returns everything queued so far, oldest first.
func (in *inbox) drain() []item {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]item, 0, in.q.Length())
	for in.q.Length() > 0 {
		out = append(out, in.q.Remove().(item))
	}
	return out
}

func (in *inbox) len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.q.Length()
}
