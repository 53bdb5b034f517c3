package endpoint

import (
	"context"
	"sync"
)

// MemSocket is an in-memory Socket used by this package's own tests to
// exercise the dispatcher end-to-end without a real UDP connection. Two
// MemSockets wired to each other's inbound queue form a loopback pair.
type MemSocket struct {
	mu      sync.Mutex
	peer    *MemSocket
	self    string
	inbound chan frame
}

type frame struct {
	from string
	data []byte
}

// NewMemSocket creates an unconnected MemSocket identified by addr.
func NewMemSocket(addr string) *MemSocket {
	return &MemSocket{self: addr, inbound: make(chan frame, 64)}
}

// Connect wires two MemSockets to each other, so SendTo on one enqueues
// onto the other's inbound queue.
func Connect(a, b *MemSocket) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

// SendTo implements Socket by enqueuing frame onto the peer's inbound
// queue, ignoring the remote address (a MemSocket only ever has one peer).
func (m *MemSocket) SendTo(_ context.Context, _ string, data []byte) error {
	m.mu.Lock()
	peer := m.peer
	m.mu.Unlock()
	if peer == nil {
		return nil
	}
	cp := append([]byte(nil), data...)
	peer.inbound <- frame{from: m.self, data: cp}
	return nil
}

// Pump delivers queued inbound frames to ep.HandleInbound until ctx is
// done. Intended to run in its own goroutine, one per MemSocket.
func (m *MemSocket) Pump(ctx context.Context, ep *Endpoint) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-m.inbound:
			ep.HandleInbound(ctx, f.from, f.data)
		}
	}
}
