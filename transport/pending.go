package transport

import (
	"errors"
	"fmt"
	"sync"
)

var ErrHandleInUse = errors.New("handle is already pending")

type pendingCall struct {
	payload   []byte
	delivered bool
	ready     chan struct{} // closed by Deliver
}

// PendingTable is the single source of truth for "is this handle a call we
// are waiting on". An entry is inserted before its request frame is written
// and consumed exactly once, by the caller that registered it.
type PendingTable struct {
	mu    sync.Mutex
	calls map[uint32]*pendingCall
}

func NewPendingTable() *PendingTable {
	return &PendingTable{calls: make(map[uint32]*pendingCall)}
}

// Register inserts an awaiting entry and returns a channel that is closed
// when the reply arrives.
func (p *PendingTable) Register(handle uint32) (<-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.calls[handle]; ok {
		return nil, fmt.Errorf("register %#x: %w", handle, ErrHandleInUse)
	}
	call := &pendingCall{ready: make(chan struct{})}
	p.calls[handle] = call
	return call.ready, nil
}

// TryResolve removes and returns the reply if it has arrived. Otherwise the
// entry stays and ok is false.
func (p *PendingTable) TryResolve(handle uint32) (payload []byte, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	call, found := p.calls[handle]
	if !found || !call.delivered {
		return nil, false
	}
	delete(p.calls, handle)
	return call.payload, true
}

// Deliver stores payload for an awaiting handle. It returns false when the
// handle is unknown or already holds a reply; a stored reply is never
// overwritten.
func (p *PendingTable) Deliver(handle uint32, payload []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	call, found := p.calls[handle]
	if !found || call.delivered {
		return false
	}
	call.payload = payload
	call.delivered = true
	close(call.ready)
	return true
}

// Remove drops an entry whether or not its reply arrived.
func (p *PendingTable) Remove(handle uint32) {
	p.mu.Lock()
	delete(p.calls, handle)
	p.mu.Unlock()
}

func (p *PendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
