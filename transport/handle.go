package transport

import "sync"

// Outbound handles live in [HandleRangeStart, HandleRangeEnd). Handles the
// peer picks for its own callbacks are expected to stay below this band,
// though only pending-table membership decides whether a frame is a reply.
const (
	HandleRangeStart uint32 = 0x80000000
	HandleRangeEnd   uint32 = 0xFFFFFF00
)

// HandleAllocator hands out correlation handles for outbound calls.
type HandleAllocator struct {
	mu   sync.Mutex
	last uint32
}

func NewHandleAllocator() *HandleAllocator {
	return &HandleAllocator{last: HandleRangeStart}
}

// Next increments first and returns the new value, wrapping back to
// HandleRangeStart once HandleRangeEnd is reached.
func (a *HandleAllocator) Next() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last++
	if a.last >= HandleRangeEnd {
		a.last = HandleRangeStart
	}
	return a.last
}
