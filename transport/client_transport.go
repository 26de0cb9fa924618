// Package transport implements the dispatch loop that multiplexes calls and
// callbacks over one GBXRemote connection.
//
// There is exactly one byte stream. A caller waiting for its own reply cannot
// read "only its handle" off the wire, so whoever reads must also file away
// other callers' replies and run the callbacks the peer pushes:
//
//	goroutine-1 ──Call(h=0x80000001)──┐
//	goroutine-2 ──Call(h=0x80000002)──┼──→ single conn ──→ dedicated server
//	Serve       ──────────────────────┘
//
//	pump (token holder):  ←── frame(h=0x80000002) → pending[h] ready → goroutine-2 wakes up
//	                      ←── frame(h=0x00000007) → not pending → callback handler
//
// Only the holder of the pump token reads. A callback handler runs on the
// pumping goroutine and may call back into the same transport; such a nested
// call pumps frames itself under a token private to that nesting level, so
// the outer reader (blocked inside the handler) never reads concurrently.
// When the handler returns, its level is retired: the outer reader waits for
// the level's token before reading again, and calls still carrying the
// handler's context fall back to the top-level token.
//
// Cancelling a call interrupts a blocked read only between frames. Once the
// first byte of a frame is in, the frame is read to the end.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"mania-rpc/codec"
	"mania-rpc/message"
	"mania-rpc/middleware"
	"mania-rpc/protocol"
)

var (
	ErrClosed          = errors.New("transport closed")
	ErrReentrancyDepth = errors.New("callback nesting too deep")
)

// ClientTransport owns one connection, one handle cursor and one pending
// table.
type ClientTransport struct {
	conn     io.ReadWriteCloser
	codec    codec.Codec
	handler  middleware.HandlerFunc
	log      *zap.Logger
	maxDepth int
	metrics  *Metrics

	handles *HandleAllocator
	pending *PendingTable

	sending sync.Mutex    // serializes whole frames on the wire
	pump    chan struct{} // top-level pump token (capacity 1)

	// base is the context callbacks run under; cancelled when the
	// transport dies.
	base   context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
	err       error // written once, before closed is closed
}

// pumpLevel marks a context as "running inside a callback dispatched at this
// depth". Calls made with such a context pump under the level's own token.
type pumpLevel struct {
	t     *ClientTransport
	depth int
	token chan struct{}

	// retired is closed once the handler that opened this level returned.
	// Nil for the top level.
	retired chan struct{}
}

func (l *pumpLevel) isRetired() bool {
	if l.retired == nil {
		return false
	}
	select {
	case <-l.retired:
		return true
	default:
		return false
	}
}

type pumpKey struct{}

// readDeadliner is implemented by net.Conn.
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// NewClientTransport wraps a connection whose greeting has already been
// consumed.
func NewClientTransport(conn io.ReadWriteCloser, opts ...Option) *ClientTransport {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	base, cancel := context.WithCancel(context.Background())
	return &ClientTransport{
		conn:     conn,
		codec:    cfg.codec,
		handler:  cfg.handler,
		log:      cfg.log,
		maxDepth: cfg.maxDepth,
		metrics:  newMetrics(),
		handles:  NewHandleAllocator(),
		pending:  NewPendingTable(),
		pump:     make(chan struct{}, 1),
		base:     base,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
}

// Call sends one request and blocks until its reply arrives, pumping frames
// (and running callbacks) while it waits.
//
// A fault reply is returned as a *message.Fault and leaves the transport
// usable. Transport and decode errors are fatal: the connection is closed and
// every pending and future call fails with the same error. Cancelling ctx
// abandons the call; its late reply, if any, is dropped as a stray frame.
func (t *ClientTransport) Call(ctx context.Context, method string, params ...any) (any, error) {
	if err := t.Err(); err != nil {
		return nil, err
	}

	level := t.levelFrom(ctx)
	if level.depth > t.maxDepth {
		return nil, fmt.Errorf("%s at depth %d: %w", method, level.depth, ErrReentrancyDepth)
	}

	body, err := t.codec.EncodeCall(method, params...)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	// Step 1: register BEFORE writing, so a fast reply always finds its entry
	handle := t.handles.Next()
	ready, err := t.pending.Register(handle)
	if err != nil {
		return nil, err
	}
	t.metrics.CallsTotal.Add(1)

	// Step 2: write the frame
	t.sending.Lock()
	err = protocol.WriteFrame(t.conn, handle, body)
	t.sending.Unlock()
	if err != nil {
		t.pending.Remove(handle)
		return nil, t.fail(err)
	}
	t.metrics.FramesSent.Add(1)

	// Step 3: pump until our own handle resolves
	payload, err := t.await(ctx, level, handle, ready)
	if err != nil {
		return nil, err
	}

	// Step 4: fault, response, or nonsense
	msg, err := t.codec.Decode(payload)
	if err != nil {
		return nil, t.fail(err)
	}
	switch msg.Kind {
	case message.KindFault:
		t.metrics.FaultsTotal.Add(1)
		return nil, msg.Fault
	case message.KindResponse:
		return msg.Result(), nil
	default:
		return nil, t.fail(&codec.DecodeError{Err: fmt.Errorf("reply to %s is a method call", method)})
	}
}

func (t *ClientTransport) await(ctx context.Context, level *pumpLevel, handle uint32, ready <-chan struct{}) ([]byte, error) {
	for {
		if payload, ok := t.pending.TryResolve(handle); ok {
			return payload, nil
		}
		if err := ctx.Err(); err != nil {
			t.abandon(handle, err)
			return nil, err
		}
		if level.isRetired() {
			level = t.topLevel()
		}

		select {
		case <-ready:
			// filed away by whoever holds the token; resolved on the next pass

		case level.token <- struct{}{}:
			// Nobody delivers while we hold the token, so this check is final.
			if payload, ok := t.pending.TryResolve(handle); ok {
				<-level.token
				return payload, nil
			}
			err := t.pumpOne(ctx, level)
			<-level.token
			if err != nil {
				t.abandon(handle, err)
				return nil, err
			}

		case <-level.retired:
			// re-evaluated on the next pass

		case <-ctx.Done():
			t.abandon(handle, ctx.Err())
			return nil, ctx.Err()

		case <-t.closed:
			// The reply may have been filed just before the transport died.
			if payload, ok := t.pending.TryResolve(handle); ok {
				return payload, nil
			}
			t.pending.Remove(handle)
			return nil, t.err
		}
	}
}

func (t *ClientTransport) abandon(handle uint32, err error) {
	t.pending.Remove(handle)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		t.metrics.CallsCancelled.Add(1)
	}
}

// Pump reads exactly one frame and either files it as a reply or runs it as
// a callback. It waits for the pump token first.
func (t *ClientTransport) Pump(ctx context.Context) error {
	level := t.levelFrom(ctx)
	for {
		select {
		case level.token <- struct{}{}:
			defer func() { <-level.token }()
			return t.pumpOne(ctx, level)
		case <-level.retired:
			level = t.topLevel()
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closed:
			return t.err
		}
	}
}

// Serve pumps frames until ctx is done or the transport fails. Calls from
// other goroutines keep working while Serve runs.
func (t *ClientTransport) Serve(ctx context.Context) error {
	for {
		if err := t.Pump(ctx); err != nil {
			return err
		}
	}
}

// pumpOne must be called with level.token held.
func (t *ClientTransport) pumpOne(ctx context.Context, level *pumpLevel) error {
	if err := t.Err(); err != nil {
		return err
	}

	r, stop := t.interruptibleReader(ctx)
	frame, err := protocol.ReadFrame(r)
	stop()
	if err != nil {
		if errors.Is(err, protocol.ErrNoFrame) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return nil
		}
		return t.fail(err)
	}
	t.metrics.FramesReceived.Add(1)

	// A reply for some outstanding call, not necessarily ours.
	if t.pending.Deliver(frame.Handle, frame.Payload) {
		return nil
	}

	msg, err := t.codec.Decode(frame.Payload)
	if err != nil {
		return t.fail(err)
	}
	if msg.Kind != message.KindCall {
		// Late reply to an abandoned call, or a duplicate.
		t.metrics.StrayFrames.Add(1)
		t.log.Debug("dropping stray frame",
			zap.Uint32("handle", frame.Handle),
			zap.Stringer("kind", msg.Kind))
		return nil
	}

	t.dispatch(level, frame.Handle, msg)
	return nil
}

func (t *ClientTransport) dispatch(level *pumpLevel, handle uint32, cb *message.Message) {
	t.metrics.CallbacksTotal.Add(1)
	if t.handler == nil {
		t.log.Debug("callback ignored", zap.String("method", cb.Method))
		return
	}

	nested := &pumpLevel{
		t:       t,
		depth:   level.depth + 1,
		token:   make(chan struct{}, 1),
		retired: make(chan struct{}),
	}
	ctx := context.WithValue(t.base, pumpKey{}, nested)
	err := t.handler(ctx, cb)

	// A goroutine the handler started may still be reading under the
	// nested token. Take the token for good before the outer level reads.
	nested.token <- struct{}{}
	close(nested.retired)

	if err != nil {
		t.metrics.CallbacksFailed.Add(1)
		t.log.Warn("callback handler failed",
			zap.String("method", cb.Method),
			zap.Uint32("handle", handle),
			zap.Error(err))
	}
}

// interruptibleReader returns the reader for one frame. While no byte of the
// frame has arrived, ctx being done moves the read deadline to now so the
// read gives up with ErrNoFrame. After the first byte a deadline hit is
// cleared and the read resumed, so the stream stays aligned. The returned
// func must be called once the frame is read.
func (t *ClientTransport) interruptibleReader(ctx context.Context) (io.Reader, func()) {
	d, ok := t.conn.(readDeadliner)
	if !ok || ctx.Done() == nil {
		return t.conn, func() {}
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		d.SetReadDeadline(time.Now())
		close(fired)
	})
	r := &resumingReader{r: t.conn, d: d}
	return r, func() {
		if !stop() {
			<-fired
			d.SetReadDeadline(time.Time{})
		}
	}
}

// resumingReader swallows deadline errors once a frame has started.
type resumingReader struct {
	r       io.Reader
	d       readDeadliner
	started bool
}

func (r *resumingReader) Read(p []byte) (int, error) {
	for {
		n, err := r.r.Read(p)
		if n > 0 {
			r.started = true
		}
		if err == nil || !r.started || !errors.Is(err, os.ErrDeadlineExceeded) {
			return n, err
		}
		r.d.SetReadDeadline(time.Time{})
		if n > 0 {
			return n, nil
		}
	}
}

func (t *ClientTransport) levelFrom(ctx context.Context) *pumpLevel {
	if level, ok := ctx.Value(pumpKey{}).(*pumpLevel); ok && level.t == t && !level.isRetired() {
		return level
	}
	return t.topLevel()
}

func (t *ClientTransport) topLevel() *pumpLevel {
	return &pumpLevel{t: t, depth: 0, token: t.pump}
}

// fail kills the transport with err unless it is already dead, and returns
// the error it died with.
func (t *ClientTransport) fail(err error) error {
	t.closeOnce.Do(func() {
		t.err = err
		t.cancel()
		close(t.closed)
		t.conn.Close()
		if !errors.Is(err, ErrClosed) {
			t.log.Error("transport failed", zap.Error(err))
		}
	})
	return t.err
}

// Err returns the error that killed the transport, or nil while it is alive.
func (t *ClientTransport) Err() error {
	select {
	case <-t.closed:
		return t.err
	default:
		return nil
	}
}

// Done is closed when the transport dies.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.closed
}

// Close shuts the connection. Pending and future calls fail with ErrClosed.
func (t *ClientTransport) Close() error {
	t.fail(ErrClosed)
	return nil
}

func (t *ClientTransport) Metrics() *Metrics {
	return t.metrics
}

// Pending reports how many calls are awaiting a reply.
func (t *ClientTransport) Pending() int {
	return t.pending.Len()
}
