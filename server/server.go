// Package server implements a GBXRemote peer: the side that greets, answers
// calls and pushes callbacks. It stands in for a dedicated server in tests
// and in cmd/gbxmock.
//
// Request processing pipeline:
//
//	Accept conn → write greeting → handleConn (single goroutine reads frames)
//	  → for each methodCall: go handleCall (parallel processing)
//	    → Codec.Decode → Method lookup → Method(params) → response or fault, same handle
//
// Notify pushes a methodCall to every connection, using handles below
// 0x80000000 so they never collide with the client's outbound range.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mania-rpc/codec"
	"mania-rpc/message"
	"mania-rpc/protocol"
	"mania-rpc/registry"
)

// Fault codes used by the peer.
const (
	FaultGeneric        = -1000
	FaultMethodNotFound = -32601
)

type Option func(*config)

type config struct {
	codec       codec.Codec
	banner      string
	serviceName string
	weight      int
	log         *zap.Logger
}

func defaultConfig() config {
	return config{
		codec:       codec.Default,
		banner:      protocol.Banner,
		serviceName: "dedicated",
		weight:      1,
		log:         zap.NewNop(),
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(c *config) { c.log = log }
}

func WithCodec(cdc codec.Codec) Option {
	return func(c *config) { c.codec = cdc }
}

// WithBanner overrides the greeting. Only useful to test handshake failures.
func WithBanner(banner string) Option {
	return func(c *config) { c.banner = banner }
}

// WithServiceName sets the name the server registers under. Default: "dedicated".
func WithServiceName(name string) Option {
	return func(c *config) { c.serviceName = name }
}

// WithWeight sets the load-balancing weight advertised in the registry.
func WithWeight(w int) Option {
	return func(c *config) { c.weight = w }
}

type peerConn struct {
	net.Conn
	writeMu sync.Mutex // per-connection write lock, shared by all calls on this conn
}

func (pc *peerConn) writeFrame(handle uint32, payload []byte) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	return protocol.WriteFrame(pc.Conn, handle, payload)
}

// Server answers GBXRemote calls.
type Server struct {
	cfg config
	log *zap.Logger

	mu      sync.RWMutex
	methods map[string]Method

	connMu sync.Mutex
	conns  map[*peerConn]struct{}

	listener      net.Listener
	wg            sync.WaitGroup // tracks connections and in-flight calls
	shutdown      atomic.Bool    // set during shutdown to suppress Accept errors
	registry      registry.Registry
	advertiseAddr string
	ready         chan struct{} // closed once Serve has a listener

	notifyHandle atomic.Uint32
}

func NewServer(opts ...Option) *Server {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		cfg:     cfg,
		log:     cfg.log,
		methods: make(map[string]Method),
		conns:   make(map[*peerConn]struct{}),
		ready:   make(chan struct{}),
	}
	s.HandleFunc("system.listMethods", s.listMethods)
	return s
}

// Register exposes rcvr's methods of the form func([]any) (any, error)
// under their bare names, the way a dedicated server names them.
func (s *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for name, m := range svc.method {
		s.methods[name] = m
	}
	s.mu.Unlock()
	return nil
}

// HandleFunc registers a single method.
func (s *Server) HandleFunc(name string, m Method) {
	s.mu.Lock()
	s.methods[name] = m
	s.mu.Unlock()
}

func (s *Server) listMethods(params []any) (any, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

// Serve accepts connections on l until Shutdown.
//
// Parameters:
//   - advertiseAddr: the address to register (e.g., "127.0.0.1:5000"). This
//     differs from the listen address because ":5000" is not routable.
//   - reg: the registry implementation. Pass nil to skip service discovery.
func (s *Server) Serve(l net.Listener, advertiseAddr string, reg registry.Registry) error {
	s.listener = l
	s.advertiseAddr = advertiseAddr
	s.registry = reg

	if reg != nil {
		inst := registry.ServiceInstance{Addr: advertiseAddr, Weight: s.cfg.weight, Version: "2023-04-24"}
		// TTL = 10 seconds, KeepAlive renews automatically
		if err := reg.Register(context.Background(), s.cfg.serviceName, inst, 10); err != nil {
			close(s.ready)
			return fmt.Errorf("register %s: %w", advertiseAddr, err)
		}
	}
	// Addr unblocks only once the instance is discoverable.
	close(s.ready)

	for {
		conn, err := l.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		pc := &peerConn{Conn: conn}
		s.connMu.Lock()
		s.conns[pc] = struct{}{}
		s.connMu.Unlock()

		s.wg.Add(1)
		go s.handleConn(pc)
	}
}

// Addr returns the listener address once Serve has started.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.listener.Addr()
}

func (s *Server) handleConn(pc *peerConn) {
	defer s.wg.Done()
	defer func() {
		s.connMu.Lock()
		delete(s.conns, pc)
		s.connMu.Unlock()
		pc.Close()
	}()

	log := s.log.With(zap.Stringer("remote", pc.RemoteAddr()))
	if err := protocol.WriteGreeting(pc, s.cfg.banner); err != nil {
		log.Warn("write greeting", zap.Error(err))
		return
	}

	for {
		// Sequential: single reader per connection
		frame, err := protocol.ReadFrame(pc)
		if err != nil {
			if !s.shutdown.Load() && !errors.Is(err, net.ErrClosed) {
				log.Debug("connection closed", zap.Error(err))
			}
			return
		}

		s.wg.Add(1)
		go s.handleCall(pc, frame, log)
	}
}

func (s *Server) handleCall(pc *peerConn, frame *protocol.Frame, log *zap.Logger) {
	defer s.wg.Done()

	msg, err := s.cfg.codec.Decode(frame.Payload)
	if err != nil {
		log.Warn("undecodable frame", zap.Uint32("handle", frame.Handle), zap.Error(err))
		s.reply(pc, frame.Handle, nil, &message.Fault{Code: FaultGeneric, String: "Parse error."}, log)
		return
	}
	if msg.Kind != message.KindCall {
		log.Debug("ignoring non-call frame", zap.Stringer("kind", msg.Kind))
		return
	}

	s.mu.RLock()
	m, ok := s.methods[msg.Method]
	s.mu.RUnlock()
	if !ok {
		s.reply(pc, frame.Handle, nil, &message.Fault{Code: FaultMethodNotFound, String: "Method not found."}, log)
		return
	}

	result, err := m(msg.Params)
	if err != nil {
		var fault *message.Fault
		if !errors.As(err, &fault) {
			fault = &message.Fault{Code: FaultGeneric, String: err.Error()}
		}
		s.reply(pc, frame.Handle, nil, fault, log)
		return
	}
	s.reply(pc, frame.Handle, result, nil, log)
}

func (s *Server) reply(pc *peerConn, handle uint32, result any, fault *message.Fault, log *zap.Logger) {
	var body []byte
	var err error
	if fault != nil {
		body, err = s.cfg.codec.EncodeFault(fault)
	} else {
		body, err = s.cfg.codec.EncodeResponse(result)
	}
	if err != nil {
		log.Error("encode reply", zap.Uint32("handle", handle), zap.Error(err))
		body, _ = s.cfg.codec.EncodeFault(&message.Fault{Code: FaultGeneric, String: err.Error()})
	}
	if err := pc.writeFrame(handle, body); err != nil {
		log.Debug("write reply", zap.Uint32("handle", handle), zap.Error(err))
	}
}

// Notify pushes a callback to every connected client.
func (s *Server) Notify(method string, params ...any) error {
	body, err := s.cfg.codec.EncodeCall(method, params...)
	if err != nil {
		return err
	}
	handle := s.nextNotifyHandle()

	s.connMu.Lock()
	conns := make([]*peerConn, 0, len(s.conns))
	for pc := range s.conns {
		conns = append(conns, pc)
	}
	s.connMu.Unlock()

	var errs error
	for _, pc := range conns {
		errs = multierr.Append(errs, pc.writeFrame(handle, body))
	}
	return errs
}

// nextNotifyHandle stays in [1, 0x80000000).
func (s *Server) nextNotifyHandle() uint32 {
	h := s.notifyHandle.Add(1) & 0x7FFFFFFF
	if h == 0 {
		h = s.notifyHandle.Add(1) & 0x7FFFFFFF
	}
	return h
}

// Shutdown performs graceful shutdown:
//  1. Deregister (clients stop discovering this server)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener and every connection
//  4. Wait for in-flight calls to finish (with timeout)
func (s *Server) Shutdown(timeout time.Duration) error {
	var errs error
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		errs = multierr.Append(errs, s.registry.Deregister(ctx, s.cfg.serviceName, s.advertiseAddr))
		cancel()
	}

	s.shutdown.Store(true)
	if s.listener != nil {
		errs = multierr.Append(errs, s.listener.Close())
	}

	s.connMu.Lock()
	for pc := range s.conns {
		pc.Close()
	}
	s.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		errs = multierr.Append(errs, fmt.Errorf("timeout waiting for ongoing calls to finish"))
	}
	return errs
}
