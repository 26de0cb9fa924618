// Package client opens a GBXRemote session: connect, check the greeting,
// negotiate the API version, authenticate and enable callbacks. The result
// is a Session whose Call and Serve run on one multiplexed transport.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"mania-rpc/callback"
	"mania-rpc/codec"
	"mania-rpc/loadbalance"
	"mania-rpc/protocol"
	"mania-rpc/registry"
	"mania-rpc/transport"
)

// Config describes which server to reach and how to log in.
type Config struct {
	// Addr skips discovery when set.
	Addr string
	// Service is the registry name dedicated servers register under.
	Service string
	// Name identifies this controller; ConsistentHash balancing keys on it.
	Name string

	User       string
	Password   string
	APIVersion string

	DialTimeout time.Duration

	Registry registry.Registry    // nil: Addr is required
	Balancer loadbalance.Balancer // nil: round robin
}

func DefaultConfig() Config {
	return Config{
		Service:     "dedicated",
		Name:        "mania-rpc",
		User:        "SuperAdmin",
		Password:    "SuperAdmin",
		APIVersion:  "2023-04-24",
		DialTimeout: 5 * time.Second,
	}
}

// HandshakeError means the session never became usable. Step names the
// bootstrap stage that failed.
type HandshakeError struct {
	Step string
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake %s: %v", e.Step, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

var errNotTrue = errors.New("server answered false")

type Option func(*options)

type options struct {
	log           *zap.Logger
	router        *callback.Router
	transportOpts []transport.Option
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithRouter installs the router callbacks are dispatched to. Without it the
// session creates an empty one, reachable through Session.Router.
func WithRouter(r *callback.Router) Option {
	return func(o *options) { o.router = r }
}

// WithTransportOptions passes extra options to the underlying transport.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) { o.transportOpts = append(o.transportOpts, opts...) }
}

// Session is one authenticated connection to a dedicated server.
type Session struct {
	t      *transport.ClientTransport
	conn   net.Conn
	router *callback.Router
	log    *zap.Logger
}

// Dial resolves the server address (Config.Addr, or the registry plus the
// balancer), connects, and runs the handshake.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	addr, err := resolve(ctx, cfg)
	if err != nil {
		return nil, &HandshakeError{Step: "discover", Err: err}
	}

	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &HandshakeError{Step: "connect", Err: &protocol.TransportError{Op: "dial", Err: err}}
	}
	return NewSession(ctx, conn, cfg, opts...)
}

func resolve(ctx context.Context, cfg Config) (string, error) {
	if cfg.Addr != "" {
		return cfg.Addr, nil
	}
	if cfg.Registry == nil {
		return "", errors.New("no address and no registry configured")
	}
	instances, err := cfg.Registry.Discover(ctx, cfg.Service)
	if err != nil {
		return "", err
	}
	bal := cfg.Balancer
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}
	inst, err := bal.Pick(cfg.Name, instances)
	if err != nil {
		return "", fmt.Errorf("service %q: %w", cfg.Service, err)
	}
	return inst.Addr, nil
}

// NewSession runs the handshake on an already connected conn. On failure the
// conn is closed and a *HandshakeError is returned.
func NewSession(ctx context.Context, conn net.Conn, cfg Config, opts ...Option) (*Session, error) {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.router == nil {
		o.router = callback.NewRouter(o.log)
	}

	log := o.log.With(zap.Stringer("server", conn.RemoteAddr()))
	topts := append([]transport.Option{
		transport.WithLogger(log),
		transport.WithCallbackHandler(o.router.Dispatch),
	}, o.transportOpts...)

	s := &Session{
		t:      transport.NewClientTransport(conn, topts...),
		conn:   conn,
		router: o.router,
		log:    log,
	}
	if err := s.handshake(ctx, cfg); err != nil {
		s.t.Close()
		return nil, err
	}
	log.Info("session ready", zap.String("api_version", cfg.APIVersion))
	return s, nil
}

// handshake steps, in order; each must succeed before the next.
//  1. greeting must equal protocol.Banner
//  2. SetApiVersion
//  3. Authenticate
//  4. EnableCallbacks
func (s *Session) handshake(ctx context.Context, cfg Config) error {
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetReadDeadline(deadline)
	}
	banner, err := protocol.ReadGreeting(s.conn)
	s.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return &HandshakeError{Step: "greeting", Err: err}
	}
	if banner != protocol.Banner {
		return &HandshakeError{Step: "greeting", Err: fmt.Errorf("unexpected banner %q", banner)}
	}

	steps := []struct {
		method string
		params []any
	}{
		{"SetApiVersion", []any{cfg.APIVersion}},
		{"Authenticate", []any{cfg.User, cfg.Password}},
		{"EnableCallbacks", []any{true}},
	}
	for _, step := range steps {
		ok, err := s.CallBool(ctx, step.method, step.params...)
		if err == nil && !ok {
			err = errNotTrue
		}
		if err != nil {
			return &HandshakeError{Step: step.method, Err: err}
		}
	}
	return nil
}

// Call issues one XML-RPC call. See transport.ClientTransport.Call for the
// error contract.
func (s *Session) Call(ctx context.Context, method string, params ...any) (any, error) {
	return s.t.Call(ctx, method, params...)
}

func (s *Session) CallBool(ctx context.Context, method string, params ...any) (bool, error) {
	v, err := s.t.Call(ctx, method, params...)
	if err != nil {
		return false, err
	}
	b, err := codec.Bool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", method, err)
	}
	return b, nil
}

func (s *Session) CallString(ctx context.Context, method string, params ...any) (string, error) {
	v, err := s.t.Call(ctx, method, params...)
	if err != nil {
		return "", err
	}
	str, err := codec.String(v)
	if err != nil {
		return "", fmt.Errorf("%s: %w", method, err)
	}
	return str, nil
}

// Serve pumps callbacks until ctx is done or the session fails.
func (s *Session) Serve(ctx context.Context) error {
	return s.t.Serve(ctx)
}

// Router returns the router callbacks are dispatched to.
func (s *Session) Router() *callback.Router {
	return s.router
}

func (s *Session) Metrics() *transport.Metrics {
	return s.t.Metrics()
}

// RemoteAddr returns the dedicated server's address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Done is closed when the session dies; Err then says why.
func (s *Session) Done() <-chan struct{} {
	return s.t.Done()
}

func (s *Session) Err() error {
	return s.t.Err()
}

func (s *Session) Close() error {
	return s.t.Close()
}
