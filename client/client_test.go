package client

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mania-rpc/callback"
	"mania-rpc/message"
	"mania-rpc/registry"
	"mania-rpc/server"
)

type fixture struct {
	addr string
	dir  string
	ded  *server.Dedicated
	srv  *server.Server
}

func startDedicated(t *testing.T, opts ...server.Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	srv := server.NewServer(opts...)
	ded, err := server.NewDedicated(srv, dir, "SuperAdmin", "SuperAdmin")
	if err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(l, l.Addr().String(), nil)
	t.Cleanup(func() { srv.Shutdown(time.Second) })
	return &fixture{addr: l.Addr().String(), dir: dir, ded: ded, srv: srv}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDialHandshake(t *testing.T) {
	f := startDedicated(t)
	ctx := testContext(t)

	cfg := DefaultConfig()
	cfg.Addr = f.addr
	s, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if !f.ded.CallbacksEnabled() {
		t.Fatal("handshake did not enable callbacks")
	}
	dir, err := s.CallString(ctx, "GetMapsDirectory")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Clean(dir) != filepath.Clean(f.dir) {
		t.Fatalf("maps directory %q, want %q", dir, f.dir)
	}
	if n := s.Metrics().CallsTotal.Load(); n != 4 {
		t.Fatalf("calls_total = %d, want 4", n)
	}
}

func TestDialThroughRegistry(t *testing.T) {
	f := startDedicated(t)
	ctx := testContext(t)

	reg := registry.NewStaticRegistry()
	reg.Register(ctx, "dedicated", registry.ServiceInstance{Addr: f.addr, Weight: 1}, 10)

	cfg := DefaultConfig()
	cfg.Registry = reg
	s, err := Dial(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if s.RemoteAddr().String() != f.addr {
		t.Fatalf("connected to %s, want %s", s.RemoteAddr(), f.addr)
	}
}

func TestDialNoInstances(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Registry = registry.NewStaticRegistry()

	_, err := Dial(testContext(t), cfg)
	var he *HandshakeError
	if !errors.As(err, &he) || he.Step != "discover" {
		t.Fatalf("expect discover handshake error, got %v", err)
	}
	if !errors.Is(err, registry.ErrNoInstances) {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}
}

func TestHandshakeBadBanner(t *testing.T) {
	f := startDedicated(t, server.WithBanner("GBXRemote 1"))

	cfg := DefaultConfig()
	cfg.Addr = f.addr
	_, err := Dial(testContext(t), cfg)
	var he *HandshakeError
	if !errors.As(err, &he) || he.Step != "greeting" {
		t.Fatalf("expect greeting handshake error, got %v", err)
	}
}

func TestHandshakeWrongPassword(t *testing.T) {
	f := startDedicated(t)

	cfg := DefaultConfig()
	cfg.Addr = f.addr
	cfg.Password = "hunter2"
	_, err := Dial(testContext(t), cfg)

	var he *HandshakeError
	if !errors.As(err, &he) || he.Step != "Authenticate" {
		t.Fatalf("expect Authenticate handshake error, got %v", err)
	}
	var fault *message.Fault
	if !errors.As(err, &fault) || fault.String != "Permission denied." {
		t.Fatalf("expect permission fault, got %v", err)
	}
}

func TestHandshakeFalseResult(t *testing.T) {
	f := startDedicated(t)
	f.srv.HandleFunc("SetApiVersion", func(params []any) (any, error) {
		return false, nil
	})

	cfg := DefaultConfig()
	cfg.Addr = f.addr
	_, err := Dial(testContext(t), cfg)
	var he *HandshakeError
	if !errors.As(err, &he) || he.Step != "SetApiVersion" {
		t.Fatalf("expect SetApiVersion handshake error, got %v", err)
	}
	if !errors.Is(err, errNotTrue) {
		t.Fatalf("expect errNotTrue, got %v", err)
	}
}

func TestHandshakeOverPipe(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	srv := server.NewServer()
	if _, err := server.NewDedicated(srv, t.TempDir(), "SuperAdmin", "SuperAdmin"); err != nil {
		t.Fatal(err)
	}
	l := &pipeListener{conns: make(chan net.Conn, 1), closed: make(chan struct{})}
	l.conns <- serverConn
	go srv.Serve(l, "pipe", nil)
	defer srv.Shutdown(time.Second)

	s, err := NewSession(testContext(t), clientConn, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.Err() != nil {
		t.Fatal(s.Err())
	}
}

// The BeginMap handler calls back into the session while NextMap is still
// waiting for its own reply.
func TestReentrantCallbackOverTCP(t *testing.T) {
	f := startDedicated(t)
	ctx := testContext(t)
	if err := os.WriteFile(filepath.Join(f.dir, "7.Map.Gbx"), []byte("gbx"), 0o644); err != nil {
		t.Fatal(err)
	}

	router := callback.NewRouter(nil)
	var s *Session
	inner := make(chan string, 1)
	router.Handle(callback.BeginMap, func(ctx context.Context, cb *message.Message) error {
		dir, err := s.CallString(ctx, "GetMapsDirectory")
		if err != nil {
			return err
		}
		inner <- dir
		return nil
	})

	cfg := DefaultConfig()
	cfg.Addr = f.addr
	s, err := Dial(ctx, cfg, WithRouter(router))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if ok, err := s.CallBool(ctx, "InsertMap", "7.Map.Gbx"); err != nil || !ok {
		t.Fatalf("InsertMap: %v, %v", ok, err)
	}
	if ok, err := s.CallBool(ctx, "NextMap"); err != nil || !ok {
		t.Fatalf("NextMap: %v, %v", ok, err)
	}

	select {
	case dir := <-inner:
		if filepath.Clean(dir) != filepath.Clean(f.dir) {
			t.Fatalf("nested call got %q", dir)
		}
	default:
		t.Fatal("BeginMap handler did not finish before NextMap returned")
	}
	if n := s.Metrics().CallbacksFailed.Load(); n != 0 {
		t.Fatalf("callbacks_failed = %d", n)
	}
}

// pipeListener hands out pre-made connections.
type pipeListener struct {
	conns  chan net.Conn
	closed chan struct{}
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	close(l.closed)
	return nil
}

func (l *pipeListener) Addr() net.Addr { return pipeAddr{} }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
