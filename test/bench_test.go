package test

import (
	"context"
	"net"
	"testing"
	"time"

	"mania-rpc/client"
	"mania-rpc/codec"
	"mania-rpc/server"
)

type Arith struct{}

func (a *Arith) Add(params []any) (any, error) {
	x, err := codec.Int(params[0])
	if err != nil {
		return nil, err
	}
	y, err := codec.Int(params[1])
	if err != nil {
		return nil, err
	}
	return x + y, nil
}

func setupServerAndSession(b *testing.B) (*server.Server, *client.Session) {
	b.Helper()
	srv := server.NewServer()
	if _, err := server.NewDedicated(srv, b.TempDir(), "SuperAdmin", "SuperAdmin"); err != nil {
		b.Fatal(err)
	}
	if err := srv.Register(&Arith{}); err != nil {
		b.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatal(err)
	}
	go srv.Serve(l, l.Addr().String(), nil)
	b.Cleanup(func() { srv.Shutdown(3 * time.Second) })

	cfg := client.DefaultConfig()
	cfg.Addr = srv.Addr().String()
	sess, err := client.Dial(context.Background(), cfg)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { sess.Close() })
	return srv, sess
}

// one caller at a time
func BenchmarkSerialCall(b *testing.B) {
	_, sess := setupServerAndSession(b)
	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := sess.Call(ctx, "Add", 1, 2); err != nil {
			b.Fatal(err)
		}
	}
}

// many callers sharing one connection
func BenchmarkConcurrentCall(b *testing.B) {
	_, sess := setupServerAndSession(b)
	ctx := context.Background()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := sess.Call(ctx, "Add", 1, 2); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// XML-RPC encode + decode, no network
func BenchmarkCodecXMLRPC(b *testing.B) {
	var cdc codec.XMLRPC
	params := []any{"Campaign/A01.Map.Gbx", 3, true, map[string]any{"Login": "player", "Score": 12.5}}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := cdc.EncodeCall("ChooseNextMap", params...)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := cdc.Decode(data); err != nil {
			b.Fatal(err)
		}
	}
}
