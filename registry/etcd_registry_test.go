package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func etcdEndpoints(t *testing.T) []string {
	t.Helper()
	env := os.Getenv("ETCD_ENDPOINTS")
	if env == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}
	return strings.Split(env, ",")
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t))
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	service := "dedicated-test-" + time.Now().Format("150405.000000")
	inst1 := ServiceInstance{Addr: "127.0.0.1:5001", Weight: 10, Version: "2023-04-24"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:5002", Weight: 5, Version: "2023-04-24"}

	if err := reg.Register(ctx, service, inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, service, inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover(ctx, service)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister(ctx, service, inst1.Addr); err != nil {
		t.Fatal(err)
	}

	instances, err = reg.Discover(ctx, service)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}
	if instances[0].Addr != inst2.Addr {
		t.Fatalf("expect %s, got %s", inst2.Addr, instances[0].Addr)
	}
}

func TestEtcdCloseRevokesLeases(t *testing.T) {
	endpoints := etcdEndpoints(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	service := "dedicated-close-" + time.Now().Format("150405.000000")
	reg, err := NewEtcdRegistry(endpoints)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, service, ServiceInstance{Addr: "127.0.0.1:5003"}, 30); err != nil {
		t.Fatal(err)
	}
	if err := reg.Close(); err != nil {
		t.Fatal(err)
	}

	observer, err := NewEtcdRegistry(endpoints)
	if err != nil {
		t.Fatal(err)
	}
	defer observer.Close()
	instances, err := observer.Discover(ctx, service)
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 0 {
		t.Fatalf("expect lease revoked on close, still see %v", instances)
	}
}

func TestStaticRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewStaticRegistry()

	reg.Register(ctx, "dedicated", ServiceInstance{Addr: "10.0.0.2:5000", Weight: 1}, 0)
	reg.Register(ctx, "dedicated", ServiceInstance{Addr: "10.0.0.1:5000", Weight: 3}, 0)
	reg.Register(ctx, "other", ServiceInstance{Addr: "10.0.0.9:5000"}, 0)

	instances, err := reg.Discover(ctx, "dedicated")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 || instances[0].Addr != "10.0.0.1:5000" || instances[1].Addr != "10.0.0.2:5000" {
		t.Fatalf("unexpected instances %v", instances)
	}

	// re-registering an address replaces it
	reg.Register(ctx, "dedicated", ServiceInstance{Addr: "10.0.0.1:5000", Weight: 7}, 0)
	instances, _ = reg.Discover(ctx, "dedicated")
	if instances[0].Weight != 7 {
		t.Fatalf("expect weight 7, got %d", instances[0].Weight)
	}

	reg.Deregister(ctx, "dedicated", "10.0.0.2:5000")
	instances, _ = reg.Discover(ctx, "dedicated")
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}

	if instances, _ := reg.Discover(ctx, "missing"); len(instances) != 0 {
		t.Fatalf("expect no instances for unknown service, got %v", instances)
	}
}

func TestKeyLayout(t *testing.T) {
	if got := key("dedicated", "127.0.0.1:5000"); got != "/mania-rpc/dedicated/127.0.0.1:5000" {
		t.Fatalf("unexpected key %q", got)
	}
}
