package loadbalance

import (
	"errors"
	"fmt"
	"testing"

	"mania-rpc/registry"
)

var servers = []registry.ServiceInstance{
	{Addr: "10.0.0.1:5000", Weight: 10, Version: "2023-04-24"},
	{Addr: "10.0.0.2:5000", Weight: 5, Version: "2023-04-24"},
	{Addr: "10.0.0.3:5000", Weight: 10, Version: "2023-04-24"},
}

func TestRoundRobinCycles(t *testing.T) {
	var b RoundRobinBalancer
	for i := 0; i < 2*len(servers); i++ {
		inst, err := b.Pick("", servers)
		if err != nil {
			t.Fatal(err)
		}
		if want := servers[i%len(servers)].Addr; inst.Addr != want {
			t.Fatalf("dial %d: got %s, want %s", i, inst.Addr, want)
		}
	}
}

func TestPickWithoutInstances(t *testing.T) {
	balancers := []Balancer{&RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer(), &ConsistentHashBalancer{}}
	for _, b := range balancers {
		if _, err := b.Pick("ctrl", nil); !errors.Is(err, registry.ErrNoInstances) {
			t.Fatalf("%s: got %v, want ErrNoInstances", b.Name(), err)
		}
	}
}

func TestWeightedRandomFollowsWeights(t *testing.T) {
	var b WeightedRandomBalancer
	hits := map[string]int{}
	for i := 0; i < 20000; i++ {
		inst, err := b.Pick("", servers)
		if err != nil {
			t.Fatal(err)
		}
		hits[inst.Addr]++
	}
	// 10:5:10
	ratio := float64(hits["10.0.0.3:5000"]) / float64(hits["10.0.0.2:5000"])
	if ratio < 1.6 || ratio > 2.4 {
		t.Fatalf("ratio %.2f, want about 2", ratio)
	}
}

func TestWeightedRandomUnweighted(t *testing.T) {
	var b WeightedRandomBalancer
	instances := []registry.ServiceInstance{{Addr: "a"}, {Addr: "b", Weight: -3}}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		inst, err := b.Pick("", instances)
		if err != nil {
			t.Fatal(err)
		}
		seen[inst.Addr] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("unweighted servers never picked: %v", seen)
	}
}

func TestConsistentHashSticky(t *testing.T) {
	for name, b := range map[string]*ConsistentHashBalancer{
		"constructor": NewConsistentHashBalancer(),
		"zero value":  {},
	} {
		first, err := b.Pick("controller-1", servers)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		for i := 0; i < 5; i++ {
			again, _ := b.Pick("controller-1", servers)
			if again.Addr != first.Addr {
				t.Fatalf("%s: controller-1 moved from %s to %s", name, first.Addr, again.Addr)
			}
		}

		spread := map[string]bool{}
		for i := 0; i < 100; i++ {
			inst, _ := b.Pick(fmt.Sprintf("controller-%d", i), servers)
			spread[inst.Addr] = true
		}
		if len(spread) < 2 {
			t.Fatalf("%s: 100 controllers all landed on %v", name, spread)
		}
	}
}

func TestConsistentHashIgnoresOrder(t *testing.T) {
	a := NewConsistentHashBalancer()
	b := NewConsistentHashBalancer()
	shuffled := []registry.ServiceInstance{servers[1], servers[2], servers[0]}
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("controller-%d", i)
		x, _ := a.Pick(key, servers)
		y, _ := b.Pick(key, shuffled)
		if x.Addr != y.Addr {
			t.Fatalf("%s: %s vs %s", key, x.Addr, y.Addr)
		}
	}
}

func TestConsistentHashServerLeaves(t *testing.T) {
	b := NewConsistentHashBalancer()
	before := map[string]string{}
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("controller-%d", i)
		inst, _ := b.Pick(key, servers)
		before[key] = inst.Addr
	}

	gone := servers[0].Addr
	rest := servers[1:]
	for key, was := range before {
		inst, err := b.Pick(key, rest)
		if err != nil {
			t.Fatal(err)
		}
		if inst.Addr == gone {
			t.Fatalf("%s still on departed %s", key, gone)
		}
		if was != gone && inst.Addr != was {
			t.Fatalf("%s moved from %s to %s though its server stayed", key, was, inst.Addr)
		}
	}
}

func TestNew(t *testing.T) {
	for flag, want := range map[string]string{
		"":           "RoundRobin",
		"roundrobin": "RoundRobin",
		"weighted":   "WeightedRandom",
		"hash":       "ConsistentHash",
	} {
		b, err := New(flag)
		if err != nil {
			t.Fatal(err)
		}
		if b.Name() != want {
			t.Fatalf("New(%q) = %s, want %s", flag, b.Name(), want)
		}
	}
	if _, err := New("least-conn"); err == nil {
		t.Fatal("unknown balancer accepted")
	}
}
