package loadbalance

import (
	"sync/atomic"

	"mania-rpc/registry"
)

// RoundRobinBalancer spreads successive dials over the listed servers,
// starting with the first. Safe for concurrent Dials.
type RoundRobinBalancer struct {
	next atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, registry.ErrNoInstances
	}
	i := (b.next.Add(1) - 1) % uint64(len(instances))
	return &instances[i], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
