// Package loadbalance picks which dedicated server a controller connects to
// when the registry lists several.
//
// Three strategies are implemented:
//   - RoundRobin:      spread successive controllers evenly
//   - WeightedRandom:  favour bigger hosts (instance Weight)
//   - ConsistentHash:  pin a controller name to the same server across restarts
package loadbalance

import (
	"fmt"

	"mania-rpc/registry"
)

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one instance. key identifies the caller (the controller
	// name); strategies without affinity ignore it. Must be goroutine-safe.
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name, as accepted by the
// -balance flag.
func New(name string) (Balancer, error) {
	switch name {
	case "", "roundrobin", "RoundRobin":
		return &RoundRobinBalancer{}, nil
	case "weighted", "WeightedRandom":
		return &WeightedRandomBalancer{}, nil
	case "hash", "ConsistentHash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("unknown balancer %q", name)
	}
}
