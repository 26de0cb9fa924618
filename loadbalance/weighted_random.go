package loadbalance

import (
	"math/rand"

	"mania-rpc/registry"
)

// WeightedRandomBalancer favours instances with a larger Weight. A server
// registered without a positive weight counts as 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, registry.ErrNoInstances
	}

	cumulative := make([]int, len(instances))
	sum := 0
	for i, inst := range instances {
		sum += max(inst.Weight, 1)
		cumulative[i] = sum
	}

	n := rand.Intn(sum)
	for i, upper := range cumulative {
		if n < upper {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
