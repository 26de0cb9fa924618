package registry

import (
	"context"
	"sort"
	"sync"
)

// StaticRegistry keeps instances in memory. The TTL is ignored. It serves a
// controller started with a fixed -addr and tests that have no etcd.
type StaticRegistry struct {
	mu        sync.RWMutex
	instances map[string]map[string]ServiceInstance
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{instances: make(map[string]map[string]ServiceInstance)}
}

func (r *StaticRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byAddr, ok := r.instances[serviceName]
	if !ok {
		byAddr = make(map[string]ServiceInstance)
		r.instances[serviceName] = byAddr
	}
	byAddr[instance.Addr] = instance
	return nil
}

func (r *StaticRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	r.mu.Lock()
	delete(r.instances[serviceName], addr)
	r.mu.Unlock()
	return nil
}

// Discover returns instances ordered by address, matching the key order
// etcd would return them in.
func (r *StaticRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	instances := make([]ServiceInstance, 0, len(r.instances[serviceName]))
	for _, inst := range r.instances[serviceName] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances, nil
}

func (r *StaticRegistry) Close() error { return nil }
