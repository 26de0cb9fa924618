package loadbalance

import (
	"hash/crc32"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"mania-rpc/registry"
)

const defaultReplicas = 100

// ConsistentHashBalancer pins a controller name to one dedicated server. The
// name keeps landing on the same server while the server set is unchanged,
// and only names owned by a departed server move when one goes away.
//
// Each instance owns Replicas points on a crc32 ring:
//
//	   0 ─── a#3 ── b#0 ── key ──► a#1 ── c#2 ─── 2³²
//	                        (first point clockwise wins: a)
//
// The zero value is ready to use.
type ConsistentHashBalancer struct {
	// Replicas is the number of ring points per instance. Zero means 100.
	Replicas int

	mu      sync.Mutex
	members string
	ring    []ringPoint
}

type ringPoint struct {
	hash uint32
	inst registry.ServiceInstance
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{Replicas: defaultReplicas}
}

// Pick hashes key onto the ring. The ring is rebuilt when the instance set
// differs from the previous call; input order does not matter.
func (b *ConsistentHashBalancer) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, registry.ErrNoInstances
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuild(instances)

	h := crc32.ChecksumIEEE([]byte(key))
	i := sort.Search(len(b.ring), func(i int) bool { return b.ring[i].hash >= h })
	if i == len(b.ring) {
		i = 0
	}
	inst := b.ring[i].inst
	return &inst, nil
}

func (b *ConsistentHashBalancer) rebuild(instances []registry.ServiceInstance) {
	addrs := make([]string, 0, len(instances))
	for _, inst := range instances {
		addrs = append(addrs, inst.Addr)
	}
	slices.Sort(addrs)
	members := strings.Join(addrs, ",")
	if members == b.members && len(b.ring) > 0 {
		return
	}

	replicas := b.Replicas
	if replicas <= 0 {
		replicas = defaultReplicas
	}
	ring := make([]ringPoint, 0, len(instances)*replicas)
	for _, inst := range instances {
		for r := 0; r < replicas; r++ {
			point := inst.Addr + "#" + strconv.Itoa(r)
			ring = append(ring, ringPoint{hash: crc32.ChecksumIEEE([]byte(point)), inst: inst})
		}
	}
	// Ties broken by address so the ring does not depend on input order.
	slices.SortFunc(ring, func(x, y ringPoint) int {
		if x.hash != y.hash {
			if x.hash < y.hash {
				return -1
			}
			return 1
		}
		return strings.Compare(x.inst.Addr, y.inst.Addr)
	})
	b.members = members
	b.ring = ring
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
