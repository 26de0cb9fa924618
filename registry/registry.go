// Package registry tells a controller where dedicated servers listen.
package registry

import (
	"context"
	"errors"
)

var ErrNoInstances = errors.New("registry: no instances")

// ServiceInstance is one reachable XML-RPC endpoint.
type ServiceInstance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	Close() error
}

func key(serviceName, addr string) string {
	return prefix(serviceName) + addr
}

func prefix(serviceName string) string {
	return "/mania-rpc/" + serviceName + "/"
}
