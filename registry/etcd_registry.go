package registry

// etcd is used as a phonebook of dedicated servers:
//
//	Key:   /mania-rpc/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if a server dies, the lease expires and
// the entry disappears with it.

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type EtcdOption func(*etcdConfig)

type etcdConfig struct {
	dialTimeout time.Duration
	log         *zap.Logger
}

func WithDialTimeout(d time.Duration) EtcdOption {
	return func(c *etcdConfig) { c.dialTimeout = d }
}

// WithLogger sets the logger used by the registry and by the etcd client.
func WithLogger(log *zap.Logger) EtcdOption {
	return func(c *etcdConfig) { c.log = log }
}

// lease tracks one registration's keepalive so Deregister can stop it.
type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]lease // by key
}

func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	cfg := etcdConfig{dialTimeout: 5 * time.Second, log: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: cfg.dialTimeout,
		Logger:      cfg.log.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client: c,
		log:    cfg.log,
		leases: make(map[string]lease),
	}, nil
}

// Register stores instance under a lease of ttl seconds and keeps the lease
// alive until Deregister or Close.
//
// Flow:
//  1. Grant a lease with the given TTL
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to renew the lease in the background
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	granted, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	k := key(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, k, string(val), clientv3.WithLease(granted.ID)); err != nil {
		return err
	}

	// The keepalive outlives the caller's ctx.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, granted.ID)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		for range ch {
		}
		r.log.Debug("lease keepalive stopped", zap.String("key", k))
	}()

	r.mu.Lock()
	if old, ok := r.leases[k]; ok {
		old.cancel()
	}
	r.leases[k] = lease{id: granted.ID, cancel: cancel}
	r.mu.Unlock()

	r.log.Info("registered instance",
		zap.String("service", serviceName),
		zap.String("addr", instance.Addr),
		zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes an instance and revokes its lease if this registry
// created it.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	k := key(serviceName, addr)

	r.mu.Lock()
	l, ok := r.leases[k]
	delete(r.leases, k)
	r.mu.Unlock()

	_, err := r.client.Delete(ctx, k)
	if ok {
		l.cancel()
		if _, revokeErr := r.client.Revoke(ctx, l.id); revokeErr != nil {
			err = multierr.Append(err, revokeErr)
		}
	}
	return err
}

// Discover returns all instances under /mania-rpc/{serviceName}/. Malformed
// values are skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, prefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.log.Warn("skipping malformed instance",
				zap.ByteString("key", kv.Key),
				zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close revokes every lease this registry still holds, then closes the
// etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	leases := r.leases
	r.leases = make(map[string]lease)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var err error
	for _, l := range leases {
		l.cancel()
		if _, revokeErr := r.client.Revoke(ctx, l.id); revokeErr != nil {
			err = multierr.Append(err, revokeErr)
		}
	}
	return multierr.Append(err, r.client.Close())
}
