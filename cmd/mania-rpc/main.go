// mania-rpc connects to a dedicated server, keeps its map list topped up with
// random maps from the exchange, and optionally serves an admin endpoint.
//
// Run:  go run ./cmd/mania-rpc -addr localhost:5000 -next -max-maps 20
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mania-rpc/admin"
	"mania-rpc/callback"
	"mania-rpc/client"
	"mania-rpc/exchange"
	"mania-rpc/loadbalance"
	"mania-rpc/mapfetch"
	"mania-rpc/middleware"
	"mania-rpc/registry"
	"mania-rpc/transport"
)

func main() {
	addr := flag.String("addr", "", "dedicated server address (skips discovery)")
	etcd := flag.String("etcd", "", "comma-separated etcd endpoints for discovery")
	service := flag.String("service", "dedicated", "registry service name of dedicated servers")
	name := flag.String("name", "mania-rpc", "controller name (consistent-hash key)")
	balance := flag.String("balance", "roundrobin", "balancer: roundrobin, weighted, hash")
	user := flag.String("user", "SuperAdmin", "XML-RPC user")
	password := flag.String("password", "SuperAdmin", "XML-RPC password")
	apiVersion := flag.String("api-version", "2023-04-24", "XML-RPC API version")
	preload := flag.Int("preload", 0, "random maps to queue before serving callbacks")
	next := flag.Bool("next", false, "skip to the next map after preloading")
	maxMaps := flag.Int("max-maps", 0, "exit after this many maps were fetched (0 = run until stopped)")
	adminAddr := flag.String("admin-addr", "", "listen address of the JSON-RPC admin endpoint")
	mapsRate := flag.Float64("maps-rate", 1, "max exchange requests per second")
	callbackRate := flag.Float64("callback-rate", 10, "max handled callbacks per second")
	maxDepth := flag.Int("max-depth", 8, "max nesting of calls made from callbacks")
	debug := flag.Bool("debug", false, "development logging")
	flag.Parse()

	log, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := runOptions{
		cfg: client.Config{
			Addr:        *addr,
			Service:     *service,
			Name:        *name,
			User:        *user,
			Password:    *password,
			APIVersion:  *apiVersion,
			DialTimeout: 5 * time.Second,
		},
		etcd:         splitList(*etcd),
		balance:      *balance,
		preload:      *preload,
		next:         *next,
		maxMaps:      *maxMaps,
		adminAddr:    *adminAddr,
		mapsRate:     *mapsRate,
		callbackRate: *callbackRate,
		maxDepth:     *maxDepth,
	}
	if err := run(ctx, log, opts); err != nil {
		log.Error("exiting", zap.Error(err))
		os.Exit(1)
	}
}

type runOptions struct {
	cfg          client.Config
	etcd         []string
	balance      string
	preload      int
	next         bool
	maxMaps      int
	adminAddr    string
	mapsRate     float64
	callbackRate float64
	maxDepth     int
}

func run(ctx context.Context, log *zap.Logger, o runOptions) (err error) {
	var reg registry.Registry
	if len(o.etcd) > 0 {
		etcdReg, err := registry.NewEtcdRegistry(o.etcd, registry.WithLogger(log))
		if err != nil {
			return fmt.Errorf("etcd: %w", err)
		}
		reg = etcdReg
	} else {
		reg = registry.NewStaticRegistry()
	}
	defer func() { err = multierr.Append(err, reg.Close()) }()

	bal, err := loadbalance.New(o.balance)
	if err != nil {
		return err
	}
	o.cfg.Registry = reg
	o.cfg.Balancer = bal

	router := callback.NewRouter(log)
	router.Use(
		middleware.Logging(log),
		middleware.RateLimit(o.callbackRate, int(o.callbackRate)+1),
		middleware.Timeout(2*time.Minute),
		middleware.Retry(log, 2, time.Second),
	)

	sess, err := client.Dial(ctx, o.cfg,
		client.WithLogger(log),
		client.WithRouter(router),
		client.WithTransportOptions(transport.WithMaxReentrancy(o.maxDepth)),
	)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, sess.Close()) }()

	ex := exchange.NewClient(
		exchange.WithRate(o.mapsRate, 2),
		exchange.WithLogger(log),
	)
	fetcher := mapfetch.New(sess, ex,
		mapfetch.WithLogger(log),
		mapfetch.WithLimit(o.maxMaps),
	)
	router.Handle(callback.BeginMap, fetcher.HandleBeginMap)

	if o.adminAddr != "" {
		stopAdmin, err := serveAdmin(ctx, log, o, reg, sess, fetcher)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, stopAdmin()) }()
	}

	for i := 0; i < o.preload; i++ {
		id, err := fetcher.FetchRandom(ctx)
		if err != nil {
			log.Warn("preload failed", zap.Int("n", i+1), zap.Error(err))
			continue
		}
		log.Info("preloaded map", zap.Uint64("map", id))
	}

	if o.next {
		if _, err := sess.CallBool(ctx, "NextMap"); err != nil {
			return fmt.Errorf("NextMap: %w", err)
		}
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- sess.Serve(ctx) }()

	select {
	case <-fetcher.Done():
		log.Info("map limit reached", zap.Int("fetched", fetcher.Fetched()))
		return nil
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-serveErr:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

const adminService = "mania-rpc-admin"

// serveAdmin starts the JSON-RPC endpoint and registers it so operators can
// find every running controller. The returned func undoes both.
func serveAdmin(ctx context.Context, log *zap.Logger, o runOptions, reg registry.Registry, sess *client.Session, fetcher *mapfetch.Fetcher) (func() error, error) {
	svc := admin.NewService(sess, fetcher, sess.Metrics().Snapshot, admin.WithLogger(log))
	h, err := admin.NewHandler(svc)
	if err != nil {
		return nil, err
	}

	l, err := net.Listen("tcp", o.adminAddr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/rpc", h)
	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := httpSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin endpoint stopped", zap.Error(err))
		}
	}()

	advertise := l.Addr().String()
	inst := registry.ServiceInstance{Addr: advertise, Weight: 1, Version: o.cfg.APIVersion}
	if err := reg.Register(ctx, adminService, inst, 10); err != nil {
		log.Warn("admin endpoint not registered", zap.Error(err))
	}
	log.Info("admin endpoint listening", zap.String("addr", advertise))

	return func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return multierr.Combine(
			reg.Deregister(shutdownCtx, adminService, advertise),
			httpSrv.Shutdown(shutdownCtx),
		)
	}, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
