// gbxmock serves an in-memory dedicated server over GBXRemote 2, for
// running mania-rpc without a game server.
//
// Run:  go run ./cmd/gbxmock -listen 127.0.0.1:5000 -maps /tmp/maps
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mania-rpc/registry"
	"mania-rpc/server"
)

func main() {
	listen := flag.String("listen", "127.0.0.1:5000", "listen address")
	advertise := flag.String("advertise", "", "address to register (default: the listen address)")
	etcd := flag.String("etcd", "", "comma-separated etcd endpoints to register with")
	service := flag.String("service", "dedicated", "registry service name")
	weight := flag.Int("weight", 1, "load-balancing weight")
	mapsDir := flag.String("maps", "", "maps directory (default: a temporary directory)")
	user := flag.String("user", "SuperAdmin", "accepted user")
	password := flag.String("password", "SuperAdmin", "accepted password")
	debug := flag.Bool("debug", false, "development logging")
	flag.Parse()

	var log *zap.Logger
	var err error
	if *debug {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log, *listen, *advertise, *etcd, *service, *weight, *mapsDir, *user, *password); err != nil {
		log.Error("exiting", zap.Error(err))
		os.Exit(1)
	}
}

func run(log *zap.Logger, listen, advertise, etcd, service string, weight int, mapsDir, user, password string) (err error) {
	if mapsDir == "" {
		mapsDir, err = os.MkdirTemp("", "gbxmock-maps-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(mapsDir)
	}

	var reg registry.Registry
	if etcd != "" {
		etcdReg, err := registry.NewEtcdRegistry(strings.Split(etcd, ","), registry.WithLogger(log))
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, etcdReg.Close()) }()
		reg = etcdReg
	}

	srv := server.NewServer(
		server.WithLogger(log),
		server.WithServiceName(service),
		server.WithWeight(weight),
	)
	if _, err := server.NewDedicated(srv, mapsDir, user, password); err != nil {
		return err
	}

	l, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	if advertise == "" {
		advertise = l.Addr().String()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(l, advertise, reg) }()
	log.Info("gbxmock listening",
		zap.String("addr", advertise),
		zap.String("maps", mapsDir))

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	return srv.Shutdown(5 * time.Second)
}
