// Package mapfetch downloads maps from the exchange into the dedicated
// server's maps directory and queues them with InsertMap.
//
// The workflow is driven from a BeginMap callback and issues its calls on the
// same session that delivered the callback:
//
//	BeginMap ─→ RandomMapID (HTTP) ─→ GetMapsDirectory ─→ create {dir}{id}.Map.Gbx
//	        ─→ Download (HTTP) ─→ InsertMap("{id}.Map.Gbx")
package mapfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mania-rpc/message"
)

// Caller is the part of a session the workflow needs.
type Caller interface {
	CallString(ctx context.Context, method string, params ...any) (string, error)
	CallBool(ctx context.Context, method string, params ...any) (bool, error)
}

// Exchange is the part of exchange.Client the workflow needs.
type Exchange interface {
	RandomMapID(ctx context.Context) (uint64, error)
	Download(ctx context.Context, id uint64, w io.Writer) (int64, error)
}

type Option func(*Fetcher)

func WithLogger(log *zap.Logger) Option {
	return func(f *Fetcher) { f.log = log }
}

// WithLimit closes Done after n completed fetches. 0 means never.
func WithLimit(n int) Option {
	return func(f *Fetcher) { f.limit = n }
}

type Fetcher struct {
	session Caller
	ex      Exchange
	log     *zap.Logger
	limit   int

	mu       sync.Mutex
	fetched  int
	done     chan struct{}
	doneOnce sync.Once
}

func New(session Caller, ex Exchange, opts ...Option) *Fetcher {
	f := &Fetcher{
		session: session,
		ex:      ex,
		log:     zap.NewNop(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FileName is the name a map is stored and inserted under.
func FileName(id uint64) string {
	return fmt.Sprintf("%d.Map.Gbx", id)
}

// Fetch stores map id in the maps directory unless a file of that name is
// already there, then inserts it after the current map. A fault from
// InsertMap is logged and returned; the fetch still counts as completed.
func (f *Fetcher) Fetch(ctx context.Context, id uint64) error {
	log := f.log.With(zap.Uint64("map", id))

	dir, err := f.session.CallString(ctx, "GetMapsDirectory")
	if err != nil {
		return fmt.Errorf("GetMapsDirectory: %w", err)
	}

	path := dir + FileName(id)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	switch {
	case errors.Is(err, fs.ErrExist):
		log.Info("map is already downloaded", zap.String("path", path))
	case err != nil:
		return fmt.Errorf("create %s: %w", path, err)
	default:
		log.Info("downloading map", zap.String("path", path))
		if err := f.download(ctx, id, file, path); err != nil {
			return err
		}
	}

	ok, err := f.session.CallBool(ctx, "InsertMap", FileName(id))
	f.completed()
	if err != nil {
		var fault *message.Fault
		if errors.As(err, &fault) {
			log.Warn("while inserting map", zap.String("fault", fault.String), zap.Int("code", fault.Code))
		}
		return fmt.Errorf("InsertMap %s: %w", FileName(id), err)
	}
	if !ok {
		return fmt.Errorf("InsertMap %s: server answered false", FileName(id))
	}
	log.Info("map queued")
	return nil
}

// download fills file and removes it again on any failure, so a later
// attempt is not mistaken for an existing map.
func (f *Fetcher) download(ctx context.Context, id uint64, file *os.File, path string) error {
	n, err := f.ex.Download(ctx, id, file)
	err = multierr.Append(err, file.Close())
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			err = multierr.Append(err, rmErr)
		}
		return err
	}
	f.log.Debug("map downloaded", zap.Uint64("map", id), zap.Int64("bytes", n))
	return nil
}

// FetchRandom picks a random map on the exchange and fetches it.
func (f *Fetcher) FetchRandom(ctx context.Context) (uint64, error) {
	id, err := f.ex.RandomMapID(ctx)
	if err != nil {
		return 0, fmt.Errorf("random map: %w", err)
	}
	return id, f.Fetch(ctx, id)
}

// HandleBeginMap is a callback handler for ManiaPlanet.BeginMap: every map
// start queues one more random map.
func (f *Fetcher) HandleBeginMap(ctx context.Context, cb *message.Message) error {
	_, err := f.FetchRandom(ctx)
	return err
}

func (f *Fetcher) completed() {
	f.mu.Lock()
	f.fetched++
	reached := f.limit > 0 && f.fetched >= f.limit
	f.mu.Unlock()
	if reached {
		f.doneOnce.Do(func() { close(f.done) })
	}
}

// Fetched returns how many fetches reached InsertMap.
func (f *Fetcher) Fetched() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetched
}

// Done is closed once the configured number of fetches has completed.
func (f *Fetcher) Done() <-chan struct{} {
	return f.done
}
