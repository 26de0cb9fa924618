// Package admin exposes the running session over JSON-RPC 2.0 on HTTP, so an
// operator can poke the dedicated server without a second GBXRemote login.
//
//	POST /rpc  {"jsonrpc":"2.0","method":"Admin.Call","params":[{"Method":"GetStatus"}],"id":1}
//
// Methods:
//   - Admin.Call      forward any XML-RPC method on the session
//   - Admin.QueueMap  fetch a map from the exchange and insert it (TrackID 0 = random)
//   - Admin.Stats     transport counters
package admin

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"

	"mania-rpc/message"
)

// Session is the part of client.Session the service uses.
type Session interface {
	Call(ctx context.Context, method string, params ...any) (any, error)
}

// Fetcher is the part of mapfetch.Fetcher the service uses.
type Fetcher interface {
	Fetch(ctx context.Context, id uint64) error
	FetchRandom(ctx context.Context) (uint64, error)
}

// StatsFunc returns counters to report from Admin.Stats.
type StatsFunc func() map[string]int64

type CallArgs struct {
	Method string
	Params []any
}

type CallReply struct {
	Result any
}

type QueueMapArgs struct {
	TrackID uint64
}

type QueueMapReply struct {
	TrackID uint64
}

type StatsArgs struct{}

type StatsReply struct {
	Counters map[string]int64
}

// Service is registered under the name "Admin".
type Service struct {
	session Session
	fetcher Fetcher
	stats   StatsFunc
	timeout time.Duration
	log     *zap.Logger
}

type Option func(*Service)

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithCallTimeout bounds every forwarded call. Default: 30s.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

func NewService(session Session, fetcher Fetcher, stats StatsFunc, opts ...Option) *Service {
	s := &Service{
		session: session,
		fetcher: fetcher,
		stats:   stats,
		timeout: 30 * time.Second,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewHandler returns the JSON-RPC handler with s registered as "Admin".
func NewHandler(s *Service) (http.Handler, error) {
	srv := rpc.NewServer()
	srv.RegisterCodec(json2.NewCodec(), "application/json")
	if err := srv.RegisterService(s, "Admin"); err != nil {
		return nil, err
	}
	return srv, nil
}

func (s *Service) Call(r *http.Request, args *CallArgs, reply *CallReply) error {
	if args.Method == "" {
		return &json2.Error{Code: json2.E_BAD_PARAMS, Message: "Method is required"}
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	params := make([]any, len(args.Params))
	for i, p := range args.Params {
		params[i] = normalize(p)
	}
	result, err := s.session.Call(ctx, args.Method, params...)
	if err != nil {
		s.log.Info("admin call failed", zap.String("method", args.Method), zap.Error(err))
		return toJSONError(err)
	}
	reply.Result = result
	return nil
}

func (s *Service) QueueMap(r *http.Request, args *QueueMapArgs, reply *QueueMapReply) error {
	if s.fetcher == nil {
		return &json2.Error{Code: json2.E_SERVER, Message: "map fetching is disabled"}
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	id := args.TrackID
	var err error
	if id == 0 {
		id, err = s.fetcher.FetchRandom(ctx)
	} else {
		err = s.fetcher.Fetch(ctx, id)
	}
	if err != nil {
		return toJSONError(err)
	}
	reply.TrackID = id
	return nil
}

func (s *Service) Stats(r *http.Request, args *StatsArgs, reply *StatsReply) error {
	if s.stats == nil {
		reply.Counters = map[string]int64{}
		return nil
	}
	reply.Counters = s.stats()
	return nil
}

// toJSONError keeps a dedicated-server fault recognisable on the HTTP side.
func toJSONError(err error) error {
	var fault *message.Fault
	if errors.As(err, &fault) {
		return &json2.Error{Code: json2.E_SERVER, Message: fault.String, Data: map[string]any{"faultCode": fault.Code}}
	}
	return &json2.Error{Code: json2.E_SERVER, Message: err.Error()}
}

// normalize turns JSON numbers that are whole and fit in 32 bits back into
// ints, so they travel as XML-RPC <int> rather than <double>.
func normalize(v any) any {
	switch v := v.(type) {
	case float64:
		if v == math.Trunc(v) && v >= math.MinInt32 && v <= math.MaxInt32 {
			return int(v)
		}
		return v
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = normalize(e)
		}
		return out
	default:
		return v
	}
}
