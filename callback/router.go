// Package callback routes server-pushed callbacks to handlers by method name.
package callback

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"mania-rpc/message"
	"mania-rpc/middleware"
)

// Callback method names pushed by a dedicated server once EnableCallbacks
// has been accepted.
const (
	ServerStart        = "ManiaPlanet.ServerStart"
	ServerStop         = "ManiaPlanet.ServerStop"
	BeginMatch         = "ManiaPlanet.BeginMatch"
	EndMatch           = "ManiaPlanet.EndMatch"
	BeginMap           = "ManiaPlanet.BeginMap"
	EndMap             = "ManiaPlanet.EndMap"
	StatusChanged      = "ManiaPlanet.StatusChanged"
	PlayerConnect      = "ManiaPlanet.PlayerConnect"
	PlayerDisconnect   = "ManiaPlanet.PlayerDisconnect"
	PlayerChat         = "ManiaPlanet.PlayerChat"
	MapListModified    = "ManiaPlanet.MapListModified"
	ModeScriptCallback = "ManiaPlanet.ModeScriptCallbackArray"
)

// Router is a callback handler that dispatches on cb.Method. Methods nobody
// registered for are logged at debug level and ignored.
type Router struct {
	mu          sync.RWMutex
	routes      map[string]middleware.HandlerFunc
	middlewares []middleware.Middleware
	log         *zap.Logger
}

func NewRouter(log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		routes: make(map[string]middleware.HandlerFunc),
		log:    log,
	}
}

// Handle registers h for method, replacing any previous handler.
func (r *Router) Handle(method string, h middleware.HandlerFunc) {
	r.mu.Lock()
	r.routes[method] = h
	r.mu.Unlock()
}

// Use appends middlewares wrapped around every routed handler. The first
// one registered is the outermost.
func (r *Router) Use(mws ...middleware.Middleware) {
	r.mu.Lock()
	r.middlewares = append(r.middlewares, mws...)
	r.mu.Unlock()
}

// Dispatch has the middleware.HandlerFunc signature, so a Router can be
// installed directly with transport.WithCallbackHandler.
func (r *Router) Dispatch(ctx context.Context, cb *message.Message) error {
	r.mu.RLock()
	h, ok := r.routes[cb.Method]
	mws := r.middlewares
	r.mu.RUnlock()

	if !ok {
		r.log.Debug("unhandled callback",
			zap.String("method", cb.Method),
			zap.Int("params", len(cb.Params)))
		return nil
	}
	return middleware.Chain(mws...)(h)(ctx, cb)
}

// Methods lists the callback names with a registered handler.
func (r *Router) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	methods := make([]string, 0, len(r.routes))
	for m := range r.routes {
		methods = append(methods, m)
	}
	return methods
}
