package transport

import (
	"go.uber.org/zap"

	"mania-rpc/codec"
	"mania-rpc/middleware"
)

type Option func(*config)

type config struct {
	codec    codec.Codec
	handler  middleware.HandlerFunc // nil: callbacks are logged and dropped
	log      *zap.Logger
	maxDepth int // deepest callback nesting at which calls are still allowed
}

func defaultConfig() config {
	return config{
		codec:    codec.Default,
		log:      zap.NewNop(),
		maxDepth: 8,
	}
}

func WithCodec(c codec.Codec) Option {
	return func(cfg *config) {
		cfg.codec = c
	}
}

// WithCallbackHandler installs the handler invoked for every callback. It
// runs on the goroutine that read the frame, and may issue calls on the same
// transport.
func WithCallbackHandler(h middleware.HandlerFunc) Option {
	return func(cfg *config) {
		cfg.handler = h
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(cfg *config) {
		cfg.log = log
	}
}

// WithMaxReentrancy caps how deeply callbacks may nest calls that trigger
// further callbacks. Default: 8.
func WithMaxReentrancy(depth int) Option {
	return func(cfg *config) {
		cfg.maxDepth = depth
	}
}
