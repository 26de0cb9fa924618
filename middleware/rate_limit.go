package middleware

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"mania-rpc/message"
)

var ErrRateLimited = errors.New("callback rate limit exceeded")

// RateLimit drops callbacks beyond a token-bucket rate. It never waits:
// waiting would stall the frame pump for every other caller.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cb *message.Message) error {
			if !limiter.Allow() {
				return ErrRateLimited
			}
			return next(ctx, cb)
		}
	}
}
