package middleware

import (
	"context"
	"time"

	"mania-rpc/message"
)

// Timeout bounds a handler through its context. Calls the handler makes on
// the session give up when the deadline passes.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cb *message.Message) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, cb)
		}
	}
}
