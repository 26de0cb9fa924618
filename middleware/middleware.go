// Package middleware wraps callback handlers.
//
// A callback handler runs on whichever goroutine is pumping frames at the time,
// and may itself issue calls on the same session. Middlewares therefore always
// run next inline: none of them hands the callback to another goroutine.
package middleware

import (
	"context"

	"mania-rpc/message"
)

// HandlerFunc handles one callback pushed by the peer.
type HandlerFunc func(ctx context.Context, cb *message.Message) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that Chain(A, B, C)(h) == A(B(C(h))).
// Execution order: A.before → B.before → C.before → h → C.after → B.after → A.after
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
