package middleware

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"mania-rpc/codec"
	"mania-rpc/message"
	"mania-rpc/protocol"
)

// Retry re-runs a failed handler with exponential backoff when the error
// looks transient (network timeouts, resets, refused connections).
func Retry(log *zap.Logger, maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cb *message.Message) error {
			err := next(ctx, cb)
			for i := 0; i < maxRetries && err != nil; i++ {
				if !IsTransient(err) {
					return err
				}
				log.Info("retrying callback",
					zap.String("method", cb.Method),
					zap.Int("attempt", i+1),
					zap.Error(err))
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(baseDelay * time.Duration(1<<i)):
				}
				err = next(ctx, cb)
			}
			return err
		}
	}
}

// IsTransient reports whether err is worth retrying. Errors that killed the
// session and faults from the peer never are, whatever they wrap.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var (
		transportErr *protocol.TransportError
		decodeErr    *codec.DecodeError
		fault        *message.Fault
	)
	if errors.As(err, &transportErr) || errors.As(err, &decodeErr) || errors.As(err, &fault) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe")
}
