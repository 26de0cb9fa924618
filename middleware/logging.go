package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mania-rpc/message"
)

func Logging(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cb *message.Message) error {
			start := time.Now()
			err := next(ctx, cb)
			fields := []zap.Field{
				zap.String("method", cb.Method),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				log.Warn("callback failed", append(fields, zap.Error(err))...)
				return err
			}
			log.Debug("callback handled", fields...)
			return nil
		}
	}
}
