package middleware

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/etwodev/portmux/pkg/handler"
	"github.com/etwodev/portmux/pkg/log"
)

// NewLoggingMiddleware injects logger into the request context and logs
// every request line with the handler's duration.
func NewLoggingMiddleware(logger zerolog.Logger) Middleware {
	return NewMiddleware(func(next handler.HandlerFunc) handler.HandlerFunc {
		return func(ctx *handler.Context) error {
			if ctx.Context == nil {
				panic("handler.Context.Context is nil: middleware invoked before context was initialized")
			}

			l := logger.With().Str("ConnID", ctx.ConnID).Logger()
			ctx.Context = log.WithContext(ctx.Context, l)

			start := time.Now()
			err := next(ctx)

			l.Info().
				Str("Method", ctx.Method).
				Str("URI", ctx.URI).
				Str("Remote", ctx.RemoteAddr).
				Int("Status", ctx.Response.Status()).
				Dur("Took", time.Since(start)).
				Bool("Async", ctx.Pending() != nil).
				Err(err).
				Msg("Request")
			return err
		}
	}, "inject_logger", true, false)
}
