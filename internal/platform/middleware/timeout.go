package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/medbridge/ehrsync/internal/platform/apperror"
)

// RequestTimeout sets a context deadline on each incoming request and
// answers 504 when the handler overruns it. The API surface is
// request/response only; long-running work happens in background jobs,
// so no route is exempt. Handlers that kick off jobs return before the
// job finishes and never come near the deadline.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					if c.Response().Committed {
						return nil
					}
					return apperror.New(apperror.CodeUnavailable, http.StatusGatewayTimeout,
						"request exceeded the %s processing budget", timeout)
				}
				// Client disconnect or server shutdown.
				return ctx.Err()
			}
		}
	}
}
