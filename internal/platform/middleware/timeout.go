package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/woundcare/woundcare/internal/platform/apierr"
)

// RequestTimeout sets a context deadline on each incoming request. The
// handler runs to completion on the calling goroutine; if the deadline
// passed and nothing was written yet, a 504 error envelope is sent in place
// of the handler's result. Stores check the request context before
// committing, so a request that overran does not leave writes behind.
//
// Paths listed in skip (prefix match) are left without a deadline.
func RequestTimeout(timeout time.Duration, skip ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}
			for _, p := range skip {
				if strings.HasPrefix(c.Request().URL.Path, p) {
					return next(c)
				}
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return gatewayTimeoutError(c)
			}
			return err
		}
	}
}

func gatewayTimeoutError(c echo.Context) error {
	env := apierr.Envelope{
		Status: apierr.StatusError,
		Error: apierr.Detail{
			Code:    "timeout",
			Message: "request processing exceeded the allowed time limit",
		},
	}
	return c.JSON(http.StatusGatewayTimeout, env)
}
