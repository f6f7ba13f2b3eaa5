package server

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"zengateway/internal/core"
)

const (
	headerRequestID     = "X-Request-ID"
	headerSession       = "x-opencode-session"
	headerClientRequest = "x-opencode-request"
)

// RequestContext assigns a request ID (the caller's X-Request-ID or a fresh
// UUID), echoes it on the response and stores it together with the caller
// identity headers in the request context.
func RequestContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			id := req.Header.Get(headerRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			c.Response().Header().Set(headerRequestID, id)

			ctx := core.WithRequestID(req.Context(), id)
			ctx = core.WithIdentity(ctx, core.Identity{
				Session: req.Header.Get(headerSession),
				Request: req.Header.Get(headerClientRequest),
			})
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}
