package requestlog

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"zengateway/internal/core"
)

// IsGatewayPath reports whether path is a metered model endpoint.
func IsGatewayPath(path string) bool {
	switch strings.TrimSuffix(path, "/") {
	case "/v1/messages", "/v1/responses", "/v1/chat/completions":
		return true
	}
	return false
}

// Middleware opens an entry for every gateway call, exposes it through the
// request context and queues it once the handler has returned. It expects
// the request-id middleware to have run first.
func Middleware(logger LoggerInterface) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if logger == nil || !logger.Config().Enabled || !IsGatewayPath(c.Request().URL.Path) {
				return next(c)
			}

			start := time.Now()
			req := c.Request()
			ctx := req.Context()
			identity := core.GetIdentity(ctx)

			entry := &Entry{
				ID:              uuid.NewString(),
				Timestamp:       start.UTC(),
				RequestID:       core.GetRequestID(ctx),
				SessionID:       identity.Session,
				ClientRequestID: identity.Request,
				ClientIP:        req.Header.Get("x-real-ip"),
				Method:          req.Method,
				Path:            req.URL.Path,
			}
			c.SetRequest(req.WithContext(WithEntry(ctx, entry)))

			err := next(c)

			entry.DurationNs = time.Since(start).Nanoseconds()
			entry.StatusCode = c.Response().Status
			if err != nil {
				if entry.ErrorType == "" {
					entry.ErrorType = core.ErrorTypeName(err)
					entry.ErrorMessage = err.Error()
				}
				if !c.Response().Committed {
					entry.StatusCode = statusFor(err)
				}
			}

			logger.Write(entry)
			return err
		}
	}
}

func statusFor(err error) int {
	if gwErr, ok := core.AsGatewayError(err); ok {
		return gwErr.HTTPStatusCode()
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
