// Package middleware provides Echo middleware for logging, metrics and security.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"proxypal-go/internal/resolver"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// For proxy requests the target host is logged, never the full target URL,
// since query strings of proxied pages routinely carry tokens.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if target, err := resolver.TargetFromLink(req.URL.RequestURI()); err == nil {
				attrs = append(attrs, "target_host", target.Host)
			}

			logger.Info("request", attrs...)

			return err
		}
	}
}
