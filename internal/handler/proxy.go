package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"proxypal-go/internal/config"
	"proxypal-go/internal/model"
	"proxypal-go/internal/resolver"
	"proxypal-go/internal/service"
)

// userinfoPattern matches credentials embedded in URLs inside error messages.
var userinfoPattern = regexp.MustCompile(`(?i)([a-z][a-z0-9+.-]*://)[^/@\s"]+@`)

// ProxyHandler serves the entry endpoint.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	usage   string
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		usage:   `Missing "` + resolver.TargetParam + `" query parameter. Example: ` + cfg.Server.EntryPath + "?" + resolver.TargetParam + "=https://example.com",
	}
}

// Handle fetches the target named by the url query parameter and answers with
// a redirect back through the proxy, a rewritten HTML document or the
// upstream body streamed as is.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:       req.Context(),
		RawTarget: c.QueryParam(resolver.TargetParam),
		Method:    req.Method,
		Header:    req.Header,
		Body:      req.Body,
	}

	res, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}

	switch res.Kind {
	case model.ResultRedirect:
		return c.Redirect(http.StatusFound, res.Location)
	case model.ResultDocument:
		copyHeader(c.Response().Header(), res.Header)
		return c.Blob(res.StatusCode, res.Header.Get(echo.HeaderContentType), res.Document)
	default:
		return h.stream(c, res)
	}
}

func (h *ProxyHandler) stream(c echo.Context, res *model.Result) error {
	defer func() { _ = res.Body.Close() }()

	// Upstream scripts and stylesheets may arrive without a Content-Type;
	// nosniff would make the browser refuse them.
	c.Response().Header().Del(echo.HeaderXContentTypeOptions)
	copyHeader(c.Response().Header(), res.Header)
	c.Response().WriteHeader(res.StatusCode)

	// The status line is already sent; a failed copy leaves the client with a
	// truncated body.
	if _, err := io.Copy(c.Response(), res.Body); err != nil {
		level := slog.LevelError
		if errors.Is(err, context.Canceled) {
			level = slog.LevelDebug
		}
		h.logger.Log(c.Request().Context(), level, "streaming response body",
			"err", sanitizeError(err),
			"target_host", res.Target.Host,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrMissingTarget):
		return c.String(http.StatusBadRequest, h.usage)
	case errors.Is(err, resolver.ErrInvalidTarget):
		h.logger.Debug("invalid target", "err", sanitizeError(err))
		return c.String(http.StatusBadRequest, "Invalid URL")
	}

	msg := sanitizeError(err)
	if errors.Is(err, context.Canceled) {
		h.logger.Debug("client went away", "err", msg)
	} else {
		h.logger.Error("proxy error", "err", msg, "path", c.Request().URL.Path)
	}

	return c.String(http.StatusInternalServerError, "Proxy error: "+msg)
}

func copyHeader(dst, src http.Header) {
	for key, vals := range src {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}

// sanitizeError redacts URL credentials from error messages.
func sanitizeError(err error) string {
	return userinfoPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]@")
}
