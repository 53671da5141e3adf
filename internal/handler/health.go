package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"proxypal-go/internal/config"
	"proxypal-go/internal/resolver"
	"proxypal-go/internal/web"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health, status and landing page endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	landing []byte
}

// NewHealthHandler creates a HealthHandler and renders the landing page.
func NewHealthHandler(cfg *config.Config, v Version) (*HealthHandler, error) {
	landing, err := web.Render(web.Landing{
		EntryPath: cfg.Server.EntryPath,
		Param:     resolver.TargetParam,
	})
	if err != nil {
		return nil, err
	}
	return &HealthHandler{cfg: cfg, version: v, landing: landing}, nil
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information. Upstream credentials are never
// included.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":                "ok",
		"version":               string(h.version),
		"entry_path":            h.cfg.Server.EntryPath,
		"forward_headers":       h.cfg.Upstream.ForwardHeaders,
		"upstream_timeout_secs": h.cfg.Upstream.TimeoutSeconds,
		"socks5_egress":         h.cfg.Upstream.SOCKS5Proxy != "",
		"deny_private_networks": h.cfg.Upstream.DenyPrivateNetworks,
		"banner":                h.cfg.Rewrite.BannerEnabled(),
	})
}

// Landing serves the home page with a form posting to the entry endpoint.
func (h *HealthHandler) Landing(c echo.Context) error {
	return c.HTMLBlob(http.StatusOK, h.landing)
}
