// Package client provides the HTTP client used to fetch proxied origins.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/transport/socks5"

	"proxypal-go/internal/config"
	"proxypal-go/internal/metrics"
	"proxypal-go/internal/model"
)

// ErrUpstreamUnavailable is returned when the origin cannot be reached:
// DNS failure, refused or reset connection, timeout or TLS failure.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// UpstreamClient sends requests to arbitrary origins on behalf of proxy clients.
// Redirects are never followed: 3xx responses are returned to the caller.
type UpstreamClient struct {
	httpClient *http.Client
	transport  *http.Transport
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*UpstreamClient, error) {
	dialer, err := newStreamDialer(&cfg.Upstream)
	if err != nil {
		return nil, err
	}
	logger = logger.With("component", "upstream_client")
	if cfg.Upstream.SOCKS5Proxy != "" && cfg.Upstream.DenyPrivateNetworks {
		logger.Warn("deny_private_networks is not enforced for origins reached through socks5_proxy")
	}

	tr := &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		MaxConnsPerHost:       cfg.Upstream.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		ForceAttemptHTTP2:     true,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if !strings.HasPrefix(network, "tcp") {
				return nil, fmt.Errorf("protocol not supported: %v", network)
			}
			return dialer.DialStream(ctx, addr)
		},
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: tr,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		transport: tr,
		logger:    logger,
		metrics:   m,
	}, nil
}

// newStreamDialer returns a direct TCP dialer, or a SOCKS5 dialer when an
// egress proxy is configured. The private-address guard only applies to direct
// dials: behind SOCKS5 the proxy resolves and dials the origin.
func newStreamDialer(cfg *config.UpstreamConfig) (transport.StreamDialer, error) {
	base := net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	if cfg.SOCKS5Proxy == "" {
		if cfg.DenyPrivateNetworks {
			base.Control = denyPrivateAddress
		}
		return &transport.TCPDialer{Dialer: base}, nil
	}

	u, err := url.Parse(cfg.SOCKS5Proxy)
	if err != nil {
		return nil, fmt.Errorf("parse socks5 proxy: %w", err)
	}
	endpoint := &transport.StreamDialerEndpoint{Dialer: &transport.TCPDialer{Dialer: base}, Address: u.Host}
	sc, err := socks5.NewClient(endpoint)
	if err != nil {
		return nil, fmt.Errorf("create socks5 client: %w", err)
	}
	if u.User != nil {
		password, _ := u.User.Password()
		if err := sc.SetCredentials([]byte(u.User.Username()), []byte(password)); err != nil {
			return nil, fmt.Errorf("socks5 credentials: %w", err)
		}
	}
	return sc, nil
}

// Do executes an HTTP request against the origin and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.UpstreamResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	body := decodeBody(resp)

	return &model.UpstreamResponse{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// Fetch executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned body.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request and any in-progress body read are canceled too.
func (c *UpstreamClient) Fetch(ctx context.Context, method, rawURL string, header http.Header, body io.Reader) (*model.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set("Accept-Encoding", acceptEncoding)

	return c.Do(req)
}

// CloseIdleConnections releases pooled upstream connections.
func (c *UpstreamClient) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}
