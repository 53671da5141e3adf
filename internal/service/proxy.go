// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"proxypal-go/internal/client"
	"proxypal-go/internal/config"
	"proxypal-go/internal/metrics"
	"proxypal-go/internal/model"
	"proxypal-go/internal/resolver"
	"proxypal-go/internal/rewriter"
)

// ErrMissingTarget is returned when the request carries no target URL.
var ErrMissingTarget = errors.New("missing target URL")

// ErrDocumentTimeout is returned when an HTML document is not fully read
// within the upstream timeout.
var ErrDocumentTimeout = errors.New("document read timed out")

// passthroughResponseHeaders are the only upstream response headers streamed
// back to the client.
var passthroughResponseHeaders = []string{
	"Content-Type",
	"Cache-Control",
}

// ProxyService fetches targets on behalf of clients and decides how each
// upstream response is delivered: as a redirect, a rewritten document or a
// passthrough stream.
type ProxyService struct {
	client   *client.UpstreamClient
	rewriter *rewriter.Rewriter
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics

	forwardHeaders []string
}

// NewProxyService creates a ProxyService.
// The metrics parameter is optional; pass nil to disable recording.
func NewProxyService(c *client.UpstreamClient, rw *rewriter.Rewriter, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	forward := make([]string, 0, len(cfg.Upstream.ForwardHeaders))
	for _, h := range cfg.Upstream.ForwardHeaders {
		forward = append(forward, http.CanonicalHeaderKey(strings.TrimSpace(h)))
	}

	return &ProxyService{
		client:         c,
		rewriter:       rw,
		cfg:            cfg,
		logger:         logger.With("component", "proxy_service"),
		metrics:        m,
		forwardHeaders: forward,
	}
}

// Forward fetches the request's target and returns how to answer the client.
// For a ResultStream the caller is responsible for closing Result.Body.
//
// Redirects are never followed here. A 3xx whose Location resolves becomes a
// ResultRedirect pointing back at the entry endpoint, so the browser issues
// the next request through the proxy.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.Result, error) {
	if strings.TrimSpace(pr.RawTarget) == "" {
		return nil, ErrMissingTarget
	}
	target, err := resolver.ParseTarget(pr.RawTarget)
	if err != nil {
		return nil, err
	}

	body := requestBody(pr)
	header := s.filterRequestHeaders(pr.Header, body != nil)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"target_host", target.Host,
	)

	ctx, cancel := context.WithCancelCause(pr.Ctx)
	resp, err := s.client.Fetch(ctx, pr.Method, target.String(), header, body)
	if err != nil {
		cancel(nil)
		return nil, fmt.Errorf("fetch %s: %w", target.Redacted(), err)
	}

	var res *model.Result
	switch {
	case isRedirect(resp.StatusCode) && resp.Header.Get("Location") != "":
		res = s.redirect(target, resp)
	case rewriter.IsHTML(resp.ContentType) && hasBody(pr.Method, resp.StatusCode):
		res, err = s.document(ctx, cancel, target, resp)
		if err != nil {
			cancel(nil)
			return nil, err
		}
	default:
		res = stream(target, resp, nil)
	}

	// A streamed body has no deadline of its own; its context lives until
	// the caller closes it.
	if res.Kind == model.ResultStream {
		res.Body = &cancelOnClose{ReadCloser: res.Body, cancel: cancel}
	} else {
		cancel(nil)
	}

	s.recordResult(res.Kind)
	return res, nil
}

// redirect rewrites the Location of a 3xx into a proxy link. An unresolvable
// Location is passed through untouched along with the original status.
func (s *ProxyService) redirect(target *url.URL, resp *model.UpstreamResponse) *model.Result {
	loc := resp.Header.Get("Location")
	dest, ok := resolver.Resolve(target, loc)
	if !ok {
		s.logger.Debug("redirect location not proxyable", "status", resp.StatusCode)
		return stream(target, resp, []string{"Location"})
	}
	_ = resp.Body.Close()

	return &model.Result{
		Kind:       model.ResultRedirect,
		Target:     target,
		StatusCode: http.StatusFound,
		Location:   resolver.ProxyLink(s.cfg.Server.EntryPath, dest),
	}
}

// document rewrites an HTML response. Reading the body is bounded by the
// upstream timeout, unlike streamed bodies.
func (s *ProxyService) document(ctx context.Context, cancel context.CancelCauseFunc, target *url.URL, resp *model.UpstreamResponse) (*model.Result, error) {
	defer func() { _ = resp.Body.Close() }()

	if d := time.Duration(s.cfg.Upstream.TimeoutSeconds) * time.Second; d > 0 {
		timer := time.AfterFunc(d, func() { cancel(ErrDocumentTimeout) })
		defer timer.Stop()
	}

	rc := model.RewriteContext{
		Base:      target,
		EntryPath: s.cfg.Server.EntryPath,
		HomePath:  s.cfg.Rewrite.HomePath,
		Banner:    s.cfg.Rewrite.BannerEnabled(),
	}

	start := time.Now()
	doc, stats, err := s.rewriter.Rewrite(resp.Body, resp.ContentType, rc)
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, ErrDocumentTimeout) {
			err = cause
		}
		return nil, fmt.Errorf("rewrite %s: %w", target.Redacted(), err)
	}

	if s.metrics != nil {
		s.metrics.RewriteDuration.Observe(time.Since(start).Seconds())
		s.metrics.RewrittenAttrs.WithLabelValues("rewritten").Add(float64(stats.Rewritten))
		s.metrics.RewrittenAttrs.WithLabelValues("skipped").Add(float64(stats.Skipped))
	}
	s.logger.Debug("document rewritten",
		"target_host", target.Host,
		"rewritten", stats.Rewritten,
		"skipped", stats.Skipped,
		"removed", stats.Removed,
		"bytes", len(doc),
	)

	header := make(http.Header)
	header.Set("Content-Type", rewriter.ContentType)

	return &model.Result{
		Kind:       model.ResultDocument,
		Target:     target,
		StatusCode: resp.StatusCode,
		Header:     header,
		Document:   doc,
	}, nil
}

func stream(target *url.URL, resp *model.UpstreamResponse, extra []string) *model.Result {
	return &model.Result{
		Kind:       model.ResultStream,
		Target:     target,
		StatusCode: resp.StatusCode,
		Header:     filterResponseHeaders(resp.Header, extra),
		Body:       resp.Body,
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel(nil)
	return err
}

func (s *ProxyService) recordResult(kind model.ResultKind) {
	if s.metrics == nil {
		return
	}
	s.metrics.Responses.WithLabelValues(kind.String()).Inc()
}

// requestBody returns the body to forward, or nil for GET, HEAD and empty bodies.
func requestBody(pr *model.ProxyRequest) io.Reader {
	if pr.Method == http.MethodGet || pr.Method == http.MethodHead {
		return nil
	}
	if pr.Body == nil || pr.Body == http.NoBody {
		return nil
	}
	return pr.Body
}

func isRedirect(status int) bool {
	return status >= 300 && status < 400
}

// hasBody reports whether a response to method with status can carry content.
func hasBody(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	return status != http.StatusNoContent && status != http.StatusNotModified
}

// filterRequestHeaders copies the configured allow-list from the client
// request. Content-Type is only sent along with a forwarded body.
func (s *ProxyService) filterRequestHeaders(src http.Header, withBody bool) http.Header {
	dst := make(http.Header)
	for _, key := range s.forwardHeaders {
		if key == "Content-Type" && !withBody {
			continue
		}
		if vals := src.Values(key); len(vals) > 0 {
			dst[key] = append([]string(nil), vals...)
		}
	}
	return dst
}

func filterResponseHeaders(src http.Header, extra []string) http.Header {
	dst := make(http.Header)
	for _, key := range passthroughResponseHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[key] = vals
		}
	}
	for _, key := range extra {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	return dst
}
