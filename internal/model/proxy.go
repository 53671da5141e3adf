// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be fetched upstream.
type ProxyRequest struct {
	Ctx context.Context
	// RawTarget is the unvalidated value of the entry endpoint's url parameter.
	RawTarget string
	Method    string
	Header    http.Header
	Body      io.ReadCloser
}

// UpstreamResponse is a single upstream response. Its body is consumed exactly once.
type UpstreamResponse struct {
	StatusCode  int
	Header      http.Header
	ContentType string
	Body        io.ReadCloser
}

// ResultKind selects how a Result is written to the client.
type ResultKind int

const (
	// ResultStream streams Body through with the upstream status.
	ResultStream ResultKind = iota
	// ResultDocument sends a rewritten HTML document.
	ResultDocument
	// ResultRedirect sends a 302 to Location.
	ResultRedirect
)

// String returns the metrics label for the kind.
func (k ResultKind) String() string {
	switch k {
	case ResultDocument:
		return "document"
	case ResultRedirect:
		return "redirect"
	default:
		return "stream"
	}
}

// Result is the outcome of forwarding a ProxyRequest.
type Result struct {
	Kind       ResultKind
	Target     *url.URL
	StatusCode int
	Header     http.Header

	// Location is the proxy link for ResultRedirect.
	Location string
	// Document is the serialized HTML for ResultDocument.
	Document []byte
	// Body is the upstream stream for ResultStream; the caller closes it.
	Body io.ReadCloser
}

// RewriteContext carries the request-scoped inputs of the HTML rewriter.
type RewriteContext struct {
	// Base resolves relative references in the document.
	Base *url.URL
	// EntryPath prefixes every generated proxy link.
	EntryPath string
	// HomePath is linked from the banner.
	HomePath string
	Banner   bool
}
