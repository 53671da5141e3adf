// Package resolver resolves document references against a base URL and
// builds the proxy links that route them back through the entry endpoint.
package resolver

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidTarget is returned when a requested target is not an absolute http(s) URL.
var ErrInvalidTarget = errors.New("invalid target URL")

// TargetParam is the entry endpoint query parameter carrying the target URL.
const TargetParam = "url"

// proxyableSchemes lists the schemes the upstream client can fetch.
var proxyableSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// Resolve resolves ref against base using RFC 3986 reference resolution.
// It reports false when ref is malformed or resolves to a scheme the proxy
// cannot fetch (javascript:, mailto:, data: and the like); callers leave such
// references untouched.
func Resolve(base *url.URL, ref string) (*url.URL, bool) {
	if base == nil {
		return nil, false
	}
	ref = strings.TrimSpace(ref)

	u, err := base.Parse(ref)
	if err != nil {
		return nil, false
	}
	if !proxyableSchemes[strings.ToLower(u.Scheme)] || u.Host == "" {
		return nil, false
	}
	return u, true
}

// ParseTarget validates the top-level target of a proxy request.
// The target must be an absolute http or https URL with a host.
func ParseTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidTarget)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrInvalidTarget, raw)
	}
	if !proxyableSchemes[strings.ToLower(u.Scheme)] {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}
	return u, nil
}

// ProxyLink returns entry?url=<encoded target>.
func ProxyLink(entry string, target *url.URL) string {
	return entry + "?" + TargetParam + "=" + url.QueryEscape(target.String())
}

// TargetFromLink extracts and validates the target encoded in a proxy link.
func TargetFromLink(link string) (*url.URL, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("parse proxy link: %w", err)
	}
	return ParseTarget(u.Query().Get(TargetParam))
}
