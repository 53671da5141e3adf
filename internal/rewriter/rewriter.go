// Package rewriter rewrites HTML documents so that navigation, form
// submission and sub-resource loads keep routing through the proxy.
package rewriter

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"proxypal-go/internal/model"
	"proxypal-go/internal/resolver"
)

// ErrRewrite is returned when a document cannot be read, decoded or serialized.
var ErrRewrite = errors.New("html rewrite failed")

// ContentType is the Content-Type of every rewritten document.
const ContentType = "text/html; charset=utf-8"

// resourceAttrs maps sub-resource elements to the attribute holding their URL.
var resourceAttrs = []struct {
	tag  string
	attr string
}{
	{"img", "src"},
	{"script", "src"},
	{"link", "href"},
	{"iframe", "src"},
	{"source", "src"},
	{"video", "src"},
	{"audio", "src"},
}

// Stats counts what a single Rewrite call did.
type Stats struct {
	// Rewritten is the number of attributes replaced by a proxy link.
	Rewritten int
	// Skipped is the number of non-empty attributes that could not be resolved.
	Skipped int
	// Removed is the number of elements dropped (CSP meta, base).
	Removed int
}

// Rewriter rewrites HTML documents. It holds no per-request state and is safe
// for concurrent use.
type Rewriter struct {
	maxBytes int64
}

// New returns a Rewriter that rejects documents larger than maxBytes.
// A non-positive maxBytes disables the limit.
func New(maxBytes int64) *Rewriter {
	return &Rewriter{maxBytes: maxBytes}
}

// IsHTML reports whether contentType names an HTML document. Parameters are
// ignored; an unparseable value falls back to a substring match.
func IsHTML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "text/html")
	}
	return mediaType == "text/html"
}

// Rewrite reads the whole document from body, transcodes it to UTF-8 and
// returns the rewritten serialization.
func (r *Rewriter) Rewrite(body io.Reader, contentType string, rc model.RewriteContext) ([]byte, Stats, error) {
	var stats Stats

	if rc.Base == nil {
		return nil, stats, fmt.Errorf("%w: no base URL", ErrRewrite)
	}

	raw, err := r.readAll(body)
	if err != nil {
		return nil, stats, err
	}

	src, err := toUTF8(raw, contentType)
	if err != nil {
		return nil, stats, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(src))
	if err != nil {
		return nil, stats, fmt.Errorf("%w: parse: %w", ErrRewrite, err)
	}

	stats.Removed += stripCSPMeta(doc)
	stats.Removed += doc.Find("base").Remove().Length()

	l := linker{base: rc.Base, entry: rc.EntryPath, stats: &stats}
	l.anchors(doc)
	l.forms(doc)
	l.resources(doc)
	stripIntegrity(doc)

	if rc.Banner {
		injectBanner(doc, rc.Base, rc.HomePath)
	}

	out, err := doc.Html()
	if err != nil {
		return nil, stats, fmt.Errorf("%w: serialize: %w", ErrRewrite, err)
	}
	return []byte(out), stats, nil
}

func (r *Rewriter) readAll(body io.Reader) ([]byte, error) {
	if r.maxBytes <= 0 {
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %w", ErrRewrite, err)
		}
		return raw, nil
	}

	raw, err := io.ReadAll(io.LimitReader(body, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrRewrite, err)
	}
	if int64(len(raw)) > r.maxBytes {
		return nil, fmt.Errorf("%w: document exceeds %d bytes", ErrRewrite, r.maxBytes)
	}
	return raw, nil
}

// toUTF8 decodes raw using the charset from the BOM, the Content-Type header
// or a <meta> prescan. Undeclared documents that are valid UTF-8 are kept as is.
func toUTF8(raw []byte, contentType string) ([]byte, error) {
	enc, name, certain := charset.DetermineEncoding(raw, contentType)
	if name == "utf-8" || (!certain && utf8.Valid(raw)) {
		return raw, nil
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrRewrite, name, err)
	}
	return out, nil
}

func stripCSPMeta(doc *goquery.Document) int {
	csp := doc.Find("meta[http-equiv]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.EqualFold(s.AttrOr("http-equiv", ""), "Content-Security-Policy")
	})
	n := csp.Length()
	csp.Remove()
	return n
}

// linker rewrites URL attributes into proxy links.
type linker struct {
	base  *url.URL
	entry string
	stats *Stats
}

// rewrite replaces the value of attr with a proxy link. Empty values and
// references that do not resolve to an http(s) URL are left untouched.
func (l *linker) rewrite(s *goquery.Selection, attr, value string) bool {
	if strings.TrimSpace(value) == "" {
		return false
	}
	target, ok := resolver.Resolve(l.base, value)
	if !ok {
		l.stats.Skipped++
		return false
	}
	s.SetAttr(attr, resolver.ProxyLink(l.entry, target))
	l.stats.Rewritten++
	return true
}

func (l *linker) anchors(doc *goquery.Document) {
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if l.rewrite(s, "href", s.AttrOr("href", "")) {
			s.SetAttr("target", "_self")
		}
	})
}

// forms rewrites form actions. A missing or empty action submits to the page
// itself, so it becomes a proxy link to the base URL.
func (l *linker) forms(doc *goquery.Document) {
	doc.Find("form").Each(func(_ int, s *goquery.Selection) {
		action := strings.TrimSpace(s.AttrOr("action", ""))
		if action == "" {
			action = l.base.String()
		}
		l.rewrite(s, "action", action)
	})
}

func (l *linker) resources(doc *goquery.Document) {
	for _, ra := range resourceAttrs {
		doc.Find(ra.tag + "[" + ra.attr + "]").Each(func(_ int, s *goquery.Selection) {
			l.rewrite(s, ra.attr, s.AttrOr(ra.attr, ""))
		})
	}
}

// stripIntegrity removes subresource integrity and CORS mode from scripts and
// stylesheets.
func stripIntegrity(doc *goquery.Document) {
	doc.Find("script").RemoveAttr("integrity").RemoveAttr("crossorigin")
	doc.Find("link[rel]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		for _, rel := range strings.Fields(s.AttrOr("rel", "")) {
			if strings.EqualFold(rel, "stylesheet") {
				return true
			}
		}
		return false
	}).RemoveAttr("integrity").RemoveAttr("crossorigin")
}

const bannerStyle = "position:fixed;top:0;left:0;right:0;z-index:2147483647;height:38px;" +
	"box-sizing:border-box;padding:8px 12px;background:#1f2933;color:#f5f7fa;" +
	"font:14px/22px sans-serif;white-space:nowrap;overflow:hidden;text-overflow:ellipsis"

func injectBanner(doc *goquery.Document, base *url.URL, home string) {
	body := doc.Find("body").First()
	if body.Length() == 0 {
		return
	}
	origin := base.Scheme + "://" + base.Host

	banner := fmt.Sprintf(
		`<div data-proxypal-banner style="%s">Proxied: %s &middot; <a href="%s" style="color:#9fb3c8">Home</a></div>`+
			`<div data-proxypal-spacer style="height:38px"></div>`,
		bannerStyle, html.EscapeString(origin), html.EscapeString(home),
	)
	body.PrependHtml(banner)
}
