package rewriter

import (
	"bytes"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"proxypal-go/internal/model"
)

func testContext(t *testing.T, base string) model.RewriteContext {
	t.Helper()
	u, err := url.Parse(base)
	require.NoError(t, err)
	return model.RewriteContext{Base: u, EntryPath: "/proxy", HomePath: "/"}
}

func rewriteDoc(t *testing.T, src string, rc model.RewriteContext) (*goquery.Document, Stats) {
	t.Helper()
	out, stats, err := New(0).Rewrite(strings.NewReader(src), "text/html", rc)
	require.NoError(t, err)
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(out))
	require.NoError(t, err)
	return doc, stats
}

func TestIsHTML(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"text/html", true},
		{"text/html; charset=utf-8", true},
		{"TEXT/HTML; Charset=ISO-8859-1", true},
		{"text/html;;broken", true},
		{"application/xhtml+xml", false},
		{"text/plain", false},
		{"image/png", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			assert.Equal(t, tt.want, IsHTML(tt.contentType))
		})
	}
}

func TestRewrite_Anchors(t *testing.T) {
	rc := testContext(t, "https://example.com/a/b.html")
	doc, stats := rewriteDoc(t, `<html><body>
		<a id="up" href="../c.html">up</a>
		<a id="sib" href="c.html">sibling</a>
		<a id="js" href="javascript:void(0)">js</a>
		<a id="mail" href="mailto:x@example.com">mail</a>
		<a id="empty" href="">empty</a>
		<a id="none">none</a>
	</body></html>`, rc)

	up := doc.Find("#up")
	assert.Equal(t, "/proxy?url=https%3A%2F%2Fexample.com%2Fc.html", up.AttrOr("href", ""))
	assert.Equal(t, "_self", up.AttrOr("target", ""))

	assert.Equal(t, "/proxy?url=https%3A%2F%2Fexample.com%2Fa%2Fc.html", doc.Find("#sib").AttrOr("href", ""))

	js := doc.Find("#js")
	assert.Equal(t, "javascript:void(0)", js.AttrOr("href", ""))
	_, hasTarget := js.Attr("target")
	assert.False(t, hasTarget)

	assert.Equal(t, "mailto:x@example.com", doc.Find("#mail").AttrOr("href", ""))
	assert.Equal(t, "", doc.Find("#empty").AttrOr("href", "missing"))
	_, hasHref := doc.Find("#none").Attr("href")
	assert.False(t, hasHref)

	assert.Equal(t, 2, stats.Rewritten)
	assert.Equal(t, 2, stats.Skipped)
}

func TestRewrite_RemovesCSPMetaAndBase(t *testing.T) {
	rc := testContext(t, "https://example.com/")
	doc, stats := rewriteDoc(t, `<html><head>
		<meta http-equiv="Content-Security-Policy" content="default-src 'self'">
		<meta http-equiv="content-security-policy" content="img-src 'none'">
		<meta http-equiv="Content-Security-Policy-Report-Only" content="default-src 'self'">
		<meta http-equiv="refresh" content="30">
		<base href="https://cdn.example.com/">
	</head><body></body></html>`, rc)

	assert.Equal(t, 0, doc.Find(`meta[http-equiv="Content-Security-Policy"]`).Length())
	assert.Equal(t, 0, doc.Find(`meta[http-equiv="content-security-policy"]`).Length())
	assert.Equal(t, 1, doc.Find(`meta[http-equiv="Content-Security-Policy-Report-Only"]`).Length())
	assert.Equal(t, 1, doc.Find(`meta[http-equiv="refresh"]`).Length())
	assert.Equal(t, 0, doc.Find("base").Length())
	assert.Equal(t, 3, stats.Removed)
}

func TestRewrite_BaseIgnoredForResolution(t *testing.T) {
	rc := testContext(t, "https://example.com/dir/page.html")
	doc, _ := rewriteDoc(t, `<html><head><base href="https://cdn.example.com/"></head>
		<body><img src="pic.png"></body></html>`, rc)

	assert.Equal(t, "/proxy?url=https%3A%2F%2Fexample.com%2Fdir%2Fpic.png", doc.Find("img").AttrOr("src", ""))
}

func TestRewrite_Forms(t *testing.T) {
	rc := testContext(t, "https://example.com/search?q=go")
	doc, _ := rewriteDoc(t, `<html><body>
		<form id="explicit" action="/submit" method="post"></form>
		<form id="empty" action=""></form>
		<form id="missing" method="get"></form>
		<form id="js" action="javascript:send()"></form>
	</body></html>`, rc)

	explicit := doc.Find("#explicit")
	assert.Equal(t, "/proxy?url=https%3A%2F%2Fexample.com%2Fsubmit", explicit.AttrOr("action", ""))
	assert.Equal(t, "post", explicit.AttrOr("method", ""))

	self := "/proxy?url=https%3A%2F%2Fexample.com%2Fsearch%3Fq%3Dgo"
	assert.Equal(t, self, doc.Find("#empty").AttrOr("action", ""))
	assert.Equal(t, self, doc.Find("#missing").AttrOr("action", ""))
	assert.Equal(t, "get", doc.Find("#missing").AttrOr("method", ""))

	assert.Equal(t, "javascript:send()", doc.Find("#js").AttrOr("action", ""))
}

func TestRewrite_Resources(t *testing.T) {
	rc := testContext(t, "https://example.com/a/")
	doc, stats := rewriteDoc(t, `<html><head>
		<link rel="stylesheet" href="style.css" integrity="sha384-x" crossorigin="anonymous">
		<link rel="Preload StyleSheet" href="/more.css" integrity="sha384-y">
		<link rel="icon" href="/favicon.ico" integrity="sha384-z">
		<script src="//cdn.test/app.js" integrity="sha384-w" crossorigin="use-credentials"></script>
		<script integrity="sha384-v">inline()</script>
	</head><body>
		<img src="img/logo.png">
		<img src="data:image/png;base64,AAAA">
		<iframe src="https://embed.test/frame"></iframe>
		<video src="clip.mp4"><source src="clip.webm"></video>
		<audio src="sound.mp3"></audio>
	</body></html>`, rc)

	tests := []struct {
		selector string
		attr     string
		want     string
	}{
		{`link[rel="stylesheet"]`, "href", "/proxy?url=https%3A%2F%2Fexample.com%2Fa%2Fstyle.css"},
		{`link[rel="icon"]`, "href", "/proxy?url=https%3A%2F%2Fexample.com%2Ffavicon.ico"},
		{"script[src]", "src", "/proxy?url=https%3A%2F%2Fcdn.test%2Fapp.js"},
		{"img", "src", "/proxy?url=https%3A%2F%2Fexample.com%2Fa%2Fimg%2Flogo.png"},
		{"iframe", "src", "/proxy?url=https%3A%2F%2Fembed.test%2Fframe"},
		{"video", "src", "/proxy?url=https%3A%2F%2Fexample.com%2Fa%2Fclip.mp4"},
		{"source", "src", "/proxy?url=https%3A%2F%2Fexample.com%2Fa%2Fclip.webm"},
		{"audio", "src", "/proxy?url=https%3A%2F%2Fexample.com%2Fa%2Fsound.mp3"},
	}
	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			assert.Equal(t, tt.want, doc.Find(tt.selector).First().AttrOr(tt.attr, ""))
		})
	}

	assert.Equal(t, "data:image/png;base64,AAAA", doc.Find("img").Eq(1).AttrOr("src", ""))
	assert.Equal(t, 1, stats.Skipped)

	for _, sel := range []string{`link[rel="stylesheet"]`, `link[rel="Preload StyleSheet"]`, "script"} {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			_, hasIntegrity := s.Attr("integrity")
			_, hasCrossorigin := s.Attr("crossorigin")
			assert.False(t, hasIntegrity, "%s kept integrity", sel)
			assert.False(t, hasCrossorigin, "%s kept crossorigin", sel)
		})
	}
	assert.Equal(t, "sha384-z", doc.Find(`link[rel="icon"]`).AttrOr("integrity", ""))
}

func TestRewrite_Banner(t *testing.T) {
	rc := testContext(t, "https://example.com/page")
	rc.Banner = true
	rc.HomePath = "/home"

	doc, _ := rewriteDoc(t, `<html><body><p id="first">content</p></body></html>`, rc)

	banner := doc.Find("body").Children().First()
	_, isBanner := banner.Attr("data-proxypal-banner")
	require.True(t, isBanner, "banner is not the first body child")
	assert.Contains(t, banner.Text(), "Proxied: https://example.com")
	assert.Equal(t, "/home", banner.Find("a").AttrOr("href", ""))
	assert.Equal(t, 1, doc.Find("[data-proxypal-spacer]").Length())
	assert.Equal(t, 1, doc.Find("#first").Length())
}

func TestRewrite_BannerEscapesOrigin(t *testing.T) {
	u := &url.URL{Scheme: "https", Host: "evil.test<script>"}
	rc := model.RewriteContext{Base: u, EntryPath: "/proxy", HomePath: "/", Banner: true}

	out, _, err := New(0).Rewrite(strings.NewReader("<body></body>"), "text/html", rc)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "<script>")
}

func TestRewrite_BannerDisabled(t *testing.T) {
	rc := testContext(t, "https://example.com/")
	doc, _ := rewriteDoc(t, `<html><body><p>x</p></body></html>`, rc)
	assert.Equal(t, 0, doc.Find("[data-proxypal-banner]").Length())
}

func TestRewrite_MalformedHTML(t *testing.T) {
	rc := testContext(t, "https://example.com/")
	doc, stats := rewriteDoc(t, `<div><a href="/x">unclosed<p><img src=/i.png><table><td>cell`, rc)

	assert.Equal(t, "/proxy?url=https%3A%2F%2Fexample.com%2Fx", doc.Find("a").AttrOr("href", ""))
	assert.Equal(t, "/proxy?url=https%3A%2F%2Fexample.com%2Fi.png", doc.Find("img").AttrOr("src", ""))
	assert.Equal(t, 2, stats.Rewritten)
}

func TestRewrite_TranscodesToUTF8(t *testing.T) {
	latin1, err := charmap.ISO8859_1.NewEncoder().String(`<html><body><p>caf` + "é" + `</p></body></html>`)
	require.NoError(t, err)

	rc := testContext(t, "https://example.com/")
	out, _, err := New(0).Rewrite(strings.NewReader(latin1), "text/html; charset=ISO-8859-1", rc)
	require.NoError(t, err)

	assert.Contains(t, string(out), "café")
}

func TestRewrite_UndeclaredUTF8(t *testing.T) {
	// Pushes the first non-ASCII byte past the charset prescan window.
	src := "<html><body><p>" + strings.Repeat("a", 2048) + "日本</p></body></html>"

	rc := testContext(t, "https://example.com/")
	out, _, err := New(0).Rewrite(strings.NewReader(src), "text/html", rc)
	require.NoError(t, err)

	assert.Contains(t, string(out), "日本")
}

func TestRewrite_TooLarge(t *testing.T) {
	rc := testContext(t, "https://example.com/")
	src := "<html><body>" + strings.Repeat("x", 128) + "</body></html>"

	_, _, err := New(64).Rewrite(strings.NewReader(src), "text/html", rc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRewrite))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestRewrite_ReadError(t *testing.T) {
	rc := testContext(t, "https://example.com/")

	_, _, err := New(0).Rewrite(failingReader{}, "text/html", rc)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRewrite)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestRewrite_NoBase(t *testing.T) {
	_, _, err := New(0).Rewrite(strings.NewReader("<p>x</p>"), "text/html", model.RewriteContext{EntryPath: "/proxy"})
	assert.ErrorIs(t, err, ErrRewrite)
}

func TestRewrite_Deterministic(t *testing.T) {
	rc := testContext(t, "https://example.com/a/b.html")
	src := `<html><body><a href="../c.html">x</a><img src="i.png"><form></form></body></html>`

	first, _, err := New(0).Rewrite(strings.NewReader(src), "text/html", rc)
	require.NoError(t, err)
	second, _, err := New(0).Rewrite(strings.NewReader(src), "text/html", rc)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}
