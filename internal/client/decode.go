package client

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// acceptEncoding is advertised upstream. Only encodings decodeBody understands
// are listed, so callers always see identity bodies.
const acceptEncoding = "br, gzip"

// decodeBody wraps resp.Body so reads yield the identity-encoded payload.
// Content-Encoding and Content-Length are dropped once a decoder is installed.
func decodeBody(resp *http.Response) io.ReadCloser {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))

	var open func(io.Reader) (io.Reader, error)
	switch enc {
	case "br":
		open = func(r io.Reader) (io.Reader, error) { return brotli.NewReader(r), nil }
	case "gzip", "x-gzip":
		open = func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) }
	default:
		return resp.Body
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true

	return &lazyDecoder{body: resp.Body, open: open, encoding: enc}
}

// lazyDecoder defers decoder construction to the first Read. gzip needs to
// read its header up front, which fails on the empty bodies of HEAD, 204 and
// 304 responses.
type lazyDecoder struct {
	body     io.ReadCloser
	open     func(io.Reader) (io.Reader, error)
	r        io.Reader
	encoding string
	err      error
}

func (d *lazyDecoder) Read(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	if d.r == nil {
		r, err := d.open(d.body)
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.err = io.EOF
			} else {
				d.err = fmt.Errorf("decode %s body: %w", d.encoding, err)
			}
			return 0, d.err
		}
		d.r = r
	}
	n, err := d.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = fmt.Errorf("decode %s body: %w", d.encoding, err)
	}
	return n, err
}

func (d *lazyDecoder) Close() error {
	return d.body.Close()
}
