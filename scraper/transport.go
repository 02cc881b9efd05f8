package scraper

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"golang.org/x/time/rate"
)

// pageTransport paces outbound requests and decodes brotli bodies, which
// colly does not handle on its own.
type pageTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *pageTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "br") {
		resp.Body = &brotliBody{reader: brotli.NewReader(resp.Body), closer: resp.Body}
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
		resp.Uncompressed = true
	}
	return resp, nil
}

type brotliBody struct {
	reader io.Reader
	closer io.Closer
}

func (b *brotliBody) Read(p []byte) (int, error) {
	return b.reader.Read(p)
}

func (b *brotliBody) Close() error {
	return b.closer.Close()
}
