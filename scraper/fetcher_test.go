package scraper

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestFetchSuccess(t *testing.T) {
	s, transport := newTestScraper(t, testConfig())
	target := listingBase + "/ok"
	transport.RegisterResponder("GET", target, htmlResponder("<html><body>ok</body></html>"))

	page, err := s.fetcher.Fetch(context.Background(), target)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if page.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", page.Attempts)
	}
	if page.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", page.StatusCode)
	}
	if !bytes.Contains(page.Body, []byte("ok")) {
		t.Fatalf("unexpected body %q", page.Body)
	}
	if page.URL != target {
		t.Fatalf("url = %q, want %q", page.URL, target)
	}
}

func TestFetchRetriesTransportFailures(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 3
	s, transport := newTestScraper(t, cfg)

	target := listingBase + "/flaky"
	calls := 0
	transport.RegisterResponder("GET", target, func(req *http.Request) (*http.Response, error) {
		calls++
		if calls < 3 {
			return nil, errConnRefused
		}
		return httpmock.NewStringResponse(200, "<html><body>third time</body></html>"), nil
	})

	page, err := s.fetcher.Fetch(context.Background(), target)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if page.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", page.Attempts)
	}
	if got := s.fetcher.RetryCount(); got != 2 {
		t.Fatalf("retries = %d, want 2", got)
	}
	if got := testutil.ToFloat64(s.Metrics.RetriesTotal); got != 2 {
		t.Fatalf("retries metric = %v, want 2", got)
	}
}

func TestFetchGivesUpAfterBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 3
	s, transport := newTestScraper(t, cfg)

	target := listingBase + "/down"
	transport.RegisterResponder("GET", target, httpmock.NewErrorResponder(errConnRefused))

	page, err := s.fetcher.Fetch(context.Background(), target)
	if page != nil {
		t.Fatalf("expected no page on failure")
	}

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected *FetchError, got %T (%v)", err, err)
	}
	if fetchErr.Attempts != 3 || fetchErr.URL != target {
		t.Fatalf("fetch error = %+v, want 3 attempts for %s", fetchErr, target)
	}
	var connErr ErrConnection
	if !errors.As(err, &connErr) {
		t.Fatalf("expected connection classification, got %v", err)
	}
	if got := transport.GetCallCountInfo()["GET "+target]; got != 3 {
		t.Fatalf("transport calls = %d, want 3", got)
	}
	if failed := s.fetcher.snapshotFailedURLs(); len(failed) != 1 || failed[0] != target {
		t.Fatalf("failed urls = %v, want [%s]", failed, target)
	}
	if got := s.fetcher.snapshotErrors()["connection"]; got != 3 {
		t.Fatalf("connection errors = %d, want 3", got)
	}
}

func TestFetchErrorStatusIsNotRetried(t *testing.T) {
	tests := []struct {
		status   int
		expected string
	}{
		{status: http.StatusNotFound, expected: "not_found"},
		{status: http.StatusForbidden, expected: "forbidden"},
		{status: http.StatusTooManyRequests, expected: "rate_limited"},
		{status: http.StatusBadGateway, expected: "server_error"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			s, transport := newTestScraper(t, testConfig())
			target := listingBase + "/status"
			transport.RegisterResponder("GET", target, httpmock.NewStringResponder(tt.status, "<html><body>nope</body></html>"))

			page, err := s.fetcher.Fetch(context.Background(), target)
			if err != nil {
				t.Fatalf("fetch: %v", err)
			}
			if page.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", page.StatusCode, tt.status)
			}
			if got := transport.GetTotalCallCount(); got != 1 {
				t.Fatalf("transport calls = %d, want 1", got)
			}
			if got := s.fetcher.snapshotErrors()[tt.expected]; got != 1 {
				t.Fatalf("expected %q classification, got %v", tt.expected, s.fetcher.snapshotErrors())
			}
		})
	}
}

func TestFetchSendsConfiguredHeaders(t *testing.T) {
	cfg := testConfig()
	cfg.Headers = map[string]string{
		"accept-language": "es-MX",
		"X-Trace":         "abc",
	}
	s, transport := newTestScraper(t, cfg)

	target := listingBase + "/headers"
	transport.RegisterResponder("GET", target, func(req *http.Request) (*http.Response, error) {
		if got := req.Header.Get("Accept-Language"); got != "es-MX" {
			t.Errorf("Accept-Language = %q, want es-MX", got)
		}
		if got := req.Header.Get("X-Trace"); got != "abc" {
			t.Errorf("X-Trace = %q, want abc", got)
		}
		if got := req.Header.Get("User-Agent"); got != cfg.UserAgent {
			t.Errorf("User-Agent = %q, want %q", got, cfg.UserAgent)
		}
		return httpmock.NewStringResponse(200, "<html></html>"), nil
	})

	for i := 0; i < 2; i++ {
		if _, err := s.fetcher.Fetch(context.Background(), target); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}
	if s.fetcher.headers.Get("User-Agent") != "" {
		t.Fatalf("shared header set was mutated by a request")
	}
}

func TestFetchSendsUserAgentOverNetwork(t *testing.T) {
	var seen string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.SearchURL = server.URL
	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}

	if _, err := s.fetcher.Fetch(context.Background(), server.URL+"/ua"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if seen != cfg.UserAgent {
		t.Fatalf("server saw User-Agent %q, want %q", seen, cfg.UserAgent)
	}
}

func TestFetchUserAgentHeaderOverride(t *testing.T) {
	cfg := testConfig()
	cfg.Headers = map[string]string{"user-agent": "listing-bot/1.0"}
	s, transport := newTestScraper(t, cfg)

	target := listingBase + "/ua"
	var seen string
	transport.RegisterResponder("GET", target, func(req *http.Request) (*http.Response, error) {
		seen = req.Header.Get("User-Agent")
		return httpmock.NewStringResponse(200, "<html></html>"), nil
	})

	if _, err := s.fetcher.Fetch(context.Background(), target); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if seen != "listing-bot/1.0" {
		t.Fatalf("User-Agent = %q, want the configured header", seen)
	}
}

func TestFetchBodyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBodySize = 16
	s, transport := newTestScraper(t, cfg)

	target := listingBase + "/large"
	transport.RegisterResponder("GET", target, httpmock.NewStringResponder(200, strings.Repeat("x", 64)))

	page, err := s.fetcher.Fetch(context.Background(), target)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(page.Body) != 16 {
		t.Fatalf("body length = %d, want 16", len(page.Body))
	}
	if got := s.fetcher.collector.MaxBodySize; got != 16 {
		t.Fatalf("collector max body size = %d, want 16", got)
	}
}

func TestFetchDecodesBrotli(t *testing.T) {
	s, transport := newTestScraper(t, testConfig())

	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write([]byte("<html><body>comprimido</body></html>")); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close compressor: %v", err)
	}

	target := listingBase + "/br"
	resp := httpmock.NewBytesResponse(200, buf.Bytes())
	resp.Header.Set("Content-Encoding", "br")
	transport.RegisterResponder("GET", target, httpmock.ResponderFromResponse(resp))

	page, err := s.fetcher.Fetch(context.Background(), target)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(page.Body) != "<html><body>comprimido</body></html>" {
		t.Fatalf("body = %q", page.Body)
	}
}

func TestFetchCancelledContext(t *testing.T) {
	s, transport := newTestScraper(t, testConfig())
	target := listingBase + "/cancelled"
	transport.RegisterResponder("GET", target, htmlResponder("<html></html>"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.fetcher.Fetch(ctx, target)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := transport.GetTotalCallCount(); got != 0 {
		t.Fatalf("transport calls = %d, want 0", got)
	}
}

func TestFetcherBackoffCapped(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 500 * time.Millisecond

	f, err := NewFetcher(cfg, nil)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}

	if got := f.backoff(1); got != 200*time.Millisecond {
		t.Fatalf("backoff(1) = %v, want 200ms", got)
	}
	if got := f.backoff(2); got != 400*time.Millisecond {
		t.Fatalf("backoff(2) = %v, want 400ms", got)
	}
	if got := f.backoff(4); got != cfg.RetryBackoffMax {
		t.Fatalf("backoff(4) = %v, want %v", got, cfg.RetryBackoffMax)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "nil", err: nil, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, expected: "timeout"},
		{name: "dns failure", err: &net.DNSError{Err: "no such host"}, expected: "connection"},
		{name: "connection", err: errConnRefused, expected: "connection"},
		{name: "forbidden", err: ErrHTTPStatus{StatusCode: http.StatusForbidden}, expected: "forbidden"},
		{name: "not found", err: ErrHTTPStatus{StatusCode: http.StatusNotFound}, expected: "not_found"},
		{name: "rate limited", err: ErrHTTPStatus{StatusCode: http.StatusTooManyRequests}, expected: "rate_limited"},
		{name: "gone", err: ErrHTTPStatus{StatusCode: http.StatusGone}, expected: "http_status"},
		{name: "no publication number", err: ErrNoPublicationNumber, expected: "no_publication_number"},
		{name: "other", err: errors.New("some other error"), expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err)); got != tt.expected {
				t.Fatalf("classifyError(%v) = %q, want %q", tt.err, got, tt.expected)
			}
		})
	}
}
