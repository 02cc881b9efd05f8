package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-mercado/config"
	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"
)

const (
	ctxStartKey    = "start"
	ctxPhaseKey    = "phase"
	ctxResponseKey = "response"
)

// Page is the raw markup returned by a completed request. Error statuses
// still produce a Page; callers decide what a status means.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
	Attempts   int
}

// Document parses the page body.
func (p *Page) Document() (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.Body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", p.URL, err)
	}
	return doc, nil
}

// Fetcher issues GET requests with a fixed attempt budget.
type Fetcher struct {
	collector   *colly.Collector
	headers     http.Header
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	limiter     *rate.Limiter
	metrics     *Metrics

	requestCount int64
	retryCount   int64
	errorCount   int64

	mu           sync.Mutex
	failedURLs   []string
	errorsByType map[string]int
}

// NewFetcher builds a fetcher configured from cfg. metrics may be nil.
func NewFetcher(cfg *config.Config, metrics *Metrics) (*Fetcher, error) {
	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.ParseHTTPErrorResponse = true
	collector.MaxBodySize = cfg.MaxBodySize

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	headers := make(http.Header, len(cfg.Headers))
	for key, value := range cfg.Headers {
		headers.Set(key, value)
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst)
	}

	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	f := &Fetcher{
		collector:    collector,
		headers:      headers,
		maxAttempts:  attempts,
		backoffBase:  cfg.RetryBackoff,
		backoffMax:   cfg.RetryBackoffMax,
		limiter:      limiter,
		metrics:      metrics,
		errorsByType: make(map[string]int),
	}
	f.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})
	f.registerCallbacks()
	return f, nil
}

// WithTransport swaps the underlying round tripper.
func (f *Fetcher) WithTransport(rt http.RoundTripper) {
	f.collector.WithTransport(&pageTransport{base: rt, limiter: f.limiter})
}

func (f *Fetcher) registerCallbacks() {
	f.collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put(ctxStartKey, time.Now())
		atomic.AddInt64(&f.requestCount, 1)
		phase := r.Ctx.Get(ctxPhaseKey)
		if phase == "" {
			phase = phaseDetail
		}
		f.metrics.IncRequest(phase)
	})

	f.collector.OnResponse(func(r *colly.Response) {
		f.observe(r.Ctx)
		r.Ctx.Put(ctxResponseKey, r)
	})

	f.collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			f.observe(r.Ctx)
		}
	})
}

func (f *Fetcher) observe(ctx *colly.Context) {
	if ctx == nil {
		return
	}
	if start, ok := ctx.GetAny(ctxStartKey).(time.Time); ok {
		f.metrics.ObserveDuration(time.Since(start))
	}
}

// Fetch retrieves rawURL, retrying transport failures until the attempt
// budget is spent. The returned error is always a *FetchError.
// Cancellation is honoured between attempts.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	return f.fetch(ctx, phaseDetail, rawURL)
}

func (f *Fetcher) fetch(ctx context.Context, phase, rawURL string) (*Page, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var lastErr error
	attempts := 0
	for attempts < f.maxAttempts {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		if attempts > 0 {
			atomic.AddInt64(&f.retryCount, 1)
			f.metrics.IncRetries()
			if err := sleepContext(ctx, f.backoff(attempts)); err != nil {
				lastErr = err
				break
			}
		}

		attempts++
		page, err := f.attempt(phase, rawURL)
		if err == nil {
			page.Attempts = attempts
			f.checkStatus(page)
			return page, nil
		}

		lastErr = classifyError(err)
		f.recordError(lastErr)
		slog.Warn("request attempt failed",
			slog.String("url", rawURL),
			slog.String("phase", phase),
			slog.Int("attempt", attempts),
			slog.Int("max_attempts", f.maxAttempts),
			slog.String("category", errorTypeLabel(lastErr)),
			slog.Any("error", err),
		)
		if !retryable(err) {
			break
		}
	}

	f.mu.Lock()
	f.failedURLs = append(f.failedURLs, rawURL)
	f.mu.Unlock()
	return nil, &FetchError{URL: rawURL, Attempts: attempts, Err: lastErr}
}

func (f *Fetcher) attempt(phase, rawURL string) (*Page, error) {
	cctx := colly.NewContext()
	cctx.Put(ctxPhaseKey, phase)

	// colly only applies its own User-Agent when no header set is passed.
	hdr := f.headers.Clone()
	if hdr.Get("User-Agent") == "" {
		hdr.Set("User-Agent", f.collector.UserAgent)
	}
	if err := f.collector.Request(http.MethodGet, rawURL, nil, cctx, hdr); err != nil {
		return nil, err
	}

	resp, ok := cctx.GetAny(ctxResponseKey).(*colly.Response)
	if !ok || resp == nil {
		return nil, errors.New("request completed without a response")
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &Page{
		URL:        rawURL,
		FinalURL:   finalURL,
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
	}, nil
}

func (f *Fetcher) checkStatus(page *Page) {
	if page.StatusCode < http.StatusBadRequest {
		return
	}
	status := ErrHTTPStatus{StatusCode: page.StatusCode}
	f.recordError(status)
	slog.Warn("non-2xx response",
		slog.Int("status", page.StatusCode),
		slog.String("url", page.URL),
	)
}

func (f *Fetcher) recordError(err error) {
	atomic.AddInt64(&f.errorCount, 1)
	category := errorTypeLabel(err)
	f.mu.Lock()
	f.errorsByType[category]++
	f.mu.Unlock()
	f.metrics.IncError(category)
}

func (f *Fetcher) backoff(retry int) time.Duration {
	if f.backoffBase <= 0 || retry <= 0 {
		return 0
	}
	delay := f.backoffBase * time.Duration(1<<(retry-1))
	if max := f.backoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

// RequestCount returns the number of request attempts issued.
func (f *Fetcher) RequestCount() int {
	return int(atomic.LoadInt64(&f.requestCount))
}

// RetryCount returns the number of attempts beyond the first.
func (f *Fetcher) RetryCount() int {
	return int(atomic.LoadInt64(&f.retryCount))
}

// ErrorCount returns the number of failed attempts and error statuses.
func (f *Fetcher) ErrorCount() int {
	return int(atomic.LoadInt64(&f.errorCount))
}

func (f *Fetcher) snapshotFailedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.failedURLs))
	copy(out, f.failedURLs)
	return out
}

func (f *Fetcher) snapshotErrors() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.errorsByType))
	for k, v := range f.errorsByType {
		out[k] = v
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
