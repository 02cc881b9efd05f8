package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-scrape-mercado/config"
	"github.com/aluiziolira/go-scrape-mercado/models"
	"golang.org/x/sync/errgroup"
)

// Scraper walks a search listing and extracts every product it lists.
type Scraper struct {
	cfg       *config.Config
	fetcher   *Fetcher
	walker    *Walker
	extractor *Extractor
	Metrics   *Metrics
}

// NewScraper builds a scraper instance configured from cfg.
func NewScraper(cfg *config.Config) (*Scraper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	metrics := NewMetrics()
	fetcher, err := NewFetcher(cfg, metrics)
	if err != nil {
		return nil, err
	}

	return &Scraper{
		cfg:       cfg,
		fetcher:   fetcher,
		walker:    NewWalker(fetcher, cfg, metrics),
		extractor: NewExtractor(fetcher, cfg, metrics),
		Metrics:   metrics,
	}, nil
}

// Fetcher exposes the shared page fetcher.
func (s *Scraper) Fetcher() *Fetcher {
	return s.fetcher
}

// Walker exposes the listing walker.
func (s *Scraper) Walker() *Walker {
	return s.walker
}

// Extractor exposes the detail extractor.
func (s *Scraper) Extractor() *Extractor {
	return s.extractor
}

// Run walks searchURL (cfg.SearchURL when empty) and extracts each product.
// Products keep listing order; entries that could not be extracted are nil.
// Failures never abort the run; the error is non-nil only when ctx ends
// early, in which case the result holds what was collected.
func (s *Scraper) Run(ctx context.Context, searchURL string) (*models.ScrapeResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if searchURL == "" {
		searchURL = s.cfg.SearchURL
	}

	start := time.Now()
	slog.Info("collecting product urls", slog.String("search_url", searchURL))
	urls, walkErr := s.walker.Walk(ctx, searchURL)

	products := make([]*models.Product, len(urls))
	if walkErr == nil && len(urls) > 0 {
		slog.Info("extracting products", slog.Int("urls", len(urls)), slog.Int("workers", s.cfg.Parallelism))
		s.extractAll(ctx, urls, products)
	}

	holes := 0
	for _, p := range products {
		if p == nil {
			holes++
		}
	}

	result := &models.ScrapeResult{
		Products:     products,
		StartTime:    start,
		EndTime:      time.Now(),
		URLCount:     len(urls),
		Holes:        holes,
		ErrorCount:   s.fetcher.ErrorCount(),
		FailedURLs:   s.fetcher.snapshotFailedURLs(),
		ErrorsByType: s.fetcher.snapshotErrors(),
		RetryCount:   s.fetcher.RetryCount(),
		RequestCount: s.fetcher.RequestCount(),
		PageCount:    s.walker.PageCount(),
	}

	slog.Info("scrape finished",
		slog.Int("urls", result.URLCount),
		slog.Int("products", result.URLCount-result.Holes),
		slog.Int("holes", result.Holes),
		slog.Duration("elapsed", result.EndTime.Sub(start)),
	)

	if walkErr != nil {
		return result, walkErr
	}
	return result, ctx.Err()
}

// extractAll fills products[i] for urls[i] with at most cfg.Parallelism
// detail requests in flight.
func (s *Scraper) extractAll(ctx context.Context, urls []string, products []*models.Product) {
	var g errgroup.Group
	g.SetLimit(s.cfg.Parallelism)

	var done int64
	total := len(urls)
	for i, productURL := range urls {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			product, err := s.extractor.Extract(ctx, productURL)
			if err != nil {
				s.Metrics.IncProduct("hole")
				if errors.Is(err, ErrNoPublicationNumber) {
					s.fetcher.recordError(err)
				}
				slog.Warn("product not extracted",
					slog.String("url", productURL),
					slog.Any("error", err),
				)
			} else {
				products[i] = product
				s.Metrics.IncProduct("extracted")
			}
			n := atomic.AddInt64(&done, 1)
			reportProgress(ctx, Progress{Stage: StageDetail, Done: int(n), Total: total, URL: productURL})
			return nil
		})
	}
	_ = g.Wait()
}
