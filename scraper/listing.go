package scraper

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-mercado/config"
	"github.com/aluiziolira/go-scrape-mercado/parser"
)

const (
	listingItemSelector   = "li.ui-search-layout__item"
	listingAnchorSelector = "a.ui-search-link"
	nextPageSelector      = "li.andes-pagination__button--next a"
)

// Walker pages through a search listing and collects product URLs.
type Walker struct {
	fetcher  *Fetcher
	maxPages int
	metrics  *Metrics

	pageCount int64
}

// NewWalker builds a walker on top of fetcher.
func NewWalker(fetcher *Fetcher, cfg *config.Config, metrics *Metrics) *Walker {
	return &Walker{
		fetcher:  fetcher,
		maxPages: cfg.MaxPages,
		metrics:  metrics,
	}
}

// Walk follows "next page" links from searchURL and returns the product
// URLs in page order, then document order. A page that cannot be fetched
// ends the walk; URLs gathered before it are returned without error. Only
// a cancelled context produces an error, alongside the partial result.
func (w *Walker) Walk(ctx context.Context, searchURL string) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var urls []string
	visited := make(map[string]struct{})
	current := searchURL
	page := 0

	for {
		if err := ctx.Err(); err != nil {
			return urls, err
		}
		page++
		visited[current] = struct{}{}

		fetched, err := w.fetcher.fetch(ctx, phaseListing, current)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return urls, ctxErr
			}
			slog.Warn("listing walk stopped early",
				slog.Int("page", page),
				slog.String("url", current),
				slog.Int("urls", len(urls)),
				slog.Any("error", err),
			)
			return urls, nil
		}

		doc, err := fetched.Document()
		if err != nil {
			slog.Warn("listing page unreadable",
				slog.Int("page", page),
				slog.String("url", current),
				slog.Any("error", err),
			)
			return urls, nil
		}

		base, _ := url.Parse(fetched.FinalURL)
		found := listingURLs(doc, base)
		urls = append(urls, found...)
		atomic.AddInt64(&w.pageCount, 1)
		w.metrics.IncPage(len(found))
		reportProgress(ctx, Progress{Stage: StageListing, Page: page, URLsFound: len(urls), URL: current})

		next, ok := nextPageURL(doc, base)
		if !ok {
			break
		}
		if w.maxPages > 0 && page >= w.maxPages {
			slog.Info("listing page limit reached", slog.Int("pages", page))
			break
		}
		if _, seen := visited[next]; seen {
			slog.Warn("listing next link loops back", slog.String("url", next))
			break
		}
		current = next
	}

	slog.Info("listing walk finished",
		slog.Int("pages", page),
		slog.Int("urls", len(urls)),
	)
	return urls, nil
}

// PageCount returns the number of listing pages parsed so far.
func (w *Walker) PageCount() int {
	return int(atomic.LoadInt64(&w.pageCount))
}

func listingURLs(doc *goquery.Document, base *url.URL) []string {
	var urls []string
	doc.Find(listingItemSelector).Each(func(i int, item *goquery.Selection) {
		href, ok := item.Find(listingAnchorSelector).First().Attr("href")
		if !ok || strings.TrimSpace(href) == "" {
			slog.Debug("listing item without product link, skipping", slog.Int("index", i))
			return
		}
		urls = append(urls, parser.NormalizeListingURL(resolveURL(base, href)))
	})
	return urls
}

func nextPageURL(doc *goquery.Document, base *url.URL) (string, bool) {
	href, ok := doc.Find(nextPageSelector).First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return "", false
	}
	return resolveURL(base, href), true
}

func resolveURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	ref, err := url.Parse(href)
	if err != nil || ref.IsAbs() || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
