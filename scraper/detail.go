package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-scrape-mercado/config"
	"github.com/aluiziolira/go-scrape-mercado/models"
	"github.com/aluiziolira/go-scrape-mercado/parser"
)

// DefaultShippingSummary is used when the shipping block carries no note.
const DefaultShippingSummary = "Más gastos de envío"

// fieldRule derives one group of fields from a detail page. A rule leaves
// its fields nil when its markup is absent and returns an error only when
// the markup is present but malformed. Rules never read each other's output.
type fieldRule struct {
	name    string
	extract func(doc *goquery.Document, p *models.Product) error
}

var detailRules = []fieldRule{
	{name: "image_url", extract: extractImage},
	{name: "title", extract: extractTitle},
	{name: "subtitle", extract: extractSubtitle},
	{name: "review", extract: extractReview},
	{name: "price", extract: extractPrice},
	{name: "shipping_summary", extract: extractShipping},
	{name: "available_quantity", extract: extractQuantity},
}

// Extractor turns product detail pages into records.
type Extractor struct {
	fetcher *Fetcher
	pattern *parser.PublicationPattern
	metrics *Metrics
	now     func() time.Time
}

// NewExtractor builds an extractor on top of fetcher.
func NewExtractor(fetcher *Fetcher, cfg *config.Config, metrics *Metrics) *Extractor {
	return &Extractor{
		fetcher: fetcher,
		pattern: parser.NewPublicationPattern(cfg.SitePrefix),
		metrics: metrics,
		now:     time.Now,
	}
}

// Extract fetches productURL and derives its record. It fails only when the
// URL has no publication number or the page could not be fetched.
func (e *Extractor) Extract(ctx context.Context, productURL string) (*models.Product, error) {
	number, ok := e.pattern.Find(productURL)
	if !ok {
		return nil, fmt.Errorf("%s: %w", productURL, ErrNoPublicationNumber)
	}

	page, err := e.fetcher.fetch(ctx, phaseDetail, productURL)
	if err != nil {
		return nil, err
	}
	doc, err := page.Document()
	if err != nil {
		return nil, err
	}
	return e.parse(productURL, number, doc), nil
}

func (e *Extractor) parse(productURL, number string, doc *goquery.Document) *models.Product {
	product := &models.Product{
		PublicationNumber: number,
		URL:               productURL,
		ScrapingDate:      e.now().Format(models.ScrapingDateLayout),
	}
	for _, rule := range detailRules {
		if err := rule.extract(doc, product); err != nil {
			e.metrics.IncFieldMiss(rule.name)
			slog.Debug("field extraction failed",
				slog.String("field", rule.name),
				slog.String("url", productURL),
				slog.Any("error", err),
			)
		}
	}
	return product
}

func extractImage(doc *goquery.Document, p *models.Product) error {
	img := doc.Find(`img.ui-pdp-image.ui-pdp-gallery__figure__image[data-index="0"]`).First()
	if src, ok := img.Attr("src"); ok && strings.TrimSpace(src) != "" {
		p.ImageURL = stringPtr(strings.TrimSpace(src))
	}
	return nil
}

func extractTitle(doc *goquery.Document, p *models.Product) error {
	title := doc.Find("h1.ui-pdp-title").First()
	if title.Length() == 0 {
		return nil
	}
	p.Title = stringPtr(parser.CleanText(title.Text()))
	return nil
}

// extractSubtitle reads "Nuevo | +1000 vendidos" into condition and sales.
func extractSubtitle(doc *goquery.Document, p *models.Product) error {
	subtitle := doc.Find("span.ui-pdp-subtitle").First()
	if subtitle.Length() == 0 {
		return nil
	}
	text := subtitle.Text()
	p.Sales = stringPtr(parser.ParseSales(text))
	condition, ok := parser.ParseCondition(text)
	if !ok {
		return fmt.Errorf("subtitle %q has no condition", text)
	}
	p.Condition = stringPtr(condition)
	return nil
}

func extractReview(doc *goquery.Document, p *models.Product) error {
	info := doc.Find("div.ui-pdp-header__info").First()
	if info.Length() == 0 {
		return nil
	}

	var errs []error
	if rating := info.Find("span.ui-pdp-review__rating").First(); rating.Length() > 0 {
		value, err := parser.ParseDecimal(rating.Text())
		if err != nil {
			errs = append(errs, err)
		} else {
			p.ReviewRating = &value
		}
	} else {
		errs = append(errs, errors.New("rating block without rating"))
	}

	if amount := info.Find("span.ui-pdp-review__amount").First(); amount.Length() > 0 {
		if value, ok := parser.FirstInt(amount.Text()); ok {
			p.ReviewAmount = &value
		} else {
			errs = append(errs, fmt.Errorf("review amount %q has no digits", amount.Text()))
		}
	} else {
		errs = append(errs, errors.New("rating block without review amount"))
	}
	return errors.Join(errs...)
}

func extractPrice(doc *goquery.Document, p *models.Product) error {
	container := doc.Find("div.ui-pdp-price__main-container").First()
	if container.Length() == 0 {
		return nil
	}

	var errs []error
	if fraction := container.Find("s").First().Find("span.andes-money-amount__fraction").First(); fraction.Length() > 0 {
		value, err := parser.ParseFraction(fraction.Text())
		if err != nil {
			errs = append(errs, err)
		} else {
			p.RegularPrice = &value
		}
	}

	meta := container.Find("div.ui-pdp-price__second-line").First().Find(`meta[itemprop="price"]`).First()
	if content, ok := meta.Attr("content"); ok {
		value, err := parser.ParseDecimal(content)
		if err != nil {
			errs = append(errs, err)
		} else {
			p.FinalPrice = &value
		}
	} else {
		errs = append(errs, errors.New("price container without price meta"))
	}
	return errors.Join(errs...)
}

func extractShipping(doc *goquery.Document, p *models.Product) error {
	block := doc.Find("div#shipping_summary").First()
	if block.Length() == 0 {
		return nil
	}
	summary := DefaultShippingSummary
	if span := block.Find("span").First(); span.Length() > 0 {
		if text := parser.CleanText(span.Text()); text != "" {
			summary = text
		}
	}
	p.ShippingSummary = &summary
	return nil
}

// extractQuantity keeps "no info" (nil) apart from "one left" (1).
func extractQuantity(doc *goquery.Document, p *models.Product) error {
	node := doc.Find("span.ui-pdp-buybox__quantity__available").First()
	if node.Length() == 0 {
		return nil
	}
	quantity, ok := parser.FirstInt(node.Text())
	if !ok {
		quantity = 1
	}
	p.AvailableQuantity = &quantity
	return nil
}

func stringPtr(s string) *string {
	return &s
}
