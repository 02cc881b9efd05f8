// Package models defines data structures for the scraper.
package models

import "time"

// ScrapingDateLayout is the day/month/year layout of Product.ScrapingDate.
const ScrapingDateLayout = "02/01/2006"

// Product is one record extracted from a product detail page. Pointer
// fields are nil when the page did not carry the value.
type Product struct {
	PublicationNumber string   `json:"publication_number"`
	URL               string   `json:"url"`
	ImageURL          *string  `json:"image_url"`
	Title             *string  `json:"title"`
	Condition         *string  `json:"condition"`
	Sales             *string  `json:"sales"`
	ReviewRating      *float64 `json:"review_rating"`
	ReviewAmount      *int     `json:"review_amount"`
	RegularPrice      *int     `json:"regular_price"`
	FinalPrice        *float64 `json:"final_price"`
	ShippingSummary   *string  `json:"shipping_summary"`
	AvailableQuantity *int     `json:"available_quantity"`
	ScrapingDate      string   `json:"scraping_date"`
}

// ScrapeResult holds the overall result of a scraping run.
type ScrapeResult struct {
	// Products follows listing order; nil entries are URLs whose
	// record could not be produced.
	Products     []*Product
	StartTime    time.Time
	EndTime      time.Time
	URLCount     int
	Holes        int
	ErrorCount   int
	FailedURLs   []string
	ErrorsByType map[string]int
	RetryCount   int
	RequestCount int
	PageCount    int
}

// Completed returns the non-nil products in order.
func (r *ScrapeResult) Completed() []*Product {
	if r == nil {
		return nil
	}
	out := make([]*Product, 0, len(r.Products))
	for _, p := range r.Products {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}
