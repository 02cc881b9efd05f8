package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-scrape-mercado/models"
)

var (
	wordPattern  = regexp.MustCompile(`[\p{L}\p{N}_]+`)
	salesPattern = regexp.MustCompile(`\+*\d+[a-zA-Z]*`)
	digitPattern = regexp.MustCompile(`\d+`)
)

// ValidateProduct ensures the scraper captured the required fields.
func ValidateProduct(p *models.Product) error {
	if p == nil {
		return fmt.Errorf("product is nil")
	}
	if strings.TrimSpace(p.PublicationNumber) == "" {
		return fmt.Errorf("product missing publication number for %s", p.URL)
	}
	if strings.TrimSpace(p.URL) == "" {
		return fmt.Errorf("product %s missing url", p.PublicationNumber)
	}
	return nil
}

// NormalizeListingURL strips the search tracking suffix from a listing href.
// It cuts right after the last "JM" that precedes a '#', otherwise at the
// first '?'. Any remaining fragment is dropped.
func NormalizeListingURL(href string) string {
	href = strings.TrimSpace(href)
	if i := strings.LastIndex(href, "JM#"); i > 0 {
		return href[:i+len("JM")]
	}
	if i := strings.Index(href, "?"); i > 0 {
		return href[:i]
	}
	if i := strings.Index(href, "#"); i > 0 {
		return href[:i]
	}
	return href
}

// PublicationPattern finds the publication number embedded in a product URL.
type PublicationPattern struct {
	re *regexp.Regexp
}

// NewPublicationPattern matches the digits following prefix, with or
// without a dash in between ("MLM-123", "MLM123").
func NewPublicationPattern(prefix string) *PublicationPattern {
	return &PublicationPattern{
		re: regexp.MustCompile(regexp.QuoteMeta(strings.TrimSpace(prefix)) + `-?(\d+)`),
	}
}

// Find returns the publication number of rawURL.
func (p *PublicationPattern) Find(rawURL string) (string, bool) {
	m := p.re.FindStringSubmatch(rawURL)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

// ParseCondition returns the leading word of a subtitle ("Nuevo | +5 vendidos").
func ParseCondition(subtitle string) (string, bool) {
	word := wordPattern.FindString(subtitle)
	return word, word != ""
}

// ParseSales returns the sold-count token of a subtitle with "mil"
// expanded to digits, or "0" when the subtitle has no count.
func ParseSales(subtitle string) string {
	token := salesPattern.FindString(subtitle)
	if token == "" {
		return "0"
	}
	return strings.ReplaceAll(token, "mil", "000")
}

// ParseFraction parses a price fraction such as "12,499".
func ParseFraction(text string) (int, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(text), ",", "")
	value, err := strconv.Atoi(cleaned)
	if err != nil {
		return 0, fmt.Errorf("parse fraction %q: %w", text, err)
	}
	return value, nil
}

// ParseDecimal parses a decimal such as a rating or a price meta value.
func ParseDecimal(text string) (float64, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return 0, fmt.Errorf("parse decimal %q: %w", text, err)
	}
	return value, nil
}

// FirstInt returns the first integer in text, ignoring thousands separators.
func FirstInt(text string) (int, bool) {
	digits := digitPattern.FindString(strings.ReplaceAll(text, ",", ""))
	if digits == "" {
		return 0, false
	}
	value, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return value, true
}

// CleanText collapses runs of whitespace and trims the result.
func CleanText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
