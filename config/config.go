package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds scraper configuration.
type Config struct {
	SearchURL  string
	SitePrefix string
	MaxPages   int // 0 walks the listing until it runs out of pages

	Headers          map[string]string
	UserAgent        string
	Timeout          time.Duration
	MaxRetries       int // total attempts per request, including the first one
	RetryBackoff     time.Duration
	RetryBackoffMax  time.Duration
	RespectRobotsTxt bool
	MaxBodySize      int // bytes read per response, 0 = unlimited

	Parallelism   int
	Delay         time.Duration
	RandomDelay   time.Duration
	RatePerSecond float64
	RateBurst     int

	OutputFile         string
	OutputFormat       string // csv, json, or dual
	PipelineBufferSize int
	BatchSize          int
	DedupeMaxSize      int // 0 keeps duplicate URLs in the output

	Verbose     bool
	MetricsAddr string
}

// DefaultConfig returns conservative defaults for the Mexican marketplace.
func DefaultConfig() *Config {
	return &Config{
		SearchURL:          "https://listado.mercadolibre.com.mx/laptop",
		SitePrefix:         "MLM",
		MaxPages:           0,
		Headers:            DefaultHeaders(),
		UserAgent:          "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		Timeout:            10 * time.Second,
		MaxRetries:         3,
		RetryBackoff:       200 * time.Millisecond,
		RetryBackoffMax:    2 * time.Second,
		RespectRobotsTxt:   false,
		MaxBodySize:        32 << 20,
		Parallelism:        4,
		Delay:              0,
		RandomDelay:        0,
		RatePerSecond:      0,
		RateBurst:          1,
		OutputFile:         "output/products.csv",
		OutputFormat:       "csv",
		PipelineBufferSize: 512,
		BatchSize:          64,
		DedupeMaxSize:      0,
		Verbose:            false,
		MetricsAddr:        "",
	}
}

// DefaultHeaders returns browser-like request headers.
func DefaultHeaders() map[string]string {
	return map[string]string{
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		"Accept-Language": "es-MX,es;q=0.9,en;q=0.8",
		"Accept-Encoding": "gzip, br",
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.SearchURL == "" {
		return fmt.Errorf("search URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.SearchURL)
	if err != nil {
		return fmt.Errorf("invalid search URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("search URL must include a host")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("search URL must use http or https")
	}

	if strings.TrimSpace(c.SitePrefix) == "" {
		return fmt.Errorf("site prefix cannot be empty")
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("max pages cannot be negative")
	}
	for key := range c.Headers {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("header names cannot be empty")
		}
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must allow at least one attempt")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.MaxBodySize < 0 {
		return fmt.Errorf("max body size cannot be negative")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.RatePerSecond < 0 {
		return fmt.Errorf("rate per second cannot be negative")
	}
	if c.RatePerSecond > 0 && c.RateBurst <= 0 {
		return fmt.Errorf("rate burst must be positive when rate limiting is enabled")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.DedupeMaxSize < 0 {
		return fmt.Errorf("dedupe max size cannot be negative")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}
