package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-scrape-mercado/config"
	"github.com/aluiziolira/go-scrape-mercado/models"
	"github.com/aluiziolira/go-scrape-mercado/pipeline"
	"github.com/aluiziolira/go-scrape-mercado/scraper"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// headerFlags collects repeated -header "Key: Value" flags.
type headerFlags map[string]string

func (h headerFlags) String() string {
	parts := make([]string, 0, len(h))
	for k, v := range h {
		parts = append(parts, k+": "+v)
	}
	return strings.Join(parts, ", ")
}

func (h headerFlags) Set(value string) error {
	key, val, ok := strings.Cut(value, ":")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("header %q must look like \"Key: Value\"", value)
	}
	h[key] = strings.TrimSpace(val)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code so deferred cleanup always happens.
func run(args []string) int {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		return 1
	}

	defaultCfg := config.DefaultConfig()
	searchDefault := defaultCfg.SearchURL
	if value, ok := config.EnvString("SCRAPER_SEARCH_URL"); ok {
		searchDefault = value
	}
	parallelDefault, err := envInt("SCRAPER_PARALLEL", defaultCfg.Parallelism)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	retriesDefault, err := envInt("SCRAPER_MAX_RETRIES", defaultCfg.MaxRetries)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	timeoutDefault := defaultCfg.Timeout
	if value, ok, err := config.EnvDuration("SCRAPER_TIMEOUT"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid SCRAPER_TIMEOUT: %v\n", err)
		return 1
	} else if ok {
		timeoutDefault = value
	}
	outputDefault := defaultCfg.OutputFile
	if value, ok := config.EnvString("SCRAPER_OUTPUT"); ok {
		outputDefault = value
	}
	metricsDefault := defaultCfg.MetricsAddr
	if value, ok := config.EnvString("SCRAPER_METRICS_ADDR"); ok {
		metricsDefault = value
	}

	fs := flag.NewFlagSet("scraper", flag.ContinueOnError)
	headers := headerFlags{}
	searchURL := fs.String("search-url", searchDefault, "Search listing URL to walk")
	sitePrefix := fs.String("site-prefix", defaultCfg.SitePrefix, "Publication number prefix (MLM, MLA, MLB...)")
	maxPages := fs.Int("pages", defaultCfg.MaxPages, "Maximum listing pages to walk (0 = all)")
	parallelism := fs.Int("parallel", parallelDefault, "Number of concurrent detail requests")
	timeout := fs.Duration("timeout", timeoutDefault, "Per-request timeout")
	delayMs := fs.Int("delay", 0, "Delay between requests (milliseconds)")
	randomDelayMs := fs.Int("random-delay", 0, "Random jitter added to delay (milliseconds)")
	rate := fs.Float64("rate", defaultCfg.RatePerSecond, "Maximum requests per second (0 = unlimited)")
	maxRetries := fs.Int("max-retries", retriesDefault, "Total attempts per URL")
	retryBackoffMs := fs.Int("retry-backoff", int(defaultCfg.RetryBackoff/time.Millisecond), "Initial retry backoff (milliseconds)")
	retryBackoffMaxMs := fs.Int("retry-backoff-max", int(defaultCfg.RetryBackoffMax/time.Millisecond), "Maximum retry backoff (milliseconds)")
	respectRobots := fs.Bool("respect-robots", false, "Respect robots.txt directives")
	maxBody := fs.Int("max-body", defaultCfg.MaxBodySize, "Maximum bytes read per response (0 = unlimited)")
	dedupe := fs.Int("dedupe", defaultCfg.DedupeMaxSize, "Drop repeated product URLs, remembering up to N (0 = keep duplicates)")
	outputFile := fs.String("output", outputDefault, "Output file path")
	outputFormat := fs.String("format", defaultCfg.OutputFormat, "Output format: csv, json, or dual")
	verbose := fs.Bool("v", false, "Enable verbose logging")
	metricsAddr := fs.String("metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")
	fs.Var(headers, "header", "Extra request header \"Key: Value\" (repeatable)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	cfg := config.DefaultConfig()
	cfg.SearchURL = *searchURL
	cfg.SitePrefix = *sitePrefix
	cfg.MaxPages = *maxPages
	cfg.Parallelism = *parallelism
	cfg.Timeout = *timeout
	cfg.Delay = time.Duration(*delayMs) * time.Millisecond
	cfg.RandomDelay = time.Duration(*randomDelayMs) * time.Millisecond
	cfg.RatePerSecond = *rate
	cfg.MaxRetries = *maxRetries
	cfg.RetryBackoff = time.Duration(*retryBackoffMs) * time.Millisecond
	cfg.RetryBackoffMax = time.Duration(*retryBackoffMaxMs) * time.Millisecond
	cfg.RespectRobotsTxt = *respectRobots
	cfg.MaxBodySize = *maxBody
	cfg.DedupeMaxSize = *dedupe
	cfg.OutputFile = *outputFile
	cfg.OutputFormat = strings.ToLower(*outputFormat)
	cfg.Verbose = *verbose
	cfg.MetricsAddr = *metricsAddr
	for k, v := range headers {
		cfg.Headers[k] = v
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return 1
	}

	slog.Info("starting scrape",
		slog.String("search_url", cfg.SearchURL),
		slog.String("site_prefix", cfg.SitePrefix),
		slog.Int("pages", cfg.MaxPages),
		slog.Int("workers", cfg.Parallelism),
	)

	s, err := scraper.NewScraper(cfg)
	if err != nil {
		slog.Error("initialising scraper", slog.Any("error", err))
		return 1
	}

	writer, err := createWriter(cfg.OutputFormat, cfg.OutputFile)
	if err != nil {
		slog.Error("creating writer", slog.Any("error", err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" && s.Metrics != nil {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown failed", slog.Any("error", err))
			}
		}()
	}

	startTime := time.Now()
	runCtx := scraper.WithProgress(ctx, logProgress)
	result, runErr := s.Run(runCtx, cfg.SearchURL)
	if runErr != nil {
		slog.Warn("scrape interrupted, writing partial results", slog.Any("error", runErr))
	}

	metrics, err := writeProducts(writer, cfg, result.Products)
	if err != nil {
		slog.Error("writing output failed", slog.Any("error", err))
		return 1
	}

	duration := time.Since(startTime)
	totalItems := int64(0)
	if processed, ok := metrics["processed_products"].(int64); ok {
		totalItems = processed
	}
	itemsPerSec := 0.0
	if duration.Seconds() > 0 {
		itemsPerSec = float64(totalItems) / duration.Seconds()
	}

	printSummary(result, duration, itemsPerSec, cfg.OutputFile, metrics)
	return 0
}

// writeProducts drains products through the pipeline and always closes
// writer, so rows already accepted are flushed even when the pipeline fails.
func writeProducts(writer pipeline.OutputWriter, cfg *config.Config, products []*models.Product) (map[string]interface{}, error) {
	// One worker keeps listing order in the output.
	p := pipeline.NewPipeline(context.Background(), writer, cfg)
	p.Start(1)
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	var errs []error
	if err := p.Process(products...); err != nil {
		errs = append(errs, fmt.Errorf("queue products: %w", err))
	}
	if err := p.Close(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline shutdown: %w", err))
	}
	if len(errs) == 0 {
		if err := writer.Validate(); err != nil {
			slog.Warn("output has no records", slog.Any("error", err))
		}
	}
	if err := writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close writer: %w", err))
	}
	return p.GetMetrics(), errors.Join(errs...)
}

func envInt(key string, fallback int) (int, error) {
	value, ok, err := config.EnvInt(key)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if !ok {
		return fallback, nil
	}
	return value, nil
}

func logProgress(p scraper.Progress) {
	switch p.Stage {
	case scraper.StageListing:
		slog.Info("listing page parsed", slog.Int("page", p.Page), slog.Int("urls", p.URLsFound))
	case scraper.StageDetail:
		if p.Done == p.Total || p.Done%25 == 0 {
			slog.Info("products extracted", slog.Int("done", p.Done), slog.Int("total", p.Total))
		}
	}
}

func createWriter(format, filename string) (pipeline.OutputWriter, error) {
	switch format {
	case "json":
		return pipeline.NewJSONWriter(filename)
	case "csv":
		return pipeline.NewCSVWriter(filename)
	case "dual":
		return pipeline.NewDualWriter(filename)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func printSummary(result *models.ScrapeResult, duration time.Duration, itemsPerSec float64, outputFile string, metrics map[string]interface{}) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Scrape complete")

	totalItems := int64(0)
	if processed, ok := metrics["processed_products"].(int64); ok {
		totalItems = processed
	}

	fmt.Printf("  Listing pages: %d\n", result.PageCount)
	fmt.Printf("  Product URLs:  %d\n", result.URLCount)
	fmt.Printf("  Written:       %d\n", totalItems)
	fmt.Printf("  Holes:         %d\n", result.Holes)
	successRate := 0.0
	if result.RequestCount > 0 {
		successRate = float64(result.RequestCount-result.ErrorCount) / float64(result.RequestCount) * 100
	}
	fmt.Printf("  Success rate:  %.2f%%\n", successRate)
	fmt.Printf("  Errors:        %d\n", result.ErrorCount)
	fmt.Printf("  Retries:       %d\n", result.RetryCount)
	fmt.Printf("  Failed URLs:   %d\n", len(result.FailedURLs))
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	if valErrors, ok := metrics["validation_errors"].(map[string]int); ok && len(valErrors) > 0 {
		fmt.Printf("  Validation:    %v\n", valErrors)
	}
	fmt.Printf("  Duration:      %v\n", duration)
	fmt.Printf("  Items/sec:     %.2f\n", itemsPerSec)
	fmt.Printf("  Output file:   %s\n", outputFile)
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
