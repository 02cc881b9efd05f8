package scraper

import (
	"context"
	"log/slog"
)

// Stage names the part of a run a progress event belongs to.
type Stage string

const (
	StageListing Stage = "listing"
	StageDetail  Stage = "detail"
)

// Progress is a side-channel event emitted while a run advances.
type Progress struct {
	Stage     Stage
	Page      int // listing page just walked
	URLsFound int // URLs collected so far
	Done      int // detail pages processed so far
	Total     int // detail pages to process
	URL       string
}

// ProgressFunc receives progress events. It may be called from several
// goroutines at once.
type ProgressFunc func(Progress)

type progressKey struct{}

// WithProgress returns a context carrying fn.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

func reportProgress(ctx context.Context, p Progress) {
	slog.Debug("scraper progress",
		slog.String("stage", string(p.Stage)),
		slog.Int("page", p.Page),
		slog.Int("urls_found", p.URLsFound),
		slog.Int("done", p.Done),
		slog.Int("total", p.Total),
		slog.String("url", p.URL),
	)
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(p)
	}
}
