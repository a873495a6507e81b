// Package scrape feeds external feedback sources into ingestion.
//
// Sources are pluggable: anything that can produce a batch of raw feedback
// items implements Scraper. The runner polls each source on an interval and
// offers every item to the pipeline; dedup downstream makes overlapping
// batches harmless, so sources do not need to track what they already
// returned.
package scrape

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedbackd/internal/pipeline"
)

// Item is one raw feedback item from a source.
type Item struct {
	Text      string
	Title     string
	URL       string
	Timestamp time.Time
	Metadata  map[string]string
}

// Scraper produces a batch of feedback items from one source.
type Scraper interface {
	// Name identifies the source; it becomes the signal's Source field.
	Name() string

	// Scrape returns the source's current batch. Returning items already
	// seen is fine.
	Scrape(ctx context.Context) ([]Item, error)
}

// Ingester accepts scraped submissions.
type Ingester interface {
	Ingest(ctx context.Context, sub *pipeline.Submission) (*pipeline.IngestResult, error)
}

// Runner polls scrapers and feeds their items into ingestion.
type Runner struct {
	scrapers []Scraper
	ingester Ingester
	interval time.Duration
	logger   *zap.Logger
}

// NewRunner creates a scrape runner.
func NewRunner(scrapers []Scraper, ingester Ingester, interval time.Duration, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		scrapers: scrapers,
		ingester: ingester,
		interval: interval,
		logger:   logger.Named("scrape"),
	}
}

// Run polls all sources until the context is canceled. The first sweep runs
// immediately.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep scrapes every source once. A failing source is logged and skipped;
// one broken forum does not stop the others.
func (r *Runner) sweep(ctx context.Context) {
	for _, s := range r.scrapers {
		items, err := s.Scrape(ctx)
		if err != nil {
			r.logger.Warn("scrape failed",
				zap.String("source", s.Name()), zap.Error(err))
			continue
		}

		accepted, duplicates := 0, 0
		for _, item := range items {
			res, err := r.ingester.Ingest(ctx, &pipeline.Submission{
				Text:      item.Text,
				Title:     item.Title,
				Source:    s.Name(),
				URL:       item.URL,
				Timestamp: item.Timestamp,
				Metadata:  item.Metadata,
			})
			if err != nil {
				r.logger.Warn("ingest of scraped item failed",
					zap.String("source", s.Name()), zap.Error(err))
				continue
			}
			if res.Duplicate {
				duplicates++
			} else {
				accepted++
			}
		}

		r.logger.Info("scrape sweep complete",
			zap.String("source", s.Name()),
			zap.Int("accepted", accepted),
			zap.Int("duplicates", duplicates))
	}
}
