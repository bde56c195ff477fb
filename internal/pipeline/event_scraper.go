package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/jankascore/internal/credit"
	"github.com/alanyoungcy/jankascore/internal/domain"
)

// EventFetcher retrieves lending events for one account from an indexer.
type EventFetcher interface {
	FetchEvents(ctx context.Context, account string, since int64) ([]domain.LendingEvent, error)
}

// EventApplier applies one event to its obligor's persistent score.
type EventApplier interface {
	ApplyEvent(ctx context.Context, ev domain.LendingEvent) (domain.ScoreSummary, error)
}

// ScrapeStats counts what one scrape run did.
type ScrapeStats struct {
	Fetched    int
	Applied    int
	Duplicates int
	Rejected   int
}

func (s *ScrapeStats) add(o ScrapeStats) {
	s.Fetched += o.Fetched
	s.Applied += o.Applied
	s.Duplicates += o.Duplicates
	s.Rejected += o.Rejected
}

// EventScraper polls the indexer for new events of each tracked obligor and
// feeds them to the scoring service in (timestamp, log index) order.
type EventScraper struct {
	fetcher  EventFetcher
	events   domain.EventStore
	applier  EventApplier
	obligors []string
	logger   *slog.Logger
}

// NewEventScraper creates a new EventScraper tracking obligors.
func NewEventScraper(fetcher EventFetcher, events domain.EventStore, applier EventApplier, obligors []string, logger *slog.Logger) *EventScraper {
	return &EventScraper{
		fetcher:  fetcher,
		events:   events,
		applier:  applier,
		obligors: obligors,
		logger:   logger.With(slog.String("component", "event_scraper")),
	}
}

// Run executes a single scrape over every tracked obligor. A failure for one
// obligor is logged and the others still run; the first such error is
// returned.
func (s *EventScraper) Run(ctx context.Context) (ScrapeStats, error) {
	var (
		total    ScrapeStats
		firstErr error
	)
	for _, raw := range s.obligors {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("event scraper context cancelled: %w", err)
		}
		stats, err := s.scrapeObligor(ctx, raw)
		total.add(stats)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("event scraper: obligor failed",
					slog.String("obligor", raw),
					slog.String("error", err.Error()),
				)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.logger.Info("event scrape complete",
		slog.Int("obligors", len(s.obligors)),
		slog.Int("fetched", total.Fetched),
		slog.Int("applied", total.Applied),
		slog.Int("duplicates", total.Duplicates),
		slog.Int("rejected", total.Rejected),
	)
	return total, firstErr
}

func (s *EventScraper) scrapeObligor(ctx context.Context, raw string) (ScrapeStats, error) {
	var stats ScrapeStats
	addr, err := domain.NormalizeAddress(raw)
	if err != nil {
		return stats, err
	}

	last, err := s.events.LastTimestamp(ctx, addr)
	if err != nil {
		return stats, fmt.Errorf("last timestamp for %s: %w", addr, err)
	}
	// Re-read the newest second: later events in the same block may have
	// been indexed after the previous run. Replays are dropped as duplicates.
	since := last
	if since > 0 {
		since--
	}

	fetched, err := s.fetcher.FetchEvents(ctx, addr, since)
	if err != nil {
		return stats, err
	}
	stats.Fetched = len(fetched)

	for _, ev := range credit.SortEvents(fetched) {
		ev.Obligor = addr
		_, err := s.applier.ApplyEvent(ctx, ev)
		switch {
		case err == nil:
			stats.Applied++
		case errors.Is(err, domain.ErrAlreadyExists):
			stats.Duplicates++
		case credit.IsFatal(err):
			stats.Rejected++
			s.logger.Warn("event scraper: event rejected",
				slog.String("obligor", addr),
				slog.String("event_id", ev.ID),
				slog.String("error", err.Error()),
			)
		default:
			return stats, fmt.Errorf("apply %s: %w", ev.ID, err)
		}
	}
	return stats, nil
}

// RunLoop runs the event scraper on a repeating interval until the context is
// cancelled.
func (s *EventScraper) RunLoop(ctx context.Context, interval time.Duration) error {
	// Run immediately on start.
	if _, err := s.Run(ctx); err != nil {
		s.logger.Error("event scrape failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("event scraper loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil {
				s.logger.Error("event scrape failed", slog.String("error", err.Error()))
			}
		}
	}
}
