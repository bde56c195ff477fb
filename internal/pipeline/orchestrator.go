package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Orchestrator runs the background pipelines: the subgraph poller and the
// scheduled archiver. Either may be nil.
type Orchestrator struct {
	scraper        *EventScraper
	archiver       *Archiver
	scrapeInterval time.Duration
	archiveCron    string
	logger         *slog.Logger
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(
	scraper *EventScraper,
	archiver *Archiver,
	scrapeInterval time.Duration,
	archiveCron string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		scraper:        scraper,
		archiver:       archiver,
		scrapeInterval: scrapeInterval,
		archiveCron:    archiveCron,
		logger:         logger.With(slog.String("component", "pipeline")),
	}
}

// Run starts the configured pipelines with an errgroup and blocks until ctx
// is cancelled or one of them fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.Bool("scraper", o.scraper != nil),
		slog.Duration("scrape_interval", o.scrapeInterval),
		slog.Bool("archiver", o.archiver != nil && o.archiveCron != ""),
		slog.String("archive_cron", o.archiveCron),
	)

	g, ctx := errgroup.WithContext(ctx)

	if o.scraper != nil {
		g.Go(func() error {
			err := o.scraper.RunLoop(ctx, o.scrapeInterval)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("event scraper: %w", err)
		})
	}

	if o.archiver != nil && o.archiveCron != "" {
		g.Go(func() error {
			err := o.archiver.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
