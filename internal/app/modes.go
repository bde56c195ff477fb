package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/jankascore/internal/credit"
	kafkafeed "github.com/alanyoungcy/jankascore/internal/feed/kafka"
	"github.com/alanyoungcy/jankascore/internal/pipeline"
	"github.com/alanyoungcy/jankascore/internal/platform/subgraph"
	"github.com/alanyoungcy/jankascore/internal/server"
	"github.com/alanyoungcy/jankascore/internal/server/handler"
	"github.com/alanyoungcy/jankascore/internal/server/ws"
	"github.com/alanyoungcy/jankascore/internal/service"
)

// newScoringService builds the scoring service from the scoring config.
func (a *App) newScoringService(deps *Dependencies) *service.ScoringService {
	sc := a.cfg.Scoring
	return service.NewScoringService(service.ScoringConfig{
		SeedAlpha:       sc.SeedAlpha,
		SeedBeta:        sc.SeedBeta,
		Params:          sc.Migration,
		ConfidenceZ:     sc.ConfidenceZ,
		DefaultProtocol: sc.DefaultProtocol,
		BorrowPolicy:    credit.BorrowMergePolicy(sc.BorrowPolicy),
		OnFatal:         credit.FatalPolicy(sc.OnFatal),
		LockTTL:         sc.LockTTL.Duration,
		AlertBelow:      a.cfg.Notify.ScoreBelow,
	}, deps.ObligorStore, deps.EventStore, deps.AuditStore, deps.LockManager,
		deps.ScoreCache, deps.SignalBus, a.logger).WithNotifier(deps.Notifier)
}

// ServerMode serves the HTTP API and, when Redis is enabled, the live score
// stream.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, a.newScoringService(deps))
	return g.Wait()
}

// IngestMode consumes lending events from Kafka.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting ingest mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startConsumer(ctx, g, a.newScoringService(deps))
	return g.Wait()
}

// ScrapeMode polls the lending subgraph for tracked obligors and runs the
// scheduled archiver.
func (a *App) ScrapeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scrape mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startPipeline(ctx, g, deps, a.newScoringService(deps)); err != nil {
		return fmt.Errorf("scrape mode: %w", err)
	}
	return g.Wait()
}

// FullMode starts every configured subsystem: the API, the Kafka consumer
// and the subgraph pipeline.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	scoring := a.newScoringService(deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, scoring)
	}
	if a.cfg.Kafka.Enabled() {
		a.startConsumer(ctx, g, scoring)
	}
	if a.cfg.Subgraph.URL != "" || deps.Archiver != nil {
		if err := a.startPipeline(ctx, g, deps, scoring); err != nil {
			return fmt.Errorf("full mode: %w", err)
		}
	}
	return g.Wait()
}

func (a *App) startConsumer(ctx context.Context, g *errgroup.Group, scoring *service.ScoringService) {
	kc := a.cfg.Kafka
	reader := kafkafeed.NewReader(kafkafeed.Config{
		Brokers:        kc.Brokers,
		Topic:          kc.Topic,
		GroupID:        kc.GroupID,
		MinBytes:       kc.MinBytes,
		MaxBytes:       kc.MaxBytes,
		CommitInterval: kc.CommitInterval.Duration,
	})

	var dlq *kafkafeed.DeadLetterQueue
	if kc.DeadLetterTopic != "" {
		dlq = kafkafeed.NewDeadLetterQueue(kafkafeed.NewWriter(kc.Brokers, kc.DeadLetterTopic))
	}

	consumer := kafkafeed.NewConsumer(reader, scoring, dlq, a.logger)
	g.Go(func() error {
		defer func() {
			_ = reader.Close()
			if dlq != nil {
				_ = dlq.Close()
			}
		}()
		a.logger.InfoContext(ctx, "kafka consumer starting",
			slog.String("topic", kc.Topic),
			slog.String("group_id", kc.GroupID),
		)
		err := consumer.Run(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("kafka consumer: %w", err)
	})
}

func (a *App) startPipeline(ctx context.Context, g *errgroup.Group, deps *Dependencies, scoring *service.ScoringService) error {
	var scraper *pipeline.EventScraper
	sc := a.cfg.Subgraph
	if sc.URL != "" {
		if len(sc.Obligors) == 0 {
			a.logger.WarnContext(ctx, "subgraph.obligors is empty; the poller has nothing to track")
		}
		client := subgraph.NewClient(sc.URL, sc.APIKey, sc.Protocol, sc.PageSize)
		scraper = pipeline.NewEventScraper(client, deps.EventStore, scoring, sc.Obligors, a.logger)
	}

	var archiver *pipeline.Archiver
	if deps.Archiver != nil {
		archiver = pipeline.NewArchiver(deps.Archiver, deps.ObligorStore, a.logger)
	}

	if scraper == nil && archiver == nil {
		return fmt.Errorf("nothing to run: set subgraph.url or enable s3")
	}

	orch := pipeline.NewOrchestrator(scraper, archiver, sc.PollInterval.Duration, a.cfg.S3.ArchiveCron, a.logger)
	g.Go(func() error {
		return orch.Run(ctx)
	})
	return nil
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, scoring *service.ScoringService) {
	borrowers := service.NewBorrowerService(deps.BorrowerStore, deps.LockManager, a.cfg.Scoring.LockTTL.Duration, a.logger)

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.cfg.Mode, a.logger)
		g.Go(func() error {
			err := hub.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ws hub: %w", err)
		})
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		Limiter:     deps.RateLimiter,
		RateLimit:   a.cfg.Redis.RateLimit,
		RateWindow:  a.cfg.Redis.RateWindow.Duration,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Obligors:  handler.NewObligorHandler(scoring, deps.Archiver, deps.BlobReader, a.logger),
		Score:     handler.NewScoreHandler(scoring, a.logger),
		Borrowers: handler.NewBorrowerHandler(borrowers, a.logger),
	}, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
