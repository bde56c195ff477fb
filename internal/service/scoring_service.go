package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/jankascore/internal/credit"
	"github.com/alanyoungcy/jankascore/internal/domain"
	"github.com/alanyoungcy/jankascore/internal/notify"
)

// eventPageSize bounds each event-log read during a rebuild.
const eventPageSize = 1000

// ScoringConfig holds the model settings shared by every obligor.
type ScoringConfig struct {
	SeedAlpha       float64
	SeedBeta        float64
	Params          domain.MigrationParams
	ConfidenceZ     float64
	DefaultProtocol string
	BorrowPolicy    credit.BorrowMergePolicy
	OnFatal         credit.FatalPolicy
	LockTTL         time.Duration
	Resolvers       *credit.ResolverRegistry
	// Parallelism caps concurrent obligors in ScoreMany.
	Parallelism int
	// AlertBelow raises a score_below alert when an obligor's score drops
	// under it. Zero disables the alert.
	AlertBelow int
}

// ScoreRequest is a stateless batch scoring request.
type ScoreRequest struct {
	Address   string                `json:"address,omitempty"`
	Protocol  string                `json:"protocol,omitempty"`
	SeedAlpha float64               `json:"seed_alpha,omitempty"`
	SeedBeta  float64               `json:"seed_beta,omitempty"`
	OnFatal   credit.FatalPolicy    `json:"on_fatal,omitempty"`
	Events    []domain.LendingEvent `json:"events"`
}

// ScoreResult is the outcome of a batch or rebuild.
type ScoreResult struct {
	Summary domain.ScoreSummary `json:"summary"`
	Report  credit.Report       `json:"report"`
}

// ScoringService maintains persistent per-obligor scores. Every mutation of
// one obligor runs under that obligor's lock.
type ScoringService struct {
	cfg      ScoringConfig
	obligors domain.ObligorStore
	events   domain.EventStore
	audit    domain.AuditStore
	locks    domain.LockManager
	cache    domain.ScoreCache // optional
	bus      domain.SignalBus  // optional
	notifier *notify.Notifier  // optional
	logger   *slog.Logger
}

// NewScoringService creates a ScoringService. cache and bus may be nil.
func NewScoringService(
	cfg ScoringConfig,
	obligors domain.ObligorStore,
	events domain.EventStore,
	audit domain.AuditStore,
	locks domain.LockManager,
	cache domain.ScoreCache,
	bus domain.SignalBus,
	logger *slog.Logger,
) *ScoringService {
	if cfg.Resolvers == nil {
		cfg.Resolvers = credit.DefaultResolvers()
	}
	if cfg.BorrowPolicy == "" {
		cfg.BorrowPolicy = credit.BorrowOverwrite
	}
	if cfg.OnFatal == "" {
		cfg.OnFatal = credit.FailFast
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	return &ScoringService{
		cfg:      cfg,
		obligors: obligors,
		events:   events,
		audit:    audit,
		locks:    locks,
		cache:    cache,
		bus:      bus,
		logger:   logger.With(slog.String("component", "scoring_service")),
	}
}

// WithNotifier enables alerts on liquidations, rejected events and score
// drops.
func (s *ScoringService) WithNotifier(n *notify.Notifier) *ScoringService {
	s.notifier = n
	return s
}

func (s *ScoringService) obligorOpts() []credit.Option {
	return []credit.Option{
		credit.WithResolvers(s.cfg.Resolvers),
		credit.WithBorrowPolicy(s.cfg.BorrowPolicy),
	}
}

// ApplyEvent applies ev to its obligor and persists the result. Events are
// applied in arrival order; Rebuild recomputes in (timestamp, log index)
// order. A replayed event ID returns domain.ErrAlreadyExists and changes
// nothing. Fatal events are audited and returned without being stored.
//
// The snapshot is saved before the event is appended to the log, so a
// logged event is always reflected in the stored score. If the append fails
// after the save, redelivery finds the event as the snapshot's last event
// and only appends it.
func (s *ScoringService) ApplyEvent(ctx context.Context, ev domain.LendingEvent) (domain.ScoreSummary, error) {
	addr, err := domain.NormalizeAddress(ev.Obligor)
	if err != nil {
		return domain.ScoreSummary{}, err
	}
	ev.Obligor = addr
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Protocol == "" {
		ev.Protocol = s.cfg.DefaultProtocol
	}

	unlock, err := s.locks.Acquire(ctx, lockKey(addr), s.cfg.LockTTL)
	if err != nil {
		return domain.ScoreSummary{}, fmt.Errorf("scoring_service: lock %s: %w", addr, err)
	}
	defer unlock()

	seen, err := s.events.Exists(ctx, ev.ID)
	if err != nil {
		return domain.ScoreSummary{}, fmt.Errorf("scoring_service: check event %s: %w", ev.ID, err)
	}
	if seen {
		return domain.ScoreSummary{}, domain.ErrAlreadyExists
	}

	o, err := s.load(ctx, addr)
	if err != nil {
		return domain.ScoreSummary{}, err
	}

	if o.LastEvent() == ev.ID {
		if err := s.appendEvent(ctx, ev); err != nil {
			return domain.ScoreSummary{}, err
		}
		s.logger.InfoContext(ctx, "event log repaired",
			slog.String("obligor", addr),
			slog.String("event_id", ev.ID),
		)
		return domain.ScoreSummary{}, domain.ErrAlreadyExists
	}

	prevScore := o.Score()
	outcome, err := o.Apply(ev)
	if err != nil {
		s.auditLog(ctx, "event.rejected", map[string]any{
			"obligor":  addr,
			"event_id": ev.ID,
			"type":     string(ev.Type),
			"symbol":   ev.Symbol,
			"error":    err.Error(),
		})
		s.alert(ctx, notify.Alert{
			Kind:     notify.KindRejected,
			Severity: notify.SeverityWarn,
			Obligor:  addr,
			Title:    fmt.Sprintf("Rejected %s event", ev.Type),
			Body:     fmt.Sprintf("event %s (%s %v): %v", ev.ID, ev.Symbol, ev.Amount, err),
		})
		return domain.ScoreSummary{}, fmt.Errorf("scoring_service: apply %s: %w", ev.ID, err)
	}

	snap := o.Snapshot(addr)
	if err := s.save(ctx, snap); err != nil {
		return domain.ScoreSummary{}, err
	}
	if err := s.appendEvent(ctx, ev); err != nil {
		return domain.ScoreSummary{}, err
	}

	if outcome != credit.Applied {
		s.logger.DebugContext(ctx, "event did not change state",
			slog.String("obligor", addr),
			slog.String("event_id", ev.ID),
			slog.String("outcome", outcome.String()),
		)
	}

	summary := o.Summary(addr, s.cfg.ConfidenceZ)
	if outcome == credit.Applied {
		s.publish(ctx, domain.ScoreUpdate{
			Address:   addr,
			EventID:   ev.ID,
			EventType: ev.Type,
			Score:     summary.Score,
			Lower:     summary.Lower,
			Upper:     summary.Upper,
			At:        snap.UpdatedAt,
		})
		s.alertApplied(ctx, ev, prevScore, summary)
	}
	return summary, nil
}

// alertApplied raises alerts for an applied event: always for a
// liquidation, and when the score first crosses below AlertBelow.
func (s *ScoringService) alertApplied(ctx context.Context, ev domain.LendingEvent, prevScore int, summary domain.ScoreSummary) {
	if ev.Type == domain.EventLiquidation {
		s.alert(ctx, notify.Alert{
			Kind:     notify.KindLiquidation,
			Severity: notify.SeverityCritical,
			Obligor:  summary.Address,
			Title:    "Obligor liquidated",
			Body: fmt.Sprintf("%v %s seized on %s; score %d -> %d",
				ev.Amount, ev.Symbol, ev.Protocol, prevScore, summary.Score),
		})
	}
	if lim := s.cfg.AlertBelow; lim > 0 && prevScore >= lim && summary.Score < lim {
		s.alert(ctx, notify.Alert{
			Kind:     notify.KindScoreBelow,
			Severity: notify.SeverityWarn,
			Obligor:  summary.Address,
			Title:    fmt.Sprintf("Score fell below %d", lim),
			Body: fmt.Sprintf("score %d -> %d after %s %s (interval %d-%d)",
				prevScore, summary.Score, ev.Type, ev.Symbol, summary.Lower, summary.Upper),
		})
	}
}

// alert delivers a outside the caller's cancellation, bounded in time.
func (s *ScoringService) alert(ctx context.Context, a notify.Alert) {
	if !s.notifier.Enabled() {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.notifier.Notify(actx, a); err != nil {
		s.logger.WarnContext(ctx, "alert failed",
			slog.String("kind", a.Kind),
			slog.String("error", err.Error()),
		)
	}
}

// GetObligor returns the current score of address, reading the cache
// first. Unknown obligors yield domain.ErrNotFound.
func (s *ScoringService) GetObligor(ctx context.Context, address string) (domain.ScoreSummary, error) {
	addr, err := domain.NormalizeAddress(address)
	if err != nil {
		return domain.ScoreSummary{}, err
	}

	snap, err := s.snapshot(ctx, addr)
	if err != nil {
		return domain.ScoreSummary{}, err
	}
	o, err := credit.Restore(snap, s.cfg.Params, s.obligorOpts()...)
	if err != nil {
		return domain.ScoreSummary{}, fmt.Errorf("scoring_service: restore %s: %w", addr, err)
	}
	summary := o.Summary(addr, s.cfg.ConfidenceZ)
	summary.UpdatedAt = snap.UpdatedAt
	return summary, nil
}

// ListObligors returns stored snapshots, most recently updated first.
func (s *ScoringService) ListObligors(ctx context.Context, opts domain.ListOpts) ([]domain.ObligorSnapshot, error) {
	snaps, err := s.obligors.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("scoring_service: list obligors: %w", err)
	}
	return snaps, nil
}

// Rebuild recomputes address from its seed by replaying the stored event
// log under the configured fatal policy.
func (s *ScoringService) Rebuild(ctx context.Context, address string) (ScoreResult, error) {
	addr, err := domain.NormalizeAddress(address)
	if err != nil {
		return ScoreResult{}, err
	}

	unlock, err := s.locks.Acquire(ctx, lockKey(addr), s.cfg.LockTTL)
	if err != nil {
		return ScoreResult{}, fmt.Errorf("scoring_service: lock %s: %w", addr, err)
	}
	defer unlock()

	var events []domain.LendingEvent
	for offset := 0; ; offset += eventPageSize {
		page, err := s.events.ListByObligor(ctx, addr, domain.ListOpts{Limit: eventPageSize, Offset: offset})
		if err != nil {
			return ScoreResult{}, fmt.Errorf("scoring_service: list events %s: %w", addr, err)
		}
		events = append(events, page...)
		if len(page) < eventPageSize {
			break
		}
	}

	seedAlpha, seedBeta := s.cfg.SeedAlpha, s.cfg.SeedBeta
	if prev, err := s.obligors.Get(ctx, addr); err == nil {
		seedAlpha, seedBeta = prev.SeedAlpha, prev.SeedBeta
	} else if !errors.Is(err, domain.ErrNotFound) {
		return ScoreResult{}, fmt.Errorf("scoring_service: get %s: %w", addr, err)
	} else if len(events) == 0 {
		return ScoreResult{}, domain.ErrNotFound
	}

	o, report, err := credit.ScoreEvents(events, seedAlpha, seedBeta, s.cfg.Params,
		credit.ReplayOptions{OnFatal: s.cfg.OnFatal}, s.obligorOpts()...)
	if err != nil {
		return ScoreResult{Report: report}, fmt.Errorf("scoring_service: rebuild %s: %w", addr, err)
	}

	snap := o.Snapshot(addr)
	if err := s.save(ctx, snap); err != nil {
		return ScoreResult{}, err
	}
	s.auditLog(ctx, "obligor.rebuilt", map[string]any{
		"obligor":  addr,
		"events":   report.Total(),
		"applied":  report.Applied,
		"rejected": len(report.Rejected),
		"score":    o.Score(),
	})

	return ScoreResult{Summary: o.Summary(addr, s.cfg.ConfidenceZ), Report: report}, nil
}

// ScoreBatch scores req.Events from a fresh seed without touching any store.
func (s *ScoringService) ScoreBatch(_ context.Context, req ScoreRequest) (ScoreResult, error) {
	seedAlpha, seedBeta := s.cfg.SeedAlpha, s.cfg.SeedBeta
	if req.SeedAlpha != 0 || req.SeedBeta != 0 {
		seedAlpha, seedBeta = req.SeedAlpha, req.SeedBeta
	}
	policy := req.OnFatal
	if policy == "" {
		policy = s.cfg.OnFatal
	}
	if !policy.Valid() {
		return ScoreResult{}, fmt.Errorf("%w: unknown fatal policy %q", domain.ErrInvalidEvent, policy)
	}
	protocol := req.Protocol
	if protocol == "" {
		protocol = s.cfg.DefaultProtocol
	}

	events := make([]domain.LendingEvent, len(req.Events))
	for i, ev := range req.Events {
		if ev.Protocol == "" {
			ev.Protocol = protocol
		}
		events[i] = ev
	}

	o, report, err := credit.ScoreEvents(events, seedAlpha, seedBeta, s.cfg.Params,
		credit.ReplayOptions{Protocol: req.Protocol, OnFatal: policy}, s.obligorOpts()...)
	if err != nil {
		return ScoreResult{Report: report}, err
	}
	return ScoreResult{Summary: o.Summary(req.Address, s.cfg.ConfidenceZ), Report: report}, nil
}

// ScoreMany runs ScoreBatch for each request concurrently. Results keep the
// order of reqs; the first failure cancels the rest.
func (s *ScoringService) ScoreMany(ctx context.Context, reqs []ScoreRequest) ([]ScoreResult, error) {
	results := make([]ScoreResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for i := range reqs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := s.ScoreBatch(gctx, reqs[i])
			if err != nil {
				return fmt.Errorf("request %d (%s): %w", i, reqs[i].Address, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// load restores address from the store, or seeds a new obligor.
func (s *ScoringService) load(ctx context.Context, addr string) (*credit.Obligor, error) {
	snap, err := s.obligors.Get(ctx, addr)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		o, err := credit.NewObligor(s.cfg.SeedAlpha, s.cfg.SeedBeta, s.cfg.Params, s.obligorOpts()...)
		if err != nil {
			return nil, fmt.Errorf("scoring_service: seed %s: %w", addr, err)
		}
		return o, nil
	case err != nil:
		return nil, fmt.Errorf("scoring_service: get %s: %w", addr, err)
	}

	o, err := credit.Restore(snap, s.cfg.Params, s.obligorOpts()...)
	if err != nil {
		return nil, fmt.Errorf("scoring_service: restore %s: %w", addr, err)
	}
	return o, nil
}

func (s *ScoringService) snapshot(ctx context.Context, addr string) (domain.ObligorSnapshot, error) {
	if s.cache != nil {
		snap, err := s.cache.GetSnapshot(ctx, addr)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "score cache read failed",
				slog.String("obligor", addr),
				slog.String("error", err.Error()),
			)
		}
	}

	snap, err := s.obligors.Get(ctx, addr)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ObligorSnapshot{}, err
		}
		return domain.ObligorSnapshot{}, fmt.Errorf("scoring_service: get %s: %w", addr, err)
	}
	s.cacheSet(ctx, snap)
	return snap, nil
}

func (s *ScoringService) appendEvent(ctx context.Context, ev domain.LendingEvent) error {
	err := s.events.Append(ctx, ev)
	if err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return fmt.Errorf("scoring_service: append event %s: %w", ev.ID, err)
	}
	return nil
}

func (s *ScoringService) save(ctx context.Context, snap domain.ObligorSnapshot) error {
	if err := s.obligors.Save(ctx, snap); err != nil {
		return fmt.Errorf("scoring_service: save %s: %w", snap.Address, err)
	}
	s.cacheSet(ctx, snap)
	return nil
}

func (s *ScoringService) cacheSet(ctx context.Context, snap domain.ObligorSnapshot) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetSnapshot(ctx, snap); err != nil {
		s.logger.WarnContext(ctx, "score cache write failed",
			slog.String("obligor", snap.Address),
			slog.String("error", err.Error()),
		)
	}
}

func (s *ScoringService) publish(ctx context.Context, upd domain.ScoreUpdate) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(upd)
	if err := s.bus.Publish(ctx, domain.ChannelScoreUpdates, payload); err != nil {
		s.logger.WarnContext(ctx, "publish score update failed",
			slog.String("obligor", upd.Address),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, domain.StreamScoreUpdates, payload); err != nil {
		s.logger.WarnContext(ctx, "append score stream failed",
			slog.String("obligor", upd.Address),
			slog.String("error", err.Error()),
		)
	}
}

func (s *ScoringService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func lockKey(addr string) string {
	return "obligor:" + addr
}
