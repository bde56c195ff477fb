package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/alanyoungcy/jankascore/internal/credit"
	"github.com/alanyoungcy/jankascore/internal/domain"
	"github.com/alanyoungcy/jankascore/internal/notify"
	"github.com/alanyoungcy/jankascore/internal/store/memory"
)

const testAddr = "0x52908400098527886E0F7030069857D2E4169EE7"

type recordingBus struct {
	mu        sync.Mutex
	published [][]byte
	streamed  int
}

func (b *recordingBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) StreamAppend(context.Context, string, []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed++
	return nil
}

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type mapCache struct {
	mu    sync.Mutex
	snaps map[string]domain.ObligorSnapshot
	hits  int
}

func (c *mapCache) SetSnapshot(_ context.Context, snap domain.ObligorSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps[snap.Address] = snap
	return nil
}

func (c *mapCache) GetSnapshot(_ context.Context, address string) (domain.ObligorSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.snaps[address]
	if !ok {
		return domain.ObligorSnapshot{}, domain.ErrNotFound
	}
	c.hits++
	return snap, nil
}

func (c *mapCache) Invalidate(_ context.Context, address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snaps, address)
	return nil
}

type fixture struct {
	svc      *ScoringService
	obligors *memory.ObligorStore
	events   *memory.EventStore
	audit    *memory.AuditStore
	cache    *mapCache
	bus      *recordingBus
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		obligors: memory.NewObligorStore(),
		events:   memory.NewEventStore(),
		audit:    memory.NewAuditStore(),
		cache:    &mapCache{snaps: map[string]domain.ObligorSnapshot{}},
		bus:      &recordingBus{},
	}
	f.svc = NewScoringService(ScoringConfig{
		SeedAlpha:       1,
		SeedBeta:        1,
		Params:          domain.DefaultMigrationParams(),
		ConfidenceZ:     1.96,
		DefaultProtocol: "aave_v3",
	}, f.obligors, f.events, f.audit, memory.NewLockManager(), f.cache, f.bus,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func borrowRepayEvents(addr string) []domain.LendingEvent {
	return []domain.LendingEvent{
		{ID: "e1", Obligor: addr, Timestamp: 1, Type: domain.EventBorrow, Symbol: "DAI", Amount: 1000},
		{ID: "e2", Obligor: addr, Timestamp: 2, Type: domain.EventRepay, Symbol: "DAI", Amount: 600},
		{ID: "e3", Obligor: addr, Timestamp: 3, Type: domain.EventRepay, Symbol: "DAI", Amount: 400},
	}
}

func TestApplyEvent_ScoresAndPersists(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	wantScores := []int{33, 64, 74}
	for i, ev := range borrowRepayEvents("0x52908400098527886e0f7030069857d2e4169ee7") {
		summary, err := f.svc.ApplyEvent(ctx, ev)
		if err != nil {
			t.Fatalf("ApplyEvent %s: %v", ev.ID, err)
		}
		if summary.Score != wantScores[i] {
			t.Errorf("after %s: score = %d, want %d", ev.ID, summary.Score, wantScores[i])
		}
		if summary.Address != testAddr {
			t.Errorf("address = %q, want checksummed %q", summary.Address, testAddr)
		}
	}

	snap, err := f.obligors.Get(ctx, testAddr)
	if err != nil {
		t.Fatalf("stored snapshot: %v", err)
	}
	if snap.EventCount != 3 || snap.LastEvent != "e3" {
		t.Errorf("snapshot counters = %d/%q", snap.EventCount, snap.LastEvent)
	}
	if len(snap.Positions) != 1 || snap.Positions[0].Status != domain.PositionFullyRepaid {
		t.Errorf("positions = %+v", snap.Positions)
	}

	stored, _ := f.events.ListByObligor(ctx, testAddr, domain.ListOpts{})
	if len(stored) != 3 || stored[0].Protocol != "aave_v3" {
		t.Errorf("stored events = %+v", stored)
	}

	if len(f.bus.published) != 3 || f.bus.streamed != 3 {
		t.Errorf("published %d, streamed %d; want 3 each", len(f.bus.published), f.bus.streamed)
	}
	var upd domain.ScoreUpdate
	if err := json.Unmarshal(f.bus.published[2], &upd); err != nil {
		t.Fatal(err)
	}
	if upd.Score != 74 || upd.EventID != "e3" {
		t.Errorf("last update = %+v", upd)
	}

	got, err := f.svc.GetObligor(ctx, testAddr)
	if err != nil {
		t.Fatalf("GetObligor: %v", err)
	}
	if got.Score != 74 || f.cache.hits == 0 {
		t.Errorf("GetObligor score = %d, cache hits = %d", got.Score, f.cache.hits)
	}
}

func TestApplyEvent_DuplicateIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := borrowRepayEvents(testAddr)[0]

	if _, err := f.svc.ApplyEvent(ctx, ev); err != nil {
		t.Fatalf("first ApplyEvent: %v", err)
	}
	if _, err := f.svc.ApplyEvent(ctx, ev); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate: got %v, want ErrAlreadyExists", err)
	}
	snap, _ := f.obligors.Get(ctx, testAddr)
	if snap.EventCount != 1 {
		t.Errorf("duplicate changed state: event count %d", snap.EventCount)
	}
}

var errTransient = errors.New("transient write failure")

type flakyObligorStore struct {
	*memory.ObligorStore
	failSaves int
}

func (s *flakyObligorStore) Save(ctx context.Context, snap domain.ObligorSnapshot) error {
	if s.failSaves > 0 {
		s.failSaves--
		return errTransient
	}
	return s.ObligorStore.Save(ctx, snap)
}

type flakyEventStore struct {
	*memory.EventStore
	failAppends int
}

func (s *flakyEventStore) Append(ctx context.Context, ev domain.LendingEvent) error {
	if s.failAppends > 0 {
		s.failAppends--
		return errTransient
	}
	return s.EventStore.Append(ctx, ev)
}

func newFlakyService(obligors domain.ObligorStore, events domain.EventStore) *ScoringService {
	return NewScoringService(ScoringConfig{
		SeedAlpha:       1,
		SeedBeta:        1,
		Params:          domain.DefaultMigrationParams(),
		ConfidenceZ:     1.96,
		DefaultProtocol: "aave_v3",
	}, obligors, events, memory.NewAuditStore(), memory.NewLockManager(), nil, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestApplyEvent_SaveFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	obligors := &flakyObligorStore{ObligorStore: memory.NewObligorStore(), failSaves: 1}
	events := memory.NewEventStore()
	svc := newFlakyService(obligors, events)
	ev := borrowRepayEvents(testAddr)[0]

	if _, err := svc.ApplyEvent(ctx, ev); !errors.Is(err, errTransient) {
		t.Fatalf("first ApplyEvent: got %v, want transient failure", err)
	}
	if seen, _ := events.Exists(ctx, ev.ID); seen {
		t.Fatal("event logged although its snapshot was not saved")
	}

	got, err := svc.ApplyEvent(ctx, ev)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got.Score != 33 {
		t.Errorf("redelivery score = %d, want 33", got.Score)
	}
	stored, err := svc.GetObligor(ctx, testAddr)
	if err != nil {
		t.Fatalf("GetObligor: %v", err)
	}
	if stored.Score != 33 || stored.EventCount != 1 {
		t.Errorf("stored score = %d, events = %d; want 33, 1", stored.Score, stored.EventCount)
	}
}

func TestApplyEvent_AppendFailureIsRepaired(t *testing.T) {
	ctx := context.Background()
	obligors := memory.NewObligorStore()
	events := &flakyEventStore{EventStore: memory.NewEventStore(), failAppends: 1}
	svc := newFlakyService(obligors, events)
	ev := borrowRepayEvents(testAddr)[0]

	if _, err := svc.ApplyEvent(ctx, ev); !errors.Is(err, errTransient) {
		t.Fatalf("first ApplyEvent: got %v, want transient failure", err)
	}
	if _, err := svc.ApplyEvent(ctx, ev); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("redelivery: got %v, want ErrAlreadyExists", err)
	}
	if seen, _ := events.Exists(ctx, ev.ID); !seen {
		t.Error("redelivery did not log the event")
	}
	snap, err := obligors.Get(ctx, testAddr)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.EventCount != 1 {
		t.Errorf("event applied %d times, want 1", snap.EventCount)
	}

	res, err := svc.Rebuild(ctx, testAddr)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if res.Summary.Score != 33 {
		t.Errorf("rebuilt score = %d, want 33", res.Summary.Score)
	}
}

func TestApplyEvent_FatalIsAuditedNotStored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.ApplyEvent(ctx, domain.LendingEvent{
		ID: "liq", Obligor: testAddr, Type: domain.EventLiquidation, Symbol: "WETH", Amount: 1,
	})
	if !errors.Is(err, domain.ErrPositionNotFound) || !credit.IsFatal(err) {
		t.Fatalf("got %v, want fatal ErrPositionNotFound", err)
	}
	if stored, _ := f.events.ListByObligor(ctx, testAddr, domain.ListOpts{}); len(stored) != 0 {
		t.Errorf("fatal event stored")
	}
	entries, _ := f.audit.List(ctx, domain.ListOpts{})
	if len(entries) != 1 || entries[0].Event != "event.rejected" {
		t.Errorf("audit = %+v", entries)
	}
	if _, err := f.svc.GetObligor(ctx, testAddr); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("obligor created by a fatal event: %v", err)
	}
}

func TestApplyEvent_InvalidAddress(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ApplyEvent(context.Background(), domain.LendingEvent{Obligor: "bob", Type: domain.EventBorrow})
	if !errors.Is(err, domain.ErrInvalidAddress) {
		t.Errorf("got %v, want ErrInvalidAddress", err)
	}
}

func TestRebuild_UsesCanonicalOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Delivered out of order: the repay arrives before its borrow and is a
	// soft failure live, but a rebuild replays in timestamp order.
	evs := borrowRepayEvents(testAddr)
	for _, ev := range []domain.LendingEvent{evs[1], evs[0], evs[2]} {
		if _, err := f.svc.ApplyEvent(ctx, ev); err != nil {
			t.Fatalf("ApplyEvent %s: %v", ev.ID, err)
		}
	}
	live, _ := f.svc.GetObligor(ctx, testAddr)

	res, err := f.svc.Rebuild(ctx, testAddr)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if res.Summary.Score != 74 || res.Report.Applied != 3 {
		t.Errorf("rebuild = score %d, report %+v", res.Summary.Score, res.Report)
	}
	if live.Score == res.Summary.Score {
		t.Errorf("live score %d should differ from canonical %d", live.Score, res.Summary.Score)
	}

	got, _ := f.svc.GetObligor(ctx, testAddr)
	if got.Score != 74 {
		t.Errorf("after rebuild GetObligor score = %d", got.Score)
	}
	if _, err := f.svc.Rebuild(ctx, "0x0000000000000000000000000000000000000001"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("rebuild unknown: %v", err)
	}
}

func TestScoreBatch(t *testing.T) {
	f := newFixture(t)
	evs := borrowRepayEvents("")
	// Reverse input order; batch scoring sorts.
	evs[0], evs[2] = evs[2], evs[0]

	res, err := f.svc.ScoreBatch(context.Background(), ScoreRequest{Events: evs})
	if err != nil {
		t.Fatalf("ScoreBatch: %v", err)
	}
	if res.Summary.Score != 74 || res.Report.Applied != 3 {
		t.Errorf("result = %+v", res)
	}

	liq := domain.LendingEvent{Timestamp: 9, Type: domain.EventLiquidation, Symbol: "WETH", Amount: 1}
	_, err = f.svc.ScoreBatch(context.Background(), ScoreRequest{Events: []domain.LendingEvent{liq}})
	if !credit.IsFatal(err) {
		t.Errorf("abort policy: got %v", err)
	}
	res, err = f.svc.ScoreBatch(context.Background(), ScoreRequest{OnFatal: credit.SkipFatal, Events: []domain.LendingEvent{liq}})
	if err != nil || len(res.Report.Rejected) != 1 {
		t.Errorf("skip policy: %+v, %v", res.Report, err)
	}
	if _, err := f.svc.ScoreBatch(context.Background(), ScoreRequest{OnFatal: "retry"}); !errors.Is(err, domain.ErrInvalidEvent) {
		t.Errorf("bad policy: %v", err)
	}
}

func TestScoreMany_KeepsOrder(t *testing.T) {
	f := newFixture(t)
	all := borrowRepayEvents("")
	reqs := []ScoreRequest{
		{Address: "a", Events: all[:1]},
		{Address: "b", Events: all[:2]},
		{Address: "c", Events: all},
	}
	results, err := f.svc.ScoreMany(context.Background(), reqs)
	if err != nil {
		t.Fatalf("ScoreMany: %v", err)
	}
	for i, want := range []int{33, 64, 74} {
		if results[i].Summary.Score != want || results[i].Summary.Address != reqs[i].Address {
			t.Errorf("result %d = %+v, want score %d", i, results[i].Summary, want)
		}
	}

	reqs = append(reqs, ScoreRequest{Address: "bad", Events: []domain.LendingEvent{
		{Type: domain.EventLiquidation, Symbol: "X", Amount: 1},
	}})
	if _, err := f.svc.ScoreMany(context.Background(), reqs); !errors.Is(err, domain.ErrPositionNotFound) {
		t.Errorf("ScoreMany with a failing request: %v", err)
	}
}

type alertSink struct {
	mu  sync.Mutex
	got []notify.Alert
}

func (s *alertSink) Send(_ context.Context, a notify.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, a)
	return nil
}

func (s *alertSink) Name() string { return "sink" }

func (s *alertSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.got))
	for i, a := range s.got {
		out[i] = a.Kind
	}
	return out
}

func TestApplyEvent_Alerts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.cfg.AlertBelow = 40
	sink := &alertSink{}
	f.svc.WithNotifier(notify.NewNotifier([]notify.Sender{sink}, nil, slog.New(slog.NewTextHandler(io.Discard, nil))))

	events := []domain.LendingEvent{
		// 50 -> 33 crosses the threshold once.
		{ID: "b1", Obligor: testAddr, Timestamp: 1, Type: domain.EventBorrow, Symbol: "DAI", Amount: 1000},
		{ID: "r1", Obligor: testAddr, Timestamp: 2, Type: domain.EventRepay, Symbol: "DAI", Amount: 600},
		{ID: "d1", Obligor: testAddr, Protocol: "compound", Timestamp: 3, Type: domain.EventDeposit, Symbol: "WETH", Amount: 2},
		{ID: "l1", Obligor: testAddr, Protocol: "compound", Timestamp: 4, Type: domain.EventLiquidation, Symbol: "WETH", Amount: 1},
	}
	for _, ev := range events {
		if _, err := f.svc.ApplyEvent(ctx, ev); err != nil {
			t.Fatalf("ApplyEvent %s: %v", ev.ID, err)
		}
	}
	_, _ = f.svc.ApplyEvent(ctx, domain.LendingEvent{
		ID: "l2", Obligor: testAddr, Protocol: "aave_v3", Type: domain.EventLiquidation, Symbol: "aUSDCDAI", Amount: 1,
	})

	got := sink.kinds()
	want := []string{notify.KindScoreBelow, notify.KindLiquidation, notify.KindRejected}
	if len(got) < len(want) {
		t.Fatalf("alerts = %v, want prefix %v", got, want)
	}
	if got[0] != want[0] || got[1] != want[1] || got[len(got)-1] != want[2] {
		t.Errorf("alerts = %v, want %v", got, want)
	}
}
