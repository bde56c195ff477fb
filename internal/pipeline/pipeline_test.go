package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alanyoungcy/jankascore/internal/domain"
	"github.com/alanyoungcy/jankascore/internal/service"
	"github.com/alanyoungcy/jankascore/internal/store/memory"
)

const testAddr = "0x52908400098527886E0F7030069857D2E4169EE7"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeFetcher struct {
	events []domain.LendingEvent
	since  []int64
}

func (f *fakeFetcher) FetchEvents(_ context.Context, _ string, since int64) ([]domain.LendingEvent, error) {
	f.since = append(f.since, since)
	var out []domain.LendingEvent
	for _, ev := range f.events {
		if ev.Timestamp > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func newScoring(events *memory.EventStore, obligors *memory.ObligorStore) *service.ScoringService {
	return service.NewScoringService(service.ScoringConfig{
		SeedAlpha:       1,
		SeedBeta:        1,
		Params:          domain.DefaultMigrationParams(),
		DefaultProtocol: "aave_v3",
	}, obligors, events, memory.NewAuditStore(), memory.NewLockManager(), nil, nil, discard)
}

func TestEventScraper_Run(t *testing.T) {
	ctx := context.Background()
	events := memory.NewEventStore()
	obligors := memory.NewObligorStore()
	scoring := newScoring(events, obligors)

	// Out of order on purpose; the liquidation has no matching collateral.
	fetcher := &fakeFetcher{events: []domain.LendingEvent{
		{ID: "r1", Timestamp: 20, Type: domain.EventRepay, Symbol: "DAI", Amount: 600},
		{ID: "b1", Timestamp: 10, Type: domain.EventBorrow, Symbol: "DAI", Amount: 1000},
		{ID: "l1", Timestamp: 30, Type: domain.EventLiquidation, Symbol: "WETH", Amount: 1},
	}}
	s := NewEventScraper(fetcher, events, scoring, []string{testAddr}, discard)

	stats, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := ScrapeStats{Fetched: 3, Applied: 2, Rejected: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
	sum, err := scoring.GetObligor(ctx, testAddr)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Score != 64 {
		t.Errorf("score = %d, want 64", sum.Score)
	}

	// Second run re-reads the newest second and drops it as a duplicate.
	stats, err = s.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := fetcher.since[1]; got != 19 {
		t.Errorf("since = %d, want 19", got)
	}
	if stats.Duplicates != 1 || stats.Applied != 0 {
		t.Errorf("second stats = %+v", stats)
	}
}

func TestEventScraper_BadAddress(t *testing.T) {
	events := memory.NewEventStore()
	s := NewEventScraper(&fakeFetcher{}, events, newScoring(events, memory.NewObligorStore()),
		[]string{"nope", testAddr}, discard)
	if _, err := s.Run(context.Background()); err == nil {
		t.Fatal("expected error for invalid address")
	}
}

type fakeArchiver struct{ seen []string }

func (f *fakeArchiver) ArchiveObligor(_ context.Context, addr string) (string, error) {
	f.seen = append(f.seen, addr)
	if addr == "0x0000000000000000000000000000000000000002" {
		return "", domain.ErrNotFound
	}
	return "obligors/" + addr, nil
}

func TestArchiver_Run(t *testing.T) {
	ctx := context.Background()
	store := memory.NewObligorStore()
	for i := 1; i <= archivePageSize+1; i++ {
		addr := fmt.Sprintf("0x%040x", i)
		if err := store.Save(ctx, domain.ObligorSnapshot{Address: addr, Alpha: 1, Beta: 1}); err != nil {
			t.Fatal(err)
		}
	}
	fa := &fakeArchiver{}
	n, err := NewArchiver(fa, store, discard).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fa.seen) != archivePageSize+1 {
		t.Errorf("visited %d obligors, want %d", len(fa.seen), archivePageSize+1)
	}
	if n != archivePageSize {
		t.Errorf("archived = %d, want %d", n, archivePageSize)
	}
}

func TestCronNext(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 7, 30, 0, time.UTC)
	cases := []struct {
		expr string
		want time.Time
	}{
		{"0 3 * * *", time.Date(2024, 3, 2, 3, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)},
		{"30 9-11 * * *", time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)},
		{"0 0 1 4 *", time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"0 12 * * 0", time.Date(2024, 3, 3, 12, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		sched, err := parseCron(tc.expr)
		if err != nil {
			t.Fatalf("parseCron(%q): %v", tc.expr, err)
		}
		got, err := sched.next(base)
		if err != nil {
			t.Fatalf("next(%q): %v", tc.expr, err)
		}
		if !got.Equal(tc.want) {
			t.Errorf("%q: next = %v, want %v", tc.expr, got, tc.want)
		}
	}

	for _, bad := range []string{"* * * *", "61 * * * *", "*/0 * * * *", "5-1 * * * *", "x * * * *"} {
		if _, err := parseCron(bad); err == nil {
			t.Errorf("parseCron(%q) succeeded", bad)
		}
	}
}
