package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "janka.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestObligorStore_SaveGet(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t).Obligors()

	if _, err := store.Get(ctx, "0xabc"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get on empty store: got %v, want ErrNotFound", err)
	}

	snap := domain.ObligorSnapshot{
		Address:   "0xabc",
		SeedAlpha: 1,
		SeedBeta:  1,
		Alpha:     3.5,
		Beta:      2.25,
		Positions: []domain.PositionSnapshot{{
			Protocol:        "aave_v3",
			Status:          domain.PositionOutstanding,
			Borrowed:        map[string]float64{"USDC": 100},
			Outstanding:     map[string]float64{"USDC": 40},
			Collateral:      map[string]float64{"aWETH": 1.5},
			CollateralOrder: []string{"aWETH"},
		}},
		EventCount: 4,
		LastEvent:  "ev-4",
		UpdatedAt:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Get(ctx, "0xabc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Alpha != 3.5 || got.Beta != 2.25 || got.EventCount != 4 {
		t.Errorf("Get = %+v", got)
	}
	if len(got.Positions) != 1 || got.Positions[0].Outstanding["USDC"] != 40 {
		t.Errorf("positions = %+v", got.Positions)
	}
	if !got.UpdatedAt.Equal(snap.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, snap.UpdatedAt)
	}

	snap.Alpha = 9
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("Save upsert: %v", err)
	}
	list, err := store.List(ctx, domain.ListOpts{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Alpha != 9 {
		t.Errorf("List after upsert = %+v", list)
	}
}

func TestEventStore_OrderAndDuplicates(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t).Events()

	events := []domain.LendingEvent{
		{ID: "c", Obligor: "0xabc", Protocol: "aave_v3", Timestamp: 20, LogIndex: 0, Type: domain.EventRepay, Symbol: "USDC", Amount: 5},
		{ID: "b", Obligor: "0xabc", Protocol: "aave_v3", Timestamp: 10, LogIndex: 2, Type: domain.EventBorrow, Symbol: "USDC", Amount: 10},
		{ID: "a", Obligor: "0xabc", Protocol: "aave_v3", Timestamp: 10, LogIndex: 1, Type: domain.EventDeposit, Symbol: "WETH", Amount: 1},
		{ID: "z", Obligor: "0xdef", Protocol: "aave_v3", Timestamp: 99, Type: domain.EventBorrow, Symbol: "DAI", Amount: 1},
	}
	for _, ev := range events {
		if err := store.Append(ctx, ev); err != nil {
			t.Fatalf("Append %s: %v", ev.ID, err)
		}
	}
	if err := store.Append(ctx, events[0]); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate Append: got %v, want ErrAlreadyExists", err)
	}
	if ok, err := store.Exists(ctx, "a"); err != nil || !ok {
		t.Errorf("Exists(a) = %v, %v", ok, err)
	}
	if ok, err := store.Exists(ctx, "missing"); err != nil || ok {
		t.Errorf("Exists(missing) = %v, %v", ok, err)
	}

	got, err := store.ListByObligor(ctx, "0xabc", domain.ListOpts{})
	if err != nil {
		t.Fatalf("ListByObligor: %v", err)
	}
	var ids []string
	for _, ev := range got {
		ids = append(ids, ev.ID)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Errorf("order = %v, want [a b c]", ids)
	}
	if got[1].Type != domain.EventBorrow || got[1].Amount != 10 {
		t.Errorf("event b = %+v", got[1])
	}

	page, err := store.ListByObligor(ctx, "0xabc", domain.ListOpts{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListByObligor page: %v", err)
	}
	if len(page) != 1 || page[0].ID != "b" {
		t.Errorf("page = %+v", page)
	}

	ts, err := store.LastTimestamp(ctx, "0xabc")
	if err != nil || ts != 20 {
		t.Errorf("LastTimestamp = %d, %v; want 20", ts, err)
	}
	ts, err = store.LastTimestamp(ctx, "0xnone")
	if err != nil || ts != 0 {
		t.Errorf("LastTimestamp unknown = %d, %v; want 0", ts, err)
	}
}

func TestAuditStore_LogList(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t).Audit()

	if err := store.Log(ctx, "event.rejected", map[string]any{"id": "x"}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := store.Log(ctx, "obligor.rebuilt", nil); err != nil {
		t.Fatalf("Log: %v", err)
	}

	entries, err := store.List(ctx, domain.ListOpts{Limit: 10})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].Event != "obligor.rebuilt" {
		t.Errorf("newest first: got %q", entries[0].Event)
	}
	if entries[1].Detail["id"] != "x" {
		t.Errorf("detail = %v", entries[1].Detail)
	}
}
