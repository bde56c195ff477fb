package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

func TestObligorStore_IsolatesCallers(t *testing.T) {
	ctx := context.Background()
	s := NewObligorStore()

	snap := domain.ObligorSnapshot{
		Address: "0xabc",
		Alpha:   2,
		Beta:    1,
		Positions: []domain.PositionSnapshot{{
			Protocol:    "aave_v3",
			Outstanding: map[string]float64{"USDC": 10},
		}},
	}
	if err := s.Save(ctx, snap); err != nil {
		t.Fatalf("Save: %v", err)
	}
	snap.Positions[0].Outstanding["USDC"] = 0

	got, err := s.Get(ctx, "0xabc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Positions[0].Outstanding["USDC"] != 10 {
		t.Errorf("stored snapshot mutated through caller's map")
	}
	if _, err := s.Get(ctx, "0xnone"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get unknown: %v", err)
	}
}

func TestObligorStore_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewObligorStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, addr := range []string{"0x1", "0x2", "0x3"} {
		s.Save(ctx, domain.ObligorSnapshot{Address: addr, UpdatedAt: base.Add(time.Duration(i) * time.Hour)})
	}

	got, _ := s.List(ctx, domain.ListOpts{Limit: 2})
	if len(got) != 2 || got[0].Address != "0x3" || got[1].Address != "0x2" {
		t.Errorf("List = %+v", got)
	}
	got, _ = s.List(ctx, domain.ListOpts{Offset: 5})
	if len(got) != 0 {
		t.Errorf("List past end = %d items", len(got))
	}
}

func TestEventStore(t *testing.T) {
	ctx := context.Background()
	s := NewEventStore()

	for _, ev := range []domain.LendingEvent{
		{ID: "2", Obligor: "0xa", Timestamp: 5, LogIndex: 1},
		{ID: "1", Obligor: "0xa", Timestamp: 5, LogIndex: 0},
		{ID: "3", Obligor: "0xa", Timestamp: 2},
	} {
		if err := s.Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s.Append(ctx, domain.LendingEvent{ID: "1", Obligor: "0xa"}); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate: %v", err)
	}
	if ok, _ := s.Exists(ctx, "1"); !ok {
		t.Error("Exists(1) = false")
	}
	if ok, _ := s.Exists(ctx, "9"); ok {
		t.Error("Exists(9) = true")
	}

	got, _ := s.ListByObligor(ctx, "0xa", domain.ListOpts{})
	if len(got) != 3 || got[0].ID != "3" || got[1].ID != "1" || got[2].ID != "2" {
		t.Errorf("order = %+v", got)
	}
	if ts, _ := s.LastTimestamp(ctx, "0xa"); ts != 5 {
		t.Errorf("LastTimestamp = %d", ts)
	}
}

func TestBorrowerStore(t *testing.T) {
	ctx := context.Background()
	s := NewBorrowerStore()
	b := domain.Borrower{Address: "0xa", Alpha: 1, Beta: 1}

	if err := s.Update(ctx, b); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Update unknown: %v", err)
	}
	if err := s.Create(ctx, b); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, b); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("Create twice: %v", err)
	}
	b.Loans = []domain.Loan{{ID: "loan_0", Amount: 5}}
	if err := s.Update(ctx, b); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := s.Get(ctx, "0xa")
	if err != nil || len(got.Loans) != 1 {
		t.Errorf("Get = %+v, %v", got, err)
	}
}

func TestAuditStore_NewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore()
	s.Log(ctx, "first", nil)
	s.Log(ctx, "second", map[string]any{"k": 1})

	got, _ := s.List(ctx, domain.ListOpts{})
	if len(got) != 2 || got[0].Event != "second" || got[0].ID != 2 {
		t.Errorf("List = %+v", got)
	}
}

func TestLockManager(t *testing.T) {
	ctx := context.Background()
	m := NewLockManager()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.clock = func() time.Time { return now }

	unlock, err := m.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := m.Acquire(ctx, "k", time.Second); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("second Acquire: %v", err)
	}
	unlock()
	unlock2, err := m.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatalf("Acquire after unlock: %v", err)
	}

	// An expired lease can be taken over, and the stale unlock must not
	// release the new holder.
	now = now.Add(2 * time.Second)
	if _, err := m.Acquire(ctx, "k", time.Second); err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
	unlock2()
	if _, err := m.Acquire(ctx, "k", time.Second); !errors.Is(err, domain.ErrLockHeld) {
		t.Errorf("stale unlock released the new holder: %v", err)
	}
}
