// Package memory implements the domain stores in process memory. State is
// lost on shutdown.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

// ObligorStore implements domain.ObligorStore.
type ObligorStore struct {
	mu    sync.RWMutex
	snaps map[string]domain.ObligorSnapshot
}

// NewObligorStore creates an empty ObligorStore.
func NewObligorStore() *ObligorStore {
	return &ObligorStore{snaps: make(map[string]domain.ObligorSnapshot)}
}

func (s *ObligorStore) Save(_ context.Context, snap domain.ObligorSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.Address] = cloneSnapshot(snap)
	return nil
}

func (s *ObligorStore) Get(_ context.Context, address string) (domain.ObligorSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[address]
	if !ok {
		return domain.ObligorSnapshot{}, domain.ErrNotFound
	}
	return cloneSnapshot(snap), nil
}

func (s *ObligorStore) List(_ context.Context, opts domain.ListOpts) ([]domain.ObligorSnapshot, error) {
	s.mu.RLock()
	out := make([]domain.ObligorSnapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		out = append(out, cloneSnapshot(snap))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Address < out[j].Address
	})
	return page(out, opts), nil
}

// EventStore implements domain.EventStore.
type EventStore struct {
	mu        sync.RWMutex
	seen      map[string]struct{}
	byObligor map[string][]domain.LendingEvent
}

// NewEventStore creates an empty EventStore.
func NewEventStore() *EventStore {
	return &EventStore{
		seen:      make(map[string]struct{}),
		byObligor: make(map[string][]domain.LendingEvent),
	}
}

func (s *EventStore) Append(_ context.Context, ev domain.LendingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[ev.ID]; dup {
		return domain.ErrAlreadyExists
	}
	s.seen[ev.ID] = struct{}{}
	s.byObligor[ev.Obligor] = append(s.byObligor[ev.Obligor], ev)
	return nil
}

func (s *EventStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[id]
	return ok, nil
}

// ListByObligor returns events ordered by (timestamp, log index); ties keep
// insertion order.
func (s *EventStore) ListByObligor(_ context.Context, address string, opts domain.ListOpts) ([]domain.LendingEvent, error) {
	s.mu.RLock()
	out := slices.Clone(s.byObligor[address])
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return page(out, opts), nil
}

func (s *EventStore) LastTimestamp(_ context.Context, address string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last int64
	for _, ev := range s.byObligor[address] {
		last = max(last, ev.Timestamp)
	}
	return last, nil
}

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    maps.Clone(detail),
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	out := slices.Clone(s.entries)
	s.mu.RUnlock()
	slices.Reverse(out)
	return page(out, opts), nil
}

// BorrowerStore implements domain.BorrowerStore.
type BorrowerStore struct {
	mu        sync.RWMutex
	borrowers map[string]domain.Borrower
}

// NewBorrowerStore creates an empty BorrowerStore.
func NewBorrowerStore() *BorrowerStore {
	return &BorrowerStore{borrowers: make(map[string]domain.Borrower)}
}

func (s *BorrowerStore) Create(_ context.Context, b domain.Borrower) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.borrowers[b.Address]; ok {
		return domain.ErrAlreadyExists
	}
	b.Loans = slices.Clone(b.Loans)
	s.borrowers[b.Address] = b
	return nil
}

func (s *BorrowerStore) Get(_ context.Context, address string) (domain.Borrower, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.borrowers[address]
	if !ok {
		return domain.Borrower{}, domain.ErrNotFound
	}
	b.Loans = slices.Clone(b.Loans)
	return b, nil
}

func (s *BorrowerStore) Update(_ context.Context, b domain.Borrower) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.borrowers[b.Address]; !ok {
		return domain.ErrNotFound
	}
	b.Loans = slices.Clone(b.Loans)
	s.borrowers[b.Address] = b
	return nil
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

func cloneSnapshot(snap domain.ObligorSnapshot) domain.ObligorSnapshot {
	positions := make([]domain.PositionSnapshot, len(snap.Positions))
	for i, p := range snap.Positions {
		p.Borrowed = maps.Clone(p.Borrowed)
		p.Outstanding = maps.Clone(p.Outstanding)
		p.Collateral = maps.Clone(p.Collateral)
		p.CollateralOrder = slices.Clone(p.CollateralOrder)
		positions[i] = p
	}
	snap.Positions = positions
	return snap
}

var (
	_ domain.ObligorStore  = (*ObligorStore)(nil)
	_ domain.EventStore    = (*EventStore)(nil)
	_ domain.AuditStore    = (*AuditStore)(nil)
	_ domain.BorrowerStore = (*BorrowerStore)(nil)
)
