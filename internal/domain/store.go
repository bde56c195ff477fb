package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// ObligorStore persists obligor snapshots.
type ObligorStore interface {
	Save(ctx context.Context, snap ObligorSnapshot) error
	Get(ctx context.Context, address string) (ObligorSnapshot, error)
	List(ctx context.Context, opts ListOpts) ([]ObligorSnapshot, error)
}

// EventStore persists the per-obligor lending event log.
type EventStore interface {
	// Append stores ev and returns ErrAlreadyExists if its ID was seen before.
	Append(ctx context.Context, ev LendingEvent) error
	// Exists reports whether an event with id has been appended.
	Exists(ctx context.Context, id string) (bool, error)
	ListByObligor(ctx context.Context, address string, opts ListOpts) ([]LendingEvent, error)
	// LastTimestamp returns the newest event timestamp for address, or 0.
	LastTimestamp(ctx context.Context, address string) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// BorrowerStore holds the add-one borrower registry.
type BorrowerStore interface {
	// Create returns ErrAlreadyExists if the address is registered.
	Create(ctx context.Context, b Borrower) error
	Get(ctx context.Context, address string) (Borrower, error)
	Update(ctx context.Context, b Borrower) error
}
