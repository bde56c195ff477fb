package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts ev. A duplicate ID yields domain.ErrAlreadyExists.
func (s *EventStore) Append(ctx context.Context, ev domain.LendingEvent) error {
	const query = `
		INSERT INTO lending_events (
			id, obligor, protocol, ts, log_index, type, symbol, amount, tx_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		ev.ID, ev.Obligor, ev.Protocol, ev.Timestamp, ev.LogIndex,
		string(ev.Type), ev.Symbol, ev.Amount, ev.TxHash,
	)
	if err != nil {
		return fmt.Errorf("postgres: append event %s: %w", ev.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

// Exists reports whether an event with id is stored.
func (s *EventStore) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM lending_events WHERE id = $1)`, id,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres: event exists %s: %w", id, err)
	}
	return ok, nil
}

// listEventsQuery orders by a unique tiebreak so OFFSET pages never overlap.
const listEventsQuery = `
		SELECT id, obligor, protocol, ts, log_index, type, symbol, amount, tx_hash
		FROM lending_events
		WHERE obligor = $1
		ORDER BY ts, log_index, created_at, id`

// ListByObligor returns address's events in replay order.
func (s *EventStore) ListByObligor(ctx context.Context, address string, opts domain.ListOpts) ([]domain.LendingEvent, error) {
	query, args := paginate(listEventsQuery, []any{address}, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events for %s: %w", address, err)
	}
	defer rows.Close()

	var events []domain.LendingEvent
	for rows.Next() {
		var ev domain.LendingEvent
		var typ string
		if err := rows.Scan(
			&ev.ID, &ev.Obligor, &ev.Protocol, &ev.Timestamp, &ev.LogIndex,
			&typ, &ev.Symbol, &ev.Amount, &ev.TxHash,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.Type = domain.EventType(typ)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list events rows: %w", err)
	}
	return events, nil
}

// LastTimestamp returns the newest event timestamp for address, or 0.
func (s *EventStore) LastTimestamp(ctx context.Context, address string) (int64, error) {
	var ts int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(ts), 0) FROM lending_events WHERE obligor = $1`, address,
	).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("postgres: last event timestamp for %s: %w", address, err)
	}
	return ts, nil
}
