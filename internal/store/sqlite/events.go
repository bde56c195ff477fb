package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

// EventStore implements domain.EventStore.
type EventStore struct {
	db *sql.DB
}

// Append inserts ev. A duplicate ID yields domain.ErrAlreadyExists.
func (s *EventStore) Append(ctx context.Context, ev domain.LendingEvent) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO lending_events (id, obligor, protocol, ts, log_index, type, symbol, amount, tx_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Obligor, ev.Protocol, ev.Timestamp, ev.LogIndex,
		string(ev.Type), ev.Symbol, ev.Amount, ev.TxHash,
	)
	if err != nil {
		return fmt.Errorf("sqlite: append event %s: %w", ev.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: append event %s: %w", ev.ID, err)
	}
	if n == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

// Exists reports whether an event with id is stored.
func (s *EventStore) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM lending_events WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: event exists %s: %w", id, err)
	}
	return n > 0, nil
}

// ListByObligor returns address's events in replay order.
func (s *EventStore) ListByObligor(ctx context.Context, address string, opts domain.ListOpts) ([]domain.LendingEvent, error) {
	page, pageArgs := limitOffset(opts)
	query := strings.TrimSpace(`
		SELECT id, obligor, protocol, ts, log_index, type, symbol, amount, tx_hash
		FROM lending_events WHERE obligor = ?
		ORDER BY ts, log_index, seq`) + page
	rows, err := s.db.QueryContext(ctx, query, append([]any{address}, pageArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events for %s: %w", address, err)
	}
	defer rows.Close()

	var events []domain.LendingEvent
	for rows.Next() {
		var ev domain.LendingEvent
		var typ string
		if err := rows.Scan(&ev.ID, &ev.Obligor, &ev.Protocol, &ev.Timestamp, &ev.LogIndex,
			&typ, &ev.Symbol, &ev.Amount, &ev.TxHash); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		ev.Type = domain.EventType(typ)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LastTimestamp returns the newest event timestamp for address, or 0.
func (s *EventStore) LastTimestamp(ctx context.Context, address string) (int64, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(ts), 0) FROM lending_events WHERE obligor = ?`, address).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("sqlite: last event timestamp for %s: %w", address, err)
	}
	return ts, nil
}
