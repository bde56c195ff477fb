package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

// ObligorStore implements domain.ObligorStore.
type ObligorStore struct {
	db *sql.DB
}

// Save upserts the snapshot for snap.Address.
func (s *ObligorStore) Save(ctx context.Context, snap domain.ObligorSnapshot) error {
	positions, err := json.Marshal(snap.Positions)
	if err != nil {
		return fmt.Errorf("sqlite: marshal positions for %s: %w", snap.Address, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO obligor_snapshots (
			address, seed_alpha, seed_beta, alpha, beta,
			positions, event_count, last_event, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (address) DO UPDATE SET
			alpha = excluded.alpha,
			beta = excluded.beta,
			positions = excluded.positions,
			event_count = excluded.event_count,
			last_event = excluded.last_event,
			updated_at = excluded.updated_at`,
		snap.Address, snap.SeedAlpha, snap.SeedBeta, snap.Alpha, snap.Beta,
		string(positions), snap.EventCount, snap.LastEvent,
		snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save obligor %s: %w", snap.Address, err)
	}
	return nil
}

const obligorCols = `address, seed_alpha, seed_beta, alpha, beta, positions, event_count, last_event, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanObligor(row scanner) (domain.ObligorSnapshot, error) {
	var snap domain.ObligorSnapshot
	var positions, updated string
	if err := row.Scan(
		&snap.Address, &snap.SeedAlpha, &snap.SeedBeta, &snap.Alpha, &snap.Beta,
		&positions, &snap.EventCount, &snap.LastEvent, &updated,
	); err != nil {
		return domain.ObligorSnapshot{}, err
	}
	if err := json.Unmarshal([]byte(positions), &snap.Positions); err != nil {
		return domain.ObligorSnapshot{}, fmt.Errorf("unmarshal positions: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return domain.ObligorSnapshot{}, fmt.Errorf("parse updated_at: %w", err)
	}
	snap.UpdatedAt = t
	return snap, nil
}

// Get returns the snapshot for address or domain.ErrNotFound.
func (s *ObligorStore) Get(ctx context.Context, address string) (domain.ObligorSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+obligorCols+` FROM obligor_snapshots WHERE address = ?`, address)
	snap, err := scanObligor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ObligorSnapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ObligorSnapshot{}, fmt.Errorf("sqlite: get obligor %s: %w", address, err)
	}
	return snap, nil
}

// List returns snapshots ordered by most recently updated.
func (s *ObligorStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.ObligorSnapshot, error) {
	page, args := limitOffset(opts)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+obligorCols+` FROM obligor_snapshots ORDER BY updated_at DESC, address`+page, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list obligors: %w", err)
	}
	defer rows.Close()

	var out []domain.ObligorSnapshot
	for rows.Next() {
		snap, err := scanObligor(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan obligor: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
