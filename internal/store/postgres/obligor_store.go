package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/jankascore/internal/domain"
)

// ObligorStore implements domain.ObligorStore using PostgreSQL. Positions
// are stored as a JSONB document alongside the evidence masses.
type ObligorStore struct {
	pool *pgxpool.Pool
}

// NewObligorStore creates a new ObligorStore backed by the given connection pool.
func NewObligorStore(pool *pgxpool.Pool) *ObligorStore {
	return &ObligorStore{pool: pool}
}

const obligorSelectCols = `address, seed_alpha, seed_beta, alpha, beta,
	positions, event_count, last_event, updated_at`

func scanObligor(row pgx.Row) (domain.ObligorSnapshot, error) {
	var s domain.ObligorSnapshot
	var positions []byte
	if err := row.Scan(
		&s.Address, &s.SeedAlpha, &s.SeedBeta, &s.Alpha, &s.Beta,
		&positions, &s.EventCount, &s.LastEvent, &s.UpdatedAt,
	); err != nil {
		return domain.ObligorSnapshot{}, err
	}
	if len(positions) > 0 {
		if err := json.Unmarshal(positions, &s.Positions); err != nil {
			return domain.ObligorSnapshot{}, fmt.Errorf("unmarshal positions: %w", err)
		}
	}
	return s, nil
}

// Save upserts the snapshot for snap.Address.
func (s *ObligorStore) Save(ctx context.Context, snap domain.ObligorSnapshot) error {
	positions, err := json.Marshal(snap.Positions)
	if err != nil {
		return fmt.Errorf("postgres: marshal positions for %s: %w", snap.Address, err)
	}

	const query = `
		INSERT INTO obligor_snapshots (
			address, seed_alpha, seed_beta, alpha, beta,
			positions, event_count, last_event, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (address) DO UPDATE SET
			alpha       = EXCLUDED.alpha,
			beta        = EXCLUDED.beta,
			positions   = EXCLUDED.positions,
			event_count = EXCLUDED.event_count,
			last_event  = EXCLUDED.last_event,
			updated_at  = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		snap.Address, snap.SeedAlpha, snap.SeedBeta, snap.Alpha, snap.Beta,
		positions, snap.EventCount, snap.LastEvent, snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save obligor %s: %w", snap.Address, err)
	}
	return nil
}

// Get returns the snapshot for address or domain.ErrNotFound.
func (s *ObligorStore) Get(ctx context.Context, address string) (domain.ObligorSnapshot, error) {
	query := `SELECT ` + obligorSelectCols + ` FROM obligor_snapshots WHERE address = $1`
	snap, err := scanObligor(s.pool.QueryRow(ctx, query, address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ObligorSnapshot{}, domain.ErrNotFound
		}
		return domain.ObligorSnapshot{}, fmt.Errorf("postgres: get obligor %s: %w", address, err)
	}
	return snap, nil
}

// List returns snapshots ordered by most recently updated.
func (s *ObligorStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.ObligorSnapshot, error) {
	query := `SELECT ` + obligorSelectCols + ` FROM obligor_snapshots ORDER BY updated_at DESC`
	query, args := paginate(query, nil, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list obligors: %w", err)
	}
	defer rows.Close()

	var out []domain.ObligorSnapshot
	for rows.Next() {
		snap, err := scanObligor(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan obligor: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list obligors rows: %w", err)
	}
	return out, nil
}

// paginate appends LIMIT/OFFSET placeholders numbered after args.
func paginate(query string, args []any, opts domain.ListOpts) (string, []any) {
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}
