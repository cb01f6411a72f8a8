package sequence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	nextCounterSQL = `UPDATE document_counters
SET last_value = last_value + 1, updated_at = NOW()
WHERE kind = $1 AND period = $2 AND variant = $3
RETURNING last_value`

	bootstrapCounterSQL = `INSERT INTO document_counters (kind, period, variant, last_value, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (kind, period, variant)
DO UPDATE SET last_value = document_counters.last_value + 1, updated_at = NOW()
RETURNING last_value`

	observeCounterSQL = `INSERT INTO document_counters (kind, period, variant, last_value, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (kind, period, variant)
DO UPDATE SET last_value = GREATEST(document_counters.last_value, EXCLUDED.last_value), updated_at = NOW()`
)

// Querier is the subset of pgxpool.Pool used by PostgresStore.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresStore keeps counters in the document_counters table. Each statement
// runs in its own implicit transaction so an allocated value is never handed
// out twice, even when the caller's document transaction rolls back.
type PostgresStore struct {
	db Querier
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

// Next implements CounterStore.
func (s *PostgresStore) Next(ctx context.Context, key Key, bootstrap func(context.Context) (int, error)) (int, error) {
	var v int
	err := s.db.QueryRow(ctx, nextCounterSQL, string(key.Kind), key.Period, key.Variant).Scan(&v)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	first, err := bootstrap(ctx)
	if err != nil {
		return 0, err
	}
	// A concurrent bootstrap that won the insert turns ours into an increment.
	if err := s.db.QueryRow(ctx, bootstrapCounterSQL, string(key.Kind), key.Period, key.Variant, first).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// Observe implements CounterStore.
func (s *PostgresStore) Observe(ctx context.Context, key Key, value int) error {
	_, err := s.db.Exec(ctx, observeCounterSQL, string(key.Kind), key.Period, key.Variant, value)
	return err
}
