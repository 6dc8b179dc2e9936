package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/taskengine/internal/store"
)

const statsTableSuffix = "_key_stats"

var statsColumns = "key, last_update, completed, failed, aborted, cache_hits, recovered, records, run_millis"

// StatsStore implements store.StatsRepository on the task store's pool.
type StatsStore struct {
	pool  pool
	table string
}

var _ store.StatsRepository = (*StatsStore)(nil)

// NewStatsStoreWithPool constructs a StatsStore from an existing pool. The
// pool stays owned by the caller.
func NewStatsStoreWithPool(p pool, table string) (*StatsStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable + statsTableSuffix
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &StatsStore{pool: p, table: table}, nil
}

// StatsStore returns a stats repository sharing this store's pool, backed by
// "<table>_key_stats".
func (s *TaskStore) StatsStore() (*StatsStore, error) {
	return NewStatsStoreWithPool(s.pool, s.table+statsTableSuffix)
}

// Migrate creates the stats table.
func (s *StatsStore) Migrate(ctx context.Context) error {
	stmt := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	key         TEXT PRIMARY KEY,
	last_update TIMESTAMPTZ NOT NULL,
	completed   BIGINT NOT NULL DEFAULT 0,
	failed      BIGINT NOT NULL DEFAULT 0,
	aborted     BIGINT NOT NULL DEFAULT 0,
	cache_hits  BIGINT NOT NULL DEFAULT 0,
	recovered   BIGINT NOT NULL DEFAULT 0,
	records     BIGINT NOT NULL DEFAULT 0,
	run_millis  BIGINT NOT NULL DEFAULT 0
)`, s.table)
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	return nil
}

// ApplyKeyStats upserts delta into the row for key.
func (s *StatsStore) ApplyKeyStats(ctx context.Context, key string, delta store.StatsDelta, at time.Time) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (%[2]s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (key) DO UPDATE SET
	last_update = GREATEST(%[1]s.last_update, EXCLUDED.last_update),
	completed = %[1]s.completed + EXCLUDED.completed,
	failed = %[1]s.failed + EXCLUDED.failed,
	aborted = %[1]s.aborted + EXCLUDED.aborted,
	cache_hits = %[1]s.cache_hits + EXCLUDED.cache_hits,
	recovered = %[1]s.recovered + EXCLUDED.recovered,
	records = %[1]s.records + EXCLUDED.records,
	run_millis = %[1]s.run_millis + EXCLUDED.run_millis`, s.table, statsColumns)
	_, err := s.pool.Exec(ctx, query,
		key, at,
		delta.Completed, delta.Failed, delta.Aborted,
		delta.CacheHits, delta.Recovered, delta.Records, delta.RunMillis,
	)
	if err != nil {
		return fmt.Errorf("upsert key stats: %w", err)
	}
	return nil
}

// GetKeyStats loads one row or returns store.ErrNotFound.
func (s *StatsStore) GetKeyStats(ctx context.Context, key string) (store.KeyStats, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE key = $1`, statsColumns, s.table)
	row, err := scanKeyStats(s.pool.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.KeyStats{}, fmt.Errorf("key %q: %w", key, store.ErrNotFound)
		}
		return store.KeyStats{}, fmt.Errorf("get key stats: %w", err)
	}
	return row, nil
}

// ListKeyStats returns every row ordered by key.
func (s *StatsStore) ListKeyStats(ctx context.Context) ([]store.KeyStats, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY key ASC`, statsColumns, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list key stats: %w", err)
	}
	defer rows.Close()

	var out []store.KeyStats
	for rows.Next() {
		row, err := scanKeyStats(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key stats: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list key stats: %w", err)
	}
	return out, nil
}

func scanKeyStats(row pgx.Row) (store.KeyStats, error) {
	var ks store.KeyStats
	err := row.Scan(
		&ks.Key, &ks.LastUpdate,
		&ks.Completed, &ks.Failed, &ks.Aborted,
		&ks.CacheHits, &ks.Recovered, &ks.Records, &ks.RunMillis,
	)
	return ks, err
}
