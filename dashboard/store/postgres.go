package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/itskum47/PuppetLens/dashboard/observability"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS rollup_cache (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS rollup_leases (
	key        TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

// PostgresStore implements Cache and Coordinator on a PostgreSQL table.
// It is the shared backend for deployments that already run Postgres and
// want snapshots to survive a cache restart.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool
// and creates its tables if missing.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create rollup cache schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func observePostgres(op string, start time.Time) {
	observability.PostgresLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// --- Cache ---

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	defer observePostgres("get", time.Now())

	query := `
		SELECT value FROM rollup_cache
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`
	var value []byte
	err := s.pool.QueryRow(ctx, query, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set upserts the row for key in a single statement.
func (s *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	defer observePostgres("set", time.Now())

	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	query := `
		INSERT INTO rollup_cache (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query, key, value, expiresAt)
	return err
}

// Purge deletes expired cache rows and returns how many were removed.
func (s *PostgresStore) Purge(ctx context.Context) (int64, error) {
	defer observePostgres("purge", time.Now())

	tag, err := s.pool.Exec(ctx, `DELETE FROM rollup_cache WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// --- Coordinator ---

// AcquireLease inserts the lease row, or takes it over when the current
// holder's lease has expired.
func (s *PostgresStore) AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	defer observePostgres("lease", time.Now())

	query := `
		INSERT INTO rollup_leases (key, holder, expires_at)
		VALUES ($1, $2, NOW() + $3::float8 * INTERVAL '1 second')
		ON CONFLICT (key) DO UPDATE SET
			holder = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at
		WHERE rollup_leases.expires_at <= NOW()
	`
	tag, err := s.pool.Exec(ctx, query, key, value, ttl.Seconds())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	defer observePostgres("lease", time.Now())

	query := `
		UPDATE rollup_leases
		SET expires_at = NOW() + $3::float8 * INTERVAL '1 second'
		WHERE key = $1 AND holder = $2 AND expires_at > NOW()
	`
	tag, err := s.pool.Exec(ctx, query, key, value, ttl.Seconds())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, key string, value string) error {
	defer observePostgres("lease", time.Now())

	_, err := s.pool.Exec(ctx, `DELETE FROM rollup_leases WHERE key = $1 AND holder = $2`, key, value)
	return err
}
