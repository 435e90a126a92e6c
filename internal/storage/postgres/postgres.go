// Package postgres provides the PostgreSQL implementation of storage.Store using pgx v5.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/gridlock/internal/config"
)

// Store keeps keys in the kv table and sorted sets in the zset table.
// The schema is created by the migrations directory.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore creates a connection pool from the given configuration.
//
// Precondition: cfg must contain valid database connection parameters.
// Postcondition: Returns a connected Store or a non-nil error.
func NewStore(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Store{pool: pool, now: time.Now}, nil
}

// Health checks that the database is reachable within the given timeout.
//
// Postcondition: Returns nil if the database responds within the timeout.
func (s *Store) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Close releases all pool resources.
func (s *Store) Close() {
	s.pool.Close()
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM kv
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		key, s.now(),
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting %q: %w", key, err)
	}
	return value, true, nil
}

// Set implements storage.Store.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := s.now().Add(ttl)
		expiresAt = &t
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("setting %q: %w", key, err)
	}
	return nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("deleting %q: %w", key, err)
	}
	return nil
}

// ZAdd implements storage.Store.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO zset (key, member, score) VALUES ($1, $2, $3)
		 ON CONFLICT (key, member) DO UPDATE SET score = EXCLUDED.score`,
		key, member, score,
	)
	if err != nil {
		return fmt.Errorf("adding to %q: %w", key, err)
	}
	return nil
}

// ZRangeByScore implements storage.Store.
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT member FROM zset
		 WHERE key = $1 AND score BETWEEN $2 AND $3
		 ORDER BY score, member`,
		key, min, max,
	)
	if err != nil {
		return nil, fmt.Errorf("ranging %q: %w", key, err)
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning %q: %w", key, err)
	}
	return members, nil
}

// PurgeExpired deletes expired keys and reports how many were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.now())
	if err != nil {
		return 0, fmt.Errorf("purging expired keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
