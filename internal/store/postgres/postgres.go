// Package postgres implements store.Store on PostgreSQL through a pgx
// connection pool.
package postgres

import (
	"context"
	_ "embed"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/stagemerge/internal/config"
	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Store is a store.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open parses the database URL, applies the pool limits and connects.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database URL")
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, core.MarkPersistence(err, "connect to database")
	}
	s, err := New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool, verifying the connection and schema.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Pool exposes the underlying pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return core.MarkPersistence(s.pool.Ping(ctx), "ping database")
}

func (s *Store) initSchema(ctx context.Context) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT to_regclass('schema_version') IS NOT NULL`).Scan(&exists); err != nil {
		return core.MarkPersistence(err, "check schema_version table")
	}

	if !exists {
		return s.withTx(ctx, "create schema", func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, schemaSQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, schemaVersion)
			return err
		})
	}

	var version int
	if err := s.pool.QueryRow(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version); err != nil {
		return core.MarkPersistence(err, "read schema version")
	}
	if version != schemaVersion {
		return errors.Wrapf(store.ErrSchemaMismatch, "database has version %d, expected %d", version, schemaVersion)
	}
	return nil
}

// withTx runs fn inside pgx.BeginFunc. Store sentinels pass through; other
// errors are marked as persistence failures.
func (s *Store) withTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	err := pgx.BeginFunc(ctx, s.pool, fn)
	if err == nil {
		return nil
	}
	if errors.IsAny(err, store.ErrNotFound, store.ErrVersionConflict, store.ErrItemExists, store.ErrEntryNotPending) {
		return err
	}
	return core.MarkPersistence(err, "%s", op)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func now() time.Time {
	return time.Now().UTC()
}
