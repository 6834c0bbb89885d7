// Package sqlite implements store.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"github.com/JonMunkholm/stagemerge/internal/core"
	"github.com/JonMunkholm/stagemerge/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump it when schema.sql changes.
const schemaVersion = 1

// Store is a store.Store backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

var _ store.Store = (*Store)(nil)

// Open connects to (and if needed initializes) the database at path.
// ":memory:" opens a private in-memory database on a single connection.
func Open(ctx context.Context, path string, busyTimeout time.Duration) (*Store, error) {
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	dsn := buildDSN(path, busyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, core.MarkPersistence(err, "open sqlite db")
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// buildDSN applies the pragmas through the connection string so every
// pooled connection gets them, not only the first.
func buildDSN(path string, busyTimeout time.Duration) string {
	pragmas := []string{
		fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()),
		"foreign_keys(1)",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "journal_mode(WAL)")
	}

	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")

	base := path
	if !strings.HasPrefix(base, "file:") {
		base = "file:" + base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return core.MarkPersistence(s.db.PingContext(ctx), "ping sqlite")
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return core.MarkPersistence(err, "check schema_version table")
	}

	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return core.MarkPersistence(err, "read schema version")
	}
	if version != schemaVersion {
		return errors.Wrapf(store.ErrSchemaMismatch,
			"database has version %d, expected %d (delete %s to start over)", version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	return s.withTx(ctx, "create schema", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion)
		return err
	})
}

// withTx runs fn in a transaction. Sentinel store errors returned by fn pass
// through unmarked; anything else is marked as a persistence failure.
func (s *Store) withTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.MarkPersistence(err, "%s: begin", op)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		if isSentinel(err) {
			return err
		}
		return core.MarkPersistence(err, "%s", op)
	}
	if err := tx.Commit(); err != nil {
		return core.MarkPersistence(err, "%s: commit", op)
	}
	return nil
}

func isSentinel(err error) bool {
	return errors.IsAny(err,
		store.ErrNotFound,
		store.ErrVersionConflict,
		store.ErrItemExists,
		store.ErrEntryNotPending,
	)
}

// isUniqueViolation matches SQLite's constraint error text; modernc reports
// it as "constraint failed: UNIQUE constraint failed: ...".
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(raw sql.NullString) *time.Time {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	t := parseTime(raw.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func now() time.Time {
	return time.Now().UTC()
}
