// Package store is the bridge's persistence layer: an embedded SQLite
// database with versioned migrations and typed repositories for sessions,
// events, network records, error fingerprints, snapshots and snapshot
// assets. The Store is the only process-wide mutable resource; everything
// else holds rows by opaque ID.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/tapbridge/tapbridge/dbopen"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the embedded database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens (or creates) the database at path and applies pending
// migrations. Idempotent: applied versions are recorded and skipped.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	s, err := New(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already-open database and applies pending migrations.
// Used by tests with dbopen.OpenMemory.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if err := migrate(db); err != nil {
		return nil, &StorageError{Op: "migrate", Err: err}
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for status endpoints. Query paths go through
// the typed repositories.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Counts returns row counts per table for the /stats endpoint.
func (s *Store) Counts(ctx context.Context) (map[string]int64, error) {
	tables := []string{
		"sessions", "events", "network_records",
		"error_fingerprints", "snapshots", "snapshot_assets",
	}
	out := make(map[string]int64, len(tables))
	for _, table := range tables {
		var n int64
		// Table names come from the fixed list above, never from input.
		q := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
		if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
			return nil, &StorageError{Op: "counts", Err: err}
		}
		out[table] = n
	}
	return out, nil
}

// Cleanup deletes events, network records, snapshots and assets older than
// the retention window. Sessions and fingerprints are kept: they are small
// and anchor the cross-session views.
func (s *Store) Cleanup(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour).UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "cleanup", Err: err}
	}
	defer tx.Rollback()

	stmts := []string{
		"DELETE FROM events WHERE timestamp < ?",
		"DELETE FROM network_records WHERE timestamp < ?",
		`DELETE FROM snapshot_assets WHERE snapshot_id IN
			(SELECT snapshot_id FROM snapshots WHERE timestamp < ?)`,
		"DELETE FROM snapshots WHERE timestamp < ?",
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q, cutoff); err != nil {
			return &StorageError{Op: "cleanup", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "cleanup", Err: err}
	}
	s.logger.Debug("retention sweep complete", "cutoff_ms", cutoff)
	return nil
}
