// Package store provides storage backends for PeerMatch.
//
// This file implements an SQLite-backed request store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/PeerMatch/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	// sqliteBusyTimeoutMs is how long a writer waits on a locked database before failing
	sqliteBusyTimeoutMs = 5000
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements RequestStore.
var _ RequestStore = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", dsn, sqliteBusyTimeoutMs))
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serializes writers, so every statement below is
	// atomic with respect to the others.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, req models.MatchRequest) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO match_requests (`+requestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (requester_id) DO NOTHING`,
		req.RequesterID, req.RequestID, req.Difficulty, req.Category, req.ReplyTo,
		req.CreatedAt.UTC(), req.ExpiresAt.UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore.Insert failed", "error", err, "requesterID", req.RequesterID)
		return unavailable("insert match request", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return unavailable("insert match request rows affected", err)
	}
	if n == 0 {
		slog.Debug("SQLiteStore.Insert: already pending", "requesterID", req.RequesterID)
		return ErrAlreadyPending
	}
	slog.Debug("SQLiteStore.Insert succeeded", "requesterID", req.RequesterID, "bucket", req.Bucket().String())
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, requesterID string) (*models.MatchRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM match_requests WHERE requester_id = ?`, requesterID)
	return scanOptionalRequest(row, "get match request")
}

func (s *SQLiteStore) FindCompatible(ctx context.Context, difficulty int, category string, excludeRequesterID string) (*models.MatchRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM match_requests
		 WHERE difficulty = ? AND category = ? AND requester_id <> ?
		 ORDER BY RANDOM() LIMIT 1`,
		difficulty, category, excludeRequesterID)
	return scanOptionalRequest(row, "find compatible request")
}

// RemoveIfPending selects and deletes inside one transaction. The DELETE
// repeats the predicate and must affect exactly one row, so a concurrent
// writer on another connection can never hand the same row to two callers.
func (s *SQLiteStore) RemoveIfPending(ctx context.Context, key RemoveKey) (*models.MatchRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin remove", err)
	}
	defer tx.Rollback()

	const predicate = `requester_id = ? AND difficulty = ? AND category = ? AND (? = '' OR request_id = ?)`
	args := []interface{}{key.RequesterID, key.Difficulty, key.Category, key.RequestID, key.RequestID}

	removed, err := scanOptionalRequest(
		tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM match_requests WHERE `+predicate, args...),
		"select match request")
	if err != nil || removed == nil {
		return nil, err
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM match_requests WHERE `+predicate, args...)
	if err != nil {
		slog.Error("SQLiteStore.RemoveIfPending failed", "error", err, "requesterID", key.RequesterID)
		return nil, unavailable("delete match request", err)
	}
	if n, _ := result.RowsAffected(); n != 1 {
		slog.Debug("SQLiteStore.RemoveIfPending: lost race", "requesterID", key.RequesterID)
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit remove", err)
	}
	slog.Debug("SQLiteStore.RemoveIfPending", "requesterID", key.RequesterID, "removed", true)
	return removed, nil
}

func (s *SQLiteStore) AllPending(ctx context.Context) (map[models.Bucket][]models.MatchRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM match_requests`)
	if err != nil {
		return nil, unavailable("list match requests", err)
	}
	reqs, err := scanRequests(rows)
	if err != nil {
		return nil, unavailable("list match requests", err)
	}
	return groupByBucket(reqs), nil
}

func (s *SQLiteStore) CountPending(ctx context.Context) (map[models.Bucket]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT difficulty, category, COUNT(*) FROM match_requests GROUP BY difficulty, category`)
	if err != nil {
		return nil, unavailable("count match requests", err)
	}
	defer rows.Close()

	out := make(map[models.Bucket]int)
	for rows.Next() {
		var b models.Bucket
		var n int
		if err := rows.Scan(&b.Difficulty, &b.Category, &n); err != nil {
			return nil, unavailable("count match requests", err)
		}
		out[b] = n
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("count match requests", err)
	}
	return out, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// utcNow returns the current time in UTC. SQLite compares timestamps as
// text, so every stored time uses the same zone.
func utcNow() time.Time {
	return time.Now().UTC()
}
