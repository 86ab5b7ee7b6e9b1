// Package store provides storage backends for PeerMatch.
//
// This file implements a PostgreSQL-backed request store. Conditional
// removal is a single DELETE ... RETURNING, so concurrent engine instances
// sharing the database rely on Postgres row locking for exclusivity.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/PeerMatch/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements RequestStore.
var _ RequestStore = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Insert(ctx context.Context, req models.MatchRequest) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO match_requests (`+requestColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (requester_id) DO NOTHING`,
		req.RequesterID, req.RequestID, req.Difficulty, req.Category, req.ReplyTo, req.CreatedAt, req.ExpiresAt,
	)
	if err != nil {
		slog.Error("PostgresStore.Insert failed", "error", err, "requesterID", req.RequesterID)
		return unavailable("insert match request", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return unavailable("insert match request rows affected", err)
	}
	if n == 0 {
		slog.Debug("PostgresStore.Insert: already pending", "requesterID", req.RequesterID)
		return ErrAlreadyPending
	}
	slog.Debug("PostgresStore.Insert succeeded", "requesterID", req.RequesterID, "bucket", req.Bucket().String())
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, requesterID string) (*models.MatchRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM match_requests WHERE requester_id = $1`, requesterID)
	return scanOptionalRequest(row, "get match request")
}

func (s *PostgresStore) FindCompatible(ctx context.Context, difficulty int, category string, excludeRequesterID string) (*models.MatchRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM match_requests
		 WHERE difficulty = $1 AND category = $2 AND requester_id <> $3
		 ORDER BY random() LIMIT 1`,
		difficulty, category, excludeRequesterID)
	return scanOptionalRequest(row, "find compatible request")
}

func (s *PostgresStore) RemoveIfPending(ctx context.Context, key RemoveKey) (*models.MatchRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM match_requests
		 WHERE requester_id = $1 AND difficulty = $2 AND category = $3 AND ($4 = '' OR request_id = $4)
		 RETURNING `+requestColumns,
		key.RequesterID, key.Difficulty, key.Category, key.RequestID)
	removed, err := scanOptionalRequest(row, "remove match request")
	if err != nil {
		slog.Error("PostgresStore.RemoveIfPending failed", "error", err, "requesterID", key.RequesterID)
		return nil, err
	}
	slog.Debug("PostgresStore.RemoveIfPending", "requesterID", key.RequesterID, "removed", removed != nil)
	return removed, nil
}

func (s *PostgresStore) AllPending(ctx context.Context) (map[models.Bucket][]models.MatchRequest, error) {
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

func (s *PostgresStore) CountPending(ctx context.Context) (map[models.Bucket]int, error) {
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

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
