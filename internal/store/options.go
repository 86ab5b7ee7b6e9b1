package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// DSN types recognised by DetectDSNType.
const (
	DSNTypeSQLite   = "sqlite"
	DSNTypePostgres = "postgres"
	DSNTypeDynamoDB = "dynamodb"
	DSNTypeMemory   = "memory"
)

// dynamoDSNPrefix introduces a DynamoDB table name in a DSN, e.g. "dynamodb://peermatch-requests".
const dynamoDSNPrefix = "dynamodb://"

// Opts holds configuration for store backends.
type Opts struct {
	DSN            string // database DSN, file path, or DynamoDB table
	AWSRegion      string // DynamoDB region override
	DynamoEndpoint string // DynamoDB endpoint override (local DynamoDB)
}

// Option configures a store backend.
type Option func(*Opts)

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithDynamoTable sets the DynamoDB table name.
func WithDynamoTable(table string) Option {
	return func(o *Opts) { o.DSN = table }
}

// WithAWSRegion overrides the AWS region used by the DynamoDB store.
func WithAWSRegion(region string) Option {
	return func(o *Opts) { o.AWSRegion = region }
}

// WithDynamoEndpoint points the DynamoDB store at a custom endpoint.
func WithDynamoEndpoint(endpoint string) Option {
	return func(o *Opts) { o.DynamoEndpoint = endpoint }
}

// DetectDSNType classifies a DSN into one of the DSNType constants.
func DetectDSNType(dsn string) string {
	switch {
	case dsn == "" || dsn == DSNTypeMemory || dsn == ":memory:":
		return DSNTypeMemory
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host="):
		return DSNTypePostgres
	case strings.HasPrefix(dsn, dynamoDSNPrefix):
		return DSNTypeDynamoDB
	default:
		return DSNTypeSQLite
	}
}

// Open creates the RequestStore selected by the DSN. The returned value also
// implements JobRepo, OutboxRepo and DedupRepo when the backend supports them.
func Open(ctx context.Context, dsn string, opts ...Option) (RequestStore, error) {
	kind := DetectDSNType(dsn)
	slog.Debug("store.Open", "dsn_type", kind)

	switch kind {
	case DSNTypeMemory:
		return NewInMemoryStore(), nil
	case DSNTypePostgres:
		return NewPostgresStore(append(opts, WithPostgresDSN(dsn))...)
	case DSNTypeDynamoDB:
		table := strings.TrimPrefix(dsn, dynamoDSNPrefix)
		return NewDynamoStore(ctx, append(opts, WithDynamoTable(table))...)
	case DSNTypeSQLite:
		return NewSQLiteStore(append(opts, WithSQLiteDSN(dsn))...)
	default:
		return nil, fmt.Errorf("unsupported DSN type %q", kind)
	}
}
