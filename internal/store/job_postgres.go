package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Compile-time check that PostgresStore implements JobRepo.
var _ JobRepo = (*PostgresStore)(nil)

func (s *PostgresStore) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	id := "job_" + uuid.NewString()
	now := time.Now()

	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE dedupe_key = $1 AND status IN ('queued', 'running')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("PostgresStore.EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7, $8)`,
		id, kind, runAt, payloadJSON, DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (s *PostgresStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE jobs SET status = 'running', locked_at = $1, updated_at = $2
		 WHERE id IN (
		   SELECT id FROM jobs WHERE status = 'queued' AND run_at <= $3
		   ORDER BY run_at ASC LIMIT $4
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		now, now, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs failed: %w", err)
	}
	return scanJobs(rows)
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = $1 WHERE id = $2`,
		time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
		   attempt = attempt + 1,
		   last_error = $1,
		   locked_at = NULL,
		   updated_at = $2,
		   status = CASE WHEN attempt + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
		   run_at = CASE WHEN attempt + 1 >= max_attempts THEN run_at ELSE $3 END
		 WHERE id = $4`,
		errMsg, time.Now(), nextRunAt, id,
	)
	if err != nil {
		return fmt.Errorf("fail job update failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CancelJobsByDedupeKey(ctx context.Context, dedupeKey string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = $1 WHERE dedupe_key = $2 AND status = 'queued'`,
		time.Now(), dedupeKey,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	slog.Debug("PostgresStore.CancelJobsByDedupeKey", "dedupeKey", dedupeKey, "canceled", n)
	return int(n), nil
}

func (s *PostgresStore) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'running' AND locked_at < $2`,
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}
