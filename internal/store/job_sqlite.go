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

// Compile-time check that SQLiteStore implements JobRepo.
var _ JobRepo = (*SQLiteStore)(nil)

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

func (s *SQLiteStore) EnqueueJob(ctx context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	id := "job_" + uuid.NewString()
	now := utcNow()

	if dedupeKey != "" {
		var existingID string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE dedupe_key = ? AND status IN ('queued', 'running')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("SQLiteStore.EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`,
		id, kind, runAt.UTC(), payloadJSON, DefaultJobMaxAttempts, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (s *SQLiteStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	now = now.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim failed: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'queued' AND run_at <= ?
		 ORDER BY run_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs failed: %w", err)
	}
	due, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	claimed := due[:0]
	for _, j := range due {
		result, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ? AND status = 'queued'`,
			now, now, j.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark job running failed: %w", err)
		}
		if n, _ := result.RowsAffected(); n != 1 {
			continue
		}
		j.Status = JobStatusRunning
		lockedAt := now
		j.LockedAt = &lockedAt
		claimed = append(claimed, j)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim failed: %w", err)
	}
	return claimed, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`,
		utcNow(), id,
	)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
		   attempt = attempt + 1,
		   last_error = ?,
		   locked_at = NULL,
		   updated_at = ?,
		   status = CASE WHEN attempt + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
		   run_at = CASE WHEN attempt + 1 >= max_attempts THEN run_at ELSE ? END
		 WHERE id = ?`,
		errMsg, utcNow(), nextRunAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("fail job update failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CancelJobsByDedupeKey(ctx context.Context, dedupeKey string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ? WHERE dedupe_key = ? AND status = 'queued'`,
		utcNow(), dedupeKey,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	slog.Debug("SQLiteStore.CancelJobsByDedupeKey", "dedupeKey", dedupeKey, "canceled", n)
	return int(n), nil
}

func (s *SQLiteStore) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`,
		utcNow(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}
