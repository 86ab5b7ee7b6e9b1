package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that SQLiteStore implements DedupRepo.
var _ DedupRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) RecordInbound(ctx context.Context, messageID, requesterID string) (bool, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO inbound_dedup (message_id, requester_id, received_at) VALUES (?, ?, ?)`,
		messageID, nilIfEmpty(requesterID), utcNow(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}

	var processedAt sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT processed_at FROM inbound_dedup WHERE message_id = ?`, messageID,
	).Scan(&processedAt)
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return !processedAt.Valid, nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
		utcNow(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PruneDedup(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM inbound_dedup WHERE received_at < ?`, olderThan.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune dedup failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
