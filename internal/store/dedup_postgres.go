package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements DedupRepo.
var _ DedupRepo = (*PostgresStore)(nil)

func (s *PostgresStore) RecordInbound(ctx context.Context, messageID, requesterID string) (bool, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_dedup (message_id, requester_id, received_at) VALUES ($1, $2, $3)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, nilIfEmpty(requesterID), time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}

	var processedAt sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT processed_at FROM inbound_dedup WHERE message_id = $1`, messageID,
	).Scan(&processedAt)
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return !processedAt.Valid, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`,
		time.Now(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) PruneDedup(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM inbound_dedup WHERE received_at < $1`, olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("prune dedup failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}
