package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/BTreeMap/PeerMatch/internal/models"
)

// requestColumns is the column list shared by every match_requests query.
const requestColumns = `requester_id, request_id, difficulty, category, reply_to, created_at, expires_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanRequest scans a MatchRequest in requestColumns order.
func scanRequest(row rowScanner) (models.MatchRequest, error) {
	var r models.MatchRequest
	err := row.Scan(&r.RequesterID, &r.RequestID, &r.Difficulty, &r.Category, &r.ReplyTo, &r.CreatedAt, &r.ExpiresAt)
	if err != nil {
		return r, err
	}
	r.State = models.StatePending
	return r, nil
}

// scanRequests drains rows into a slice.
func scanRequests(rows *sql.Rows) ([]models.MatchRequest, error) {
	defer rows.Close()
	var out []models.MatchRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan match request failed: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("match request iteration failed: %w", err)
	}
	return out, nil
}

// scanOptionalRequest converts sql.ErrNoRows into a confirmed miss.
func scanOptionalRequest(row *sql.Row, op string) (*models.MatchRequest, error) {
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(op, err)
	}
	return &r, nil
}

// unavailable wraps a storage error so callers can detect it as transient.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, models.ErrStoreUnavailable, err)
}

// scanJob scans a Job from a row.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

// scanJobs drains rows of jobs.
func scanJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job iteration failed: %w", err)
	}
	return jobs, nil
}

// scanOutboxMessage scans an OutboxMessage from a row.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.ReplyTo, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, err
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

// scanOutboxMessages drains rows of outbox messages.
func scanOutboxMessages(rows *sql.Rows) ([]OutboxMessage, error) {
	defer rows.Close()
	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox message failed: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox iteration failed: %w", err)
	}
	return msgs, nil
}
