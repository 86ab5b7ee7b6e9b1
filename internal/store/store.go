// Package store provides storage backends for PeerMatch.
//
// The RequestStore holds pending match requests keyed by requester id. Its
// RemoveIfPending operation is the single atomicity primitive the engine
// relies on: whichever caller gets a non-nil request back owns it.
package store

import (
	"context"
	"fmt"

	"github.com/BTreeMap/PeerMatch/internal/models"
)

// ErrAlreadyPending is returned by Insert when the requester already has a
// stored request. It wraps models.ErrDuplicateSubmission.
var ErrAlreadyPending = fmt.Errorf("%w: ALREADY_PENDING", models.ErrDuplicateSubmission)

// RemoveKey identifies the request a conditional removal targets.
// RequestID is optional; when set, only that exact submission is removed.
type RemoveKey struct {
	RequesterID string
	Difficulty  int
	Category    string
	RequestID   string
}

// KeyOf builds the RemoveKey that matches req exactly.
func KeyOf(req models.MatchRequest) RemoveKey {
	return RemoveKey{
		RequesterID: req.RequesterID,
		Difficulty:  req.Difficulty,
		Category:    req.Category,
		RequestID:   req.RequestID,
	}
}

// RequestStore is the durable table of pending match requests.
type RequestStore interface {
	// Insert persists req as PENDING. It fails with ErrAlreadyPending if the
	// requester already has an entry.
	Insert(ctx context.Context, req models.MatchRequest) error

	// Get returns the pending request of a requester, or nil if there is none.
	Get(ctx context.Context, requesterID string) (*models.MatchRequest, error)

	// FindCompatible returns a random pending request of the bucket whose
	// requester differs from excludeRequesterID, or nil if there is none.
	FindCompatible(ctx context.Context, difficulty int, category string, excludeRequesterID string) (*models.MatchRequest, error)

	// RemoveIfPending deletes the request matching key in a single atomic
	// operation and returns it. A confirmed miss returns (nil, nil); any error
	// means the outcome is unknown and the caller should retry.
	RemoveIfPending(ctx context.Context, key RemoveKey) (*models.MatchRequest, error)

	// AllPending returns every pending request grouped by bucket.
	AllPending(ctx context.Context) (map[models.Bucket][]models.MatchRequest, error)

	// CountPending returns the number of pending requests per bucket.
	CountPending(ctx context.Context) (map[models.Bucket]int, error)

	// Close releases the underlying resources.
	Close() error
}

// groupByBucket partitions requests for sweep use.
func groupByBucket(reqs []models.MatchRequest) map[models.Bucket][]models.MatchRequest {
	out := make(map[models.Bucket][]models.MatchRequest)
	for _, r := range reqs {
		b := r.Bucket()
		out[b] = append(out[b], r)
	}
	return out
}

// matchesKey reports whether req satisfies the removal predicate.
func matchesKey(req models.MatchRequest, key RemoveKey) bool {
	if req.RequesterID != key.RequesterID || req.Difficulty != key.Difficulty || req.Category != key.Category {
		return false
	}
	return key.RequestID == "" || req.RequestID == key.RequestID
}

// PersistenceProvider is implemented by backends that also host the durable
// job, outbox and dedup tables. Callers type-assert a RequestStore to it.
type PersistenceProvider interface {
	JobRepo() JobRepo
	OutboxRepo() OutboxRepo
	DedupRepo() DedupRepo
}

// Compile-time checks that the SQL stores provide durable persistence.
var (
	_ PersistenceProvider = (*SQLiteStore)(nil)
	_ PersistenceProvider = (*PostgresStore)(nil)
)

func (s *SQLiteStore) JobRepo() JobRepo       { return s }
func (s *SQLiteStore) OutboxRepo() OutboxRepo { return s }
func (s *SQLiteStore) DedupRepo() DedupRepo   { return s }

func (s *PostgresStore) JobRepo() JobRepo       { return s }
func (s *PostgresStore) OutboxRepo() OutboxRepo { return s }
func (s *PostgresStore) DedupRepo() DedupRepo   { return s }
