package store

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/BTreeMap/PeerMatch/internal/models"
)

// Compile-time check that InMemoryStore implements RequestStore.
var _ RequestStore = (*InMemoryStore)(nil)

// InMemoryStore is a process-local RequestStore. Every operation holds the
// mutex, so RemoveIfPending is atomic with respect to all other callers of
// the same instance. It is meant for tests and single-instance development.
type InMemoryStore struct {
	mu       sync.Mutex
	requests map[string]models.MatchRequest
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{requests: make(map[string]models.MatchRequest)}
}

func (s *InMemoryStore) Insert(_ context.Context, req models.MatchRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.RequesterID]; exists {
		slog.Debug("InMemoryStore.Insert: already pending", "requesterID", req.RequesterID)
		return ErrAlreadyPending
	}
	req.State = models.StatePending
	s.requests[req.RequesterID] = req
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, requesterID string) (*models.MatchRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requesterID]
	if !ok {
		return nil, nil
	}
	return &req, nil
}

func (s *InMemoryStore) FindCompatible(_ context.Context, difficulty int, category string, excludeRequesterID string) (*models.MatchRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []models.MatchRequest
	for id, req := range s.requests {
		if id == excludeRequesterID || req.Difficulty != difficulty || req.Category != category {
			continue
		}
		candidates = append(candidates, req)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	c := candidates[rand.IntN(len(candidates))]
	return &c, nil
}

func (s *InMemoryStore) RemoveIfPending(_ context.Context, key RemoveKey) (*models.MatchRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[key.RequesterID]
	if !ok || !matchesKey(req, key) {
		return nil, nil
	}
	delete(s.requests, key.RequesterID)
	return &req, nil
}

func (s *InMemoryStore) AllPending(_ context.Context) (map[models.Bucket][]models.MatchRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reqs := make([]models.MatchRequest, 0, len(s.requests))
	for _, r := range s.requests {
		reqs = append(reqs, r)
	}
	return groupByBucket(reqs), nil
}

func (s *InMemoryStore) CountPending(_ context.Context) (map[models.Bucket]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[models.Bucket]int)
	for _, r := range s.requests {
		out[r.Bucket()]++
	}
	return out, nil
}

// Len returns the number of stored requests.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *InMemoryStore) Close() error { return nil }

// memoryDedup is the process-local DedupRepo used alongside InMemoryStore.
type memoryDedup struct {
	mu      sync.Mutex
	records map[string]DedupRecord
}

// Compile-time check that memoryDedup implements DedupRepo.
var _ DedupRepo = (*memoryDedup)(nil)

// NewMemoryDedup creates an empty process-local dedup table.
func NewMemoryDedup() DedupRepo {
	return &memoryDedup{records: make(map[string]DedupRecord)}
}

func (d *memoryDedup) RecordInbound(_ context.Context, messageID, requesterID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[messageID]
	if !ok {
		d.records[messageID] = DedupRecord{MessageID: messageID, RequesterID: requesterID, ReceivedAt: time.Now()}
		return true, nil
	}
	return rec.ProcessedAt == nil, nil
}

func (d *memoryDedup) MarkProcessed(_ context.Context, messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	d.records[messageID] = rec
	return nil
}

func (d *memoryDedup) PruneDedup(_ context.Context, olderThan time.Time) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for id, rec := range d.records {
		if rec.ReceivedAt.Before(olderThan) {
			delete(d.records, id)
			n++
		}
	}
	return n, nil
}
