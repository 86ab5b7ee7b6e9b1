// Package testutil provides common test utilities and helpers for PeerMatch tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/PeerMatch/internal/models"
	"github.com/BTreeMap/PeerMatch/internal/store"
)

// NewSQLiteStore opens a fresh SQLite store in a per-test directory and
// closes it when the test finishes.
func NewSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "peermatch.db")))
	if err != nil {
		t.Fatalf("failed to open SQLite store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// PendingRequest builds a request that expires ttl from now.
func PendingRequest(requesterID string, difficulty int, category string, ttl time.Duration) models.MatchRequest {
	now := time.Now()
	return models.MatchRequest{
		RequesterID: requesterID,
		RequestID:   "req-" + requesterID,
		Difficulty:  difficulty,
		Category:    category,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		State:       models.StatePending,
	}
}

// SeedRequests inserts reqs and fails the test on the first error.
func SeedRequests(t *testing.T, st store.RequestStore, reqs ...models.MatchRequest) {
	t.Helper()
	for _, r := range reqs {
		if err := st.Insert(context.Background(), r); err != nil {
			t.Fatalf("failed to seed request %s: %v", r.RequesterID, err)
		}
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the response body and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}
