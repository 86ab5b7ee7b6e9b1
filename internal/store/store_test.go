package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/PeerMatch/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "sqlite_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	dbPath := filepath.Join(tempDir, "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newRequest(requesterID, requestID string, difficulty int, category string) models.MatchRequest {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return models.MatchRequest{
		RequesterID: requesterID,
		RequestID:   requestID,
		Difficulty:  difficulty,
		Category:    category,
		ReplyTo:     "replies/" + requesterID,
		State:       models.StatePending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(models.DefaultRequestTimeout),
	}
}

// requestStoreBackends returns every backend that can run without external services.
func requestStoreBackends(t *testing.T) map[string]RequestStore {
	t.Helper()
	return map[string]RequestStore{
		"memory": NewInMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
	}
}

func TestRequestStore_InsertAndGet(t *testing.T) {
	for name, s := range requestStoreBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			req := newRequest("alice", "r1", 3, "graphs")
			if err := s.Insert(ctx, req); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}

			got, err := s.Get(ctx, "alice")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got == nil {
				t.Fatal("Get returned nil for stored request")
			}
			if got.RequestID != "r1" || got.Difficulty != 3 || got.Category != "graphs" {
				t.Errorf("unexpected request: %+v", got)
			}
			if got.ReplyTo != "replies/alice" {
				t.Errorf("Expected reply address to round trip, got %q", got.ReplyTo)
			}
			if got.State != models.StatePending {
				t.Errorf("Expected PENDING, got %q", got.State)
			}
			if !got.ExpiresAt.Equal(req.ExpiresAt) {
				t.Errorf("Expected expiresAt %v, got %v", req.ExpiresAt, got.ExpiresAt)
			}

			missing, err := s.Get(ctx, "nobody")
			if err != nil {
				t.Fatalf("Get missing failed: %v", err)
			}
			if missing != nil {
				t.Errorf("Expected nil for unknown requester, got %+v", missing)
			}
		})
	}
}

func TestRequestStore_InsertDuplicateRequester(t *testing.T) {
	for name, s := range requestStoreBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Insert(ctx, newRequest("alice", "r1", 3, "graphs")); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}
			err := s.Insert(ctx, newRequest("alice", "r2", 1, "arrays"))
			if !errors.Is(err, ErrAlreadyPending) {
				t.Fatalf("Expected ErrAlreadyPending, got %v", err)
			}

			got, _ := s.Get(ctx, "alice")
			if got == nil || got.RequestID != "r1" {
				t.Errorf("Expected original request to survive, got %+v", got)
			}
		})
	}
}

func TestRequestStore_FindCompatible(t *testing.T) {
	for name, s := range requestStoreBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s.Insert(ctx, newRequest("alice", "r1", 3, "graphs"))
			s.Insert(ctx, newRequest("bob", "r2", 3, "Graphs"))
			s.Insert(ctx, newRequest("carol", "r3", 2, "graphs"))

			// Only alice shares bucket 3#graphs, and she is excluded.
			got, err := s.FindCompatible(ctx, 3, "graphs", "alice")
			if err != nil {
				t.Fatalf("FindCompatible failed: %v", err)
			}
			if got != nil {
				t.Errorf("Expected no candidate, got %+v", got)
			}

			got, err = s.FindCompatible(ctx, 3, "graphs", "dave")
			if err != nil {
				t.Fatalf("FindCompatible failed: %v", err)
			}
			if got == nil || got.RequesterID != "alice" {
				t.Errorf("Expected alice, got %+v", got)
			}
		})
	}
}

func TestRequestStore_RemoveIfPending(t *testing.T) {
	for name, s := range requestStoreBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			req := newRequest("alice", "r1", 3, "graphs")
			s.Insert(ctx, req)

			// Wrong bucket is a miss.
			got, err := s.RemoveIfPending(ctx, RemoveKey{RequesterID: "alice", Difficulty: 2, Category: "graphs"})
			if err != nil {
				t.Fatalf("RemoveIfPending failed: %v", err)
			}
			if got != nil {
				t.Fatalf("Expected miss for wrong difficulty, got %+v", got)
			}

			// Stale request id is a miss.
			got, _ = s.RemoveIfPending(ctx, RemoveKey{RequesterID: "alice", Difficulty: 3, Category: "graphs", RequestID: "old"})
			if got != nil {
				t.Fatalf("Expected miss for stale request id, got %+v", got)
			}

			got, err = s.RemoveIfPending(ctx, KeyOf(req))
			if err != nil {
				t.Fatalf("RemoveIfPending failed: %v", err)
			}
			if got == nil || got.RequesterID != "alice" {
				t.Fatalf("Expected alice removed, got %+v", got)
			}

			// Second removal is a confirmed miss.
			got, err = s.RemoveIfPending(ctx, KeyOf(req))
			if err != nil {
				t.Fatalf("RemoveIfPending failed: %v", err)
			}
			if got != nil {
				t.Errorf("Expected second removal to miss, got %+v", got)
			}

			// The requester can submit again once removed.
			if err := s.Insert(ctx, newRequest("alice", "r2", 3, "graphs")); err != nil {
				t.Errorf("Re-insert after removal failed: %v", err)
			}
		})
	}
}

func TestRequestStore_RemoveIfPendingIsExclusive(t *testing.T) {
	for name, s := range requestStoreBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			req := newRequest("alice", "r1", 3, "graphs")
			if err := s.Insert(ctx, req); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}

			const workers = 16
			var wins int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					got, err := s.RemoveIfPending(ctx, KeyOf(req))
					if err != nil {
						t.Errorf("RemoveIfPending failed: %v", err)
						return
					}
					if got != nil {
						atomic.AddInt32(&wins, 1)
					}
				}()
			}
			close(start)
			wg.Wait()

			if wins != 1 {
				t.Errorf("Expected exactly one successful removal, got %d", wins)
			}
		})
	}
}

func TestRequestStore_AllPendingAndCount(t *testing.T) {
	for name, s := range requestStoreBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s.Insert(ctx, newRequest("alice", "r1", 3, "graphs"))
			s.Insert(ctx, newRequest("bob", "r2", 3, "graphs"))
			s.Insert(ctx, newRequest("carol", "r3", 1, "arrays"))

			all, err := s.AllPending(ctx)
			if err != nil {
				t.Fatalf("AllPending failed: %v", err)
			}
			if len(all[models.Bucket{Difficulty: 3, Category: "graphs"}]) != 2 {
				t.Errorf("Expected 2 requests in 3#graphs, got %d", len(all[models.Bucket{Difficulty: 3, Category: "graphs"}]))
			}
			if len(all[models.Bucket{Difficulty: 1, Category: "arrays"}]) != 1 {
				t.Errorf("Expected 1 request in 1#arrays")
			}

			counts, err := s.CountPending(ctx)
			if err != nil {
				t.Fatalf("CountPending failed: %v", err)
			}
			if counts[models.Bucket{Difficulty: 3, Category: "graphs"}] != 2 || counts[models.Bucket{Difficulty: 1, Category: "arrays"}] != 1 {
				t.Errorf("unexpected counts: %v", counts)
			}
		})
	}
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"":                                DSNTypeMemory,
		"memory":                          DSNTypeMemory,
		"postgres://u:p@localhost/db":     DSNTypePostgres,
		"host=localhost dbname=peermatch": DSNTypePostgres,
		"dynamodb://peermatch-requests":   DSNTypeDynamoDB,
		"/var/lib/peermatch/peermatch.db": DSNTypeSQLite,
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestPostgresStore(t *testing.T) {
	// This test requires a running PostgreSQL instance.
	// Set the DATABASE_URL environment variable for connection string.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()
	// Clean up table before test
	pgStore.db.Exec("DELETE FROM match_requests")

	ctx := context.Background()
	req := newRequest("alice", "r1", 3, "graphs")
	if err := pgStore.Insert(ctx, req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := pgStore.Insert(ctx, req); !errors.Is(err, ErrAlreadyPending) {
		t.Fatalf("Expected ErrAlreadyPending, got %v", err)
	}
	got, err := pgStore.RemoveIfPending(ctx, KeyOf(req))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.RequesterID != "alice" {
		t.Error("Request not removed correctly in Postgres")
	}
	again, _ := pgStore.RemoveIfPending(ctx, KeyOf(req))
	if again != nil {
		t.Error("Expected second removal to miss in Postgres")
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
