package matcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/PeerMatch/internal/models"
	"github.com/BTreeMap/PeerMatch/internal/store"
	"github.com/BTreeMap/PeerMatch/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	engine *Engine
	store  *store.InMemoryStore
	tr     *transport.MemoryTransport
	sup    *TimerSupervisor
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store: store.NewInMemoryStore(),
		tr:    transport.NewMemoryTransport(),
		sup:   NewTimerSupervisor(),
	}
	h.engine = New(h.store, h.sup, NewDispatcher(h.tr, nil), cfg, opts...)
	t.Cleanup(h.sup.Stop)
	return h
}

func replyTo(requesterID string) string {
	return transport.ReplyAddress(transport.DefaultReplyQueue, requesterID)
}

func submitMsg(requesterID, requestID string, difficulty int, category string) models.SubmitMessage {
	return models.SubmitMessage{
		RequesterID: requesterID,
		RequestID:   requestID,
		Difficulty:  &difficulty,
		Category:    category,
		ReplyTo:     replyTo(requesterID),
	}
}

func cancelMsg(requesterID string, difficulty int, category string) models.CancelMessage {
	return models.CancelMessage{RequesterID: requesterID, Difficulty: &difficulty, Category: category}
}

func (h *harness) submit(t *testing.T, requesterID, requestID string, difficulty int, category string) SubmitResult {
	t.Helper()
	res, err := h.engine.Submit(context.Background(), submitMsg(requesterID, requestID, difficulty, category))
	require.NoError(t, err)
	return res
}

func (h *harness) outcomes(t *testing.T, requesterID string) []models.Outcome {
	t.Helper()
	var out []models.Outcome
	for _, m := range h.tr.Replies(replyTo(requesterID)) {
		o, err := models.DecodeOutcome(m.Body)
		require.NoError(t, err)
		out = append(out, o)
	}
	return out
}

func TestSubmit_QueuesWhenNoPartner(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	res := h.submit(t, "A", "r1", 2, "array")
	assert.Equal(t, SubmitQueued, res.Status)
	assert.Equal(t, "r1", res.RequestID)
	assert.Equal(t, 1, h.store.Len())
	assert.Equal(t, 1, h.sup.Armed())
	assert.Empty(t, h.outcomes(t, "A"))

	stored, err := h.store.Get(context.Background(), "A")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.StatePending, stored.State)
	assert.WithinDuration(t, stored.CreatedAt.Add(models.DefaultRequestTimeout), stored.ExpiresAt, time.Millisecond)
}

func TestSubmit_MatchesImmediately(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.submit(t, "A", "r1", 2, "array")
	res := h.submit(t, "B", "r2", 2, "array")
	assert.Equal(t, SubmitMatched, res.Status)
	assert.Equal(t, "A", res.PartnerID)
	assert.NotEmpty(t, res.MatchID)

	a := h.outcomes(t, "A")
	b := h.outcomes(t, "B")
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, models.OutcomeMatched, a[0].Status)
	assert.Equal(t, "B", a[0].PartnerID)
	assert.Equal(t, "r1", a[0].RequestID)
	assert.Equal(t, models.OutcomeMatched, b[0].Status)
	assert.Equal(t, "A", b[0].PartnerID)
	assert.Equal(t, a[0].MatchID, b[0].MatchID)

	assert.Equal(t, 0, h.store.Len())
	assert.Equal(t, 0, h.sup.Armed())
}

func TestSubmit_IncompatibleRequestsWait(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.submit(t, "A", "r1", 2, "array")
	assert.Equal(t, SubmitQueued, h.submit(t, "B", "r2", 3, "array").Status)
	assert.Equal(t, SubmitQueued, h.submit(t, "C", "r3", 2, "Array").Status)
	assert.Equal(t, 3, h.store.Len())
	assert.Empty(t, h.outcomes(t, "A"))
}

func TestSubmit_RejectsSecondPendingRequest(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.submit(t, "A", "r1", 2, "array")
	res := h.submit(t, "A", "r2", 4, "graph")
	assert.Equal(t, SubmitRejected, res.Status)

	out := h.outcomes(t, "A")
	require.Len(t, out, 1)
	assert.Equal(t, models.OutcomeRejected, out[0].Status)
	assert.Equal(t, models.RejectReasonAlreadyPending, out[0].Reason)
	assert.Equal(t, "r2", out[0].RequestID)

	stored, err := h.store.Get(context.Background(), "A")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "r1", stored.RequestID)
	assert.Equal(t, 1, h.sup.Armed())
}

func TestSubmit_RedeliveryOfPendingRequestIsIgnored(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.submit(t, "A", "r1", 2, "array")
	res := h.submit(t, "A", "r1", 2, "array")
	assert.Equal(t, SubmitRedelivered, res.Status)
	assert.Empty(t, h.outcomes(t, "A"))
	assert.Equal(t, 1, h.store.Len())
}

func TestSubmit_DedupSkipsProcessedSubmission(t *testing.T) {
	h := newHarness(t, DefaultConfig(), WithDedup(store.NewMemoryDedup()))

	h.submit(t, "A", "r1", 2, "array")
	h.submit(t, "B", "r2", 2, "array")
	require.Len(t, h.outcomes(t, "A"), 1)

	// The broker redelivers A's original submission after it was matched.
	res := h.submit(t, "A", "r1", 2, "array")
	assert.Equal(t, SubmitRedelivered, res.Status)
	assert.Equal(t, 0, h.store.Len())
	assert.Len(t, h.outcomes(t, "A"), 1)
}

func TestSubmit_GeneratesRequestID(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	res := h.submit(t, "A", "", 1, "dp")
	assert.NotEmpty(t, res.RequestID)
}

func TestSubmit_InvalidMessages(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	noReply := submitMsg("A", "r1", 2, "array")
	noReply.ReplyTo = ""
	_, err := h.engine.Submit(ctx, noReply)
	assert.ErrorIs(t, err, models.ErrMalformedMessage)

	tooHard := submitMsg("A", "r1", 9, "array")
	_, err = h.engine.Submit(ctx, tooHard)
	assert.ErrorIs(t, err, models.ErrMalformedMessage)

	noDifficulty := submitMsg("A", "r1", 1, "array")
	noDifficulty.Difficulty = nil
	_, err = h.engine.Submit(ctx, noDifficulty)
	assert.ErrorIs(t, err, models.ErrMalformedMessage)

	assert.Equal(t, 0, h.store.Len())
}

func TestCancel(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	h.submit(t, "A", "r1", 2, "array")

	// Attributes that do not match the pending request are a no-op.
	require.NoError(t, h.engine.Cancel(ctx, cancelMsg("A", 2, "graph")))
	assert.Equal(t, 1, h.store.Len())
	assert.Empty(t, h.outcomes(t, "A"))

	require.NoError(t, h.engine.Cancel(ctx, cancelMsg("A", 2, "array")))
	out := h.outcomes(t, "A")
	require.Len(t, out, 1)
	assert.Equal(t, models.OutcomeCancelled, out[0].Status)
	assert.Equal(t, "r1", out[0].RequestID)
	assert.Equal(t, 0, h.store.Len())
	assert.Equal(t, 0, h.sup.Armed())

	// Cancelling again, or cancelling something never submitted, is silent.
	require.NoError(t, h.engine.Cancel(ctx, cancelMsg("A", 2, "array")))
	require.NoError(t, h.engine.Cancel(ctx, cancelMsg("Z", 0, "array")))
	assert.Len(t, h.outcomes(t, "A"), 1)
	assert.Empty(t, h.outcomes(t, "Z"))
}

func TestCancel_AfterMatchIsNoop(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.submit(t, "A", "r1", 2, "array")
	h.submit(t, "B", "r2", 2, "array")
	require.NoError(t, h.engine.Cancel(context.Background(), cancelMsg("A", 2, "array")))

	out := h.outcomes(t, "A")
	require.Len(t, out, 1)
	assert.Equal(t, models.OutcomeMatched, out[0].Status)
}

func TestExpire_ByTimer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)

	h.submit(t, "A", "r1", 2, "array")
	require.Eventually(t, func() bool { return len(h.tr.Replies(replyTo("A"))) == 1 }, 2*time.Second, 5*time.Millisecond)

	out := h.outcomes(t, "A")
	assert.Equal(t, models.OutcomeExpired, out[0].Status)
	assert.Equal(t, "r1", out[0].RequestID)
	assert.Equal(t, 0, h.store.Len())
	assert.Equal(t, 0, h.sup.Armed())
}

func TestExpire_StaleDeadlineDoesNotTouchNewSubmission(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	h.submit(t, "A", "r1", 2, "array")
	require.NoError(t, h.engine.Cancel(ctx, cancelMsg("A", 2, "array")))
	h.submit(t, "A", "r2", 2, "array")

	stale := store.RemoveKey{RequesterID: "A", RequestID: "r1", Difficulty: 2, Category: "array"}
	require.NoError(t, h.engine.Expire(ctx, stale))

	stored, err := h.store.Get(ctx, "A")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "r2", stored.RequestID)

	out := h.outcomes(t, "A")
	require.Len(t, out, 1)
	assert.Equal(t, models.OutcomeCancelled, out[0].Status)
}

func TestConcurrentSubmissionsMatchAtMostOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.Submit(ctx, submitMsg(fmt.Sprintf("user-%d", i), fmt.Sprintf("req-%d", i), 3, "tree"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Anything the immediate path left behind is paired by the sweep.
	_, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, h.store.Len())

	partners := make(map[string]string)
	matchIDs := make(map[string]string)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("user-%d", i)
		out := h.outcomes(t, id)
		require.Len(t, out, 1, "requester %s", id)
		require.Equal(t, models.OutcomeMatched, out[0].Status)
		assert.NotEqual(t, id, out[0].PartnerID)
		partners[id] = out[0].PartnerID
		matchIDs[id] = out[0].MatchID
	}
	for id, partner := range partners {
		assert.Equal(t, id, partners[partner], "pairing must be symmetric")
		assert.Equal(t, matchIDs[id], matchIDs[partner])
	}
}

func TestConcurrentSweepAndSubmit(t *testing.T) {
	const (
		rounds     = 20
		sweepers   = 3
		requesters = 40
	)
	for round := 0; round < rounds; round++ {
		h := newHarness(t, DefaultConfig())
		ctx := context.Background()

		stop := make(chan struct{})
		var sweepWG sync.WaitGroup
		for i := 0; i < sweepers; i++ {
			sweepWG.Add(1)
			go func() {
				defer sweepWG.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					_, err := h.engine.Sweep(ctx)
					assert.NoError(t, err)
				}
			}()
		}

		var wg sync.WaitGroup
		for i := 0; i < requesters; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				category := []string{"array", "graph"}[i%2]
				_, err := h.engine.Submit(ctx, submitMsg(fmt.Sprintf("user-%d", i), fmt.Sprintf("req-%d", i), 1, category))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()
		close(stop)
		sweepWG.Wait()

		// Released requests are back in the store; one quiet sweep pairs them.
		_, err := h.engine.Sweep(ctx)
		require.NoError(t, err)
		require.Equal(t, 0, h.store.Len(), "round %d: requests stranded", round)

		for i := 0; i < requesters; i++ {
			id := fmt.Sprintf("user-%d", i)
			out := h.outcomes(t, id)
			require.Len(t, out, 1, "round %d: requester %s", round, id)
			assert.Equal(t, models.OutcomeMatched, out[0].Status)
			assert.NotEqual(t, id, out[0].PartnerID)
		}
	}
}

func TestConcurrentSweepAndCancel(t *testing.T) {
	const rounds, sweepers, requesters = 30, 3, 5
	for round := 0; round < rounds; round++ {
		h := newHarness(t, DefaultConfig())
		ctx := context.Background()
		deadline := time.Now().Add(time.Minute)
		for i := 0; i < 2*requesters; i++ {
			require.NoError(t, h.store.Insert(ctx, storedRequest(fmt.Sprintf("u%d", i), 3, "tree", deadline)))
		}

		var wg sync.WaitGroup
		for s := 0; s < sweepers; s++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.engine.Sweep(ctx)
				assert.NoError(t, err)
			}()
		}
		for i := 0; i < 2*requesters; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, h.engine.Cancel(ctx, cancelMsg(fmt.Sprintf("u%d", i), 3, "tree")))
			}(i)
		}
		wg.Wait()

		// Every requester cancelled, so nothing may be left waiting.
		assert.Equal(t, 0, h.store.Len(), "round %d", round)
		for i := 0; i < 2*requesters; i++ {
			out := h.outcomes(t, fmt.Sprintf("u%d", i))
			require.Len(t, out, 1, "round %d requester u%d", round, i)
			assert.Contains(t, []models.OutcomeStatus{models.OutcomeMatched, models.OutcomeCancelled}, out[0].Status)
		}
	}
}

func TestConcurrentCancelAndMatch(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t, DefaultConfig())
		ctx := context.Background()
		h.submit(t, "A", "r1", 2, "array")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.engine.Cancel(ctx, cancelMsg("A", 2, "array")))
		}()
		var res SubmitResult
		go func() {
			defer wg.Done()
			var err error
			res, err = h.engine.Submit(ctx, submitMsg("B", "r2", 2, "array"))
			assert.NoError(t, err)
		}()
		wg.Wait()

		out := h.outcomes(t, "A")
		require.Len(t, out, 1)
		switch out[0].Status {
		case models.OutcomeCancelled:
			assert.Equal(t, SubmitQueued, res.Status)
			assert.Equal(t, 1, h.store.Len())
		case models.OutcomeMatched:
			assert.Equal(t, SubmitMatched, res.Status)
			assert.Equal(t, "B", out[0].PartnerID)
			assert.Equal(t, 0, h.store.Len())
		default:
			t.Fatalf("unexpected outcome %s", out[0].Status)
		}
	}
}

func TestConcurrentExpireAndCancel(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t, DefaultConfig())
		ctx := context.Background()
		h.submit(t, "A", "r1", 2, "array")
		key := store.RemoveKey{RequesterID: "A", RequestID: "r1", Difficulty: 2, Category: "array"}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.engine.Expire(ctx, key))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, h.engine.Cancel(ctx, cancelMsg("A", 2, "array")))
		}()
		wg.Wait()

		out := h.outcomes(t, "A")
		require.Len(t, out, 1)
		assert.Contains(t, []models.OutcomeStatus{models.OutcomeExpired, models.OutcomeCancelled}, out[0].Status)
	}
}

func TestRecover(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"A", "B"} {
		require.NoError(t, h.store.Insert(ctx, models.MatchRequest{
			RequesterID: id, RequestID: "r-" + id, Difficulty: 1, Category: fmt.Sprintf("c-%s", id),
			ReplyTo: replyTo(id), State: models.StatePending, CreatedAt: now, ExpiresAt: now.Add(time.Minute),
		}))
	}
	n, err := h.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, h.sup.Armed())
}

// flakyStore fails the first failures RemoveIfPending calls with a transient error.
type flakyStore struct {
	*store.InMemoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) RemoveIfPending(ctx context.Context, key store.RemoveKey) (*models.MatchRequest, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, fmt.Errorf("remove: %w", models.ErrStoreUnavailable)
	}
	s.mu.Unlock()
	return s.InMemoryStore.RemoveIfPending(ctx, key)
}

func TestStoreErrorsAreRetried(t *testing.T) {
	st := &flakyStore{InMemoryStore: store.NewInMemoryStore()}
	tr := transport.NewMemoryTransport()
	sup := NewTimerSupervisor()
	t.Cleanup(sup.Stop)
	cfg := DefaultConfig()
	cfg.StoreRetryBase = time.Millisecond
	e := New(st, sup, NewDispatcher(tr, nil), cfg)
	ctx := context.Background()

	_, err := e.Submit(ctx, submitMsg("A", "r1", 2, "array"))
	require.NoError(t, err)

	st.failures = 2
	require.NoError(t, e.Cancel(ctx, cancelMsg("A", 2, "array")))
	assert.Len(t, tr.Replies(replyTo("A")), 1)

	_, err = e.Submit(ctx, submitMsg("A", "r2", 2, "array"))
	require.NoError(t, err)
	st.failures = 10
	err = e.Cancel(ctx, cancelMsg("A", 2, "array"))
	assert.True(t, errors.Is(err, models.ErrStoreUnavailable))
	assert.False(t, transport.IsPermanent(err))
}
