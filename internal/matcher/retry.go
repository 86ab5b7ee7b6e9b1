package matcher

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BTreeMap/PeerMatch/internal/models"
	"github.com/BTreeMap/PeerMatch/internal/transport"
)

// withRetry runs fn and retries it while it fails with a transient store
// error. Any other error, or success, is returned immediately.
func withRetry[T any](ctx context.Context, e *Engine, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		if err == nil || !errors.Is(err, models.ErrStoreUnavailable) || attempt >= e.cfg.StoreRetries {
			return v, err
		}
		delay := transport.Backoff(attempt, e.cfg.StoreRetryBase, 16*e.cfg.StoreRetryBase)
		slog.Warn("Engine.withRetry: transient store error", "op", op, "attempt", attempt+1, "delay", delay, "error", err)
		if err := sleepCtx(ctx, delay); err != nil {
			return zero, err
		}
	}
}
