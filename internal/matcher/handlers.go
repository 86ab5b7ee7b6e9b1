package matcher

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BTreeMap/PeerMatch/internal/models"
	"github.com/BTreeMap/PeerMatch/internal/transport"
	"golang.org/x/sync/errgroup"
)

// HandleSubmit is the transport.Handler of the intake queue. The broker
// message id and reply address fill in whatever the payload leaves out.
func (e *Engine) HandleSubmit(ctx context.Context, msg transport.Message) error {
	sub, err := models.DecodeSubmit(msg.Body)
	if err != nil {
		slog.Warn("Engine.HandleSubmit: malformed submission", "id", msg.ID, "error", err)
		return err
	}
	if sub.RequestID == "" {
		sub.RequestID = msg.ID
	}
	if sub.ReplyTo == "" {
		sub.ReplyTo = msg.ReplyTo
	}
	res, err := e.Submit(ctx, sub)
	if err != nil {
		if !transport.IsPermanent(err) {
			slog.Error("Engine.HandleSubmit: submission failed, will be redelivered", "id", msg.ID, "requesterID", sub.RequesterID, "error", err)
		}
		return err
	}
	slog.Debug("Engine.HandleSubmit: done", "id", msg.ID, "status", res.Status)
	return nil
}

// HandleCancel is the transport.Handler of the cancellation queue.
func (e *Engine) HandleCancel(ctx context.Context, msg transport.Message) error {
	c, err := models.DecodeCancel(msg.Body)
	if err != nil {
		slog.Warn("Engine.HandleCancel: malformed cancellation", "id", msg.ID, "error", err)
		return err
	}
	if err := e.Cancel(ctx, c); err != nil {
		slog.Error("Engine.HandleCancel: cancellation failed, will be redelivered", "id", msg.ID, "requesterID", c.RequesterID, "error", err)
		return err
	}
	return nil
}

// Run starts the intake and cancellation consumers, the sweeper and the
// timeout supervisor, and blocks until ctx is cancelled or one of them fails.
func (e *Engine) Run(ctx context.Context, t transport.Transport, queues transport.Queues) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return t.Consume(ctx, queues.Requests, e.HandleSubmit)
	})
	g.Go(func() error {
		return t.Consume(ctx, queues.Cancellations, e.HandleCancel)
	})
	g.Go(func() error {
		return e.RunSweeper(ctx)
	})
	g.Go(func() error {
		return e.supervisor.Run(ctx)
	})
	slog.Info("Engine.Run: started", "requests", queues.Requests, "cancellations", queues.Cancellations)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	slog.Info("Engine.Run: stopped", "error", err)
	return err
}
