// Package store provides the OutboxSender that redelivers parked outcomes.
package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc delivers one parked reply.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender claims due outbox messages and hands them to a send function.
// A reply that exhausts DefaultOutboxMaxAttempts stays in the table as failed.
type OutboxSender struct {
	repo           OutboxRepo
	send           OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	retry          RetryPolicy
}

// NewOutboxSender creates a sender polling every pollInterval (1s if unset)
// with ReplyRetryPolicy backoff.
func NewOutboxSender(repo OutboxRepo, send OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &OutboxSender{
		repo:           repo,
		send:           send,
		pollInterval:   pollInterval,
		staleThreshold: time.Minute,
		claimLimit:     50,
		retry:          ReplyRetryPolicy,
	}
}

// RecoverStaleMessages requeues replies left in sending by a crashed process.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	n, err := s.repo.RequeueStaleSendingMessages(ctx, time.Now().Add(-s.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) error {
	slog.Info("OutboxSender.Run: starting", "pollInterval", s.pollInterval)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return nil
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll claims one batch of due replies and tries each once. It returns how
// many were delivered.
func (s *OutboxSender) Poll(ctx context.Context) int {
	now := time.Now()
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return 0
	}

	delivered := 0
	for _, msg := range msgs {
		age := now.Sub(msg.CreatedAt)
		if err := s.send(ctx, msg); err != nil {
			s.fail(ctx, msg, err, age)
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
			slog.Error("OutboxSender.Poll: mark sent failed", "id", msg.ID, "error", err)
			continue
		}
		delivered++
		slog.Debug("OutboxSender.Poll: outcome delivered", "id", msg.ID, "replyTo", msg.ReplyTo, "key", msg.DedupeKey, "age", age)
	}
	return delivered
}

func (s *OutboxSender) fail(ctx context.Context, msg OutboxMessage, cause error, age time.Duration) {
	next := time.Now().Add(s.retry.Delay(msg.Attempts))
	if err := s.repo.FailOutboxMessage(ctx, msg.ID, cause.Error(), next); err != nil {
		slog.Error("OutboxSender.Poll: fail update failed", "id", msg.ID, "error", err)
		return
	}
	if msg.Attempts+1 >= DefaultOutboxMaxAttempts {
		slog.Error("OutboxSender.Poll: outcome undeliverable", "id", msg.ID, "replyTo", msg.ReplyTo, "key", msg.DedupeKey, "age", age, "error", cause)
		return
	}
	slog.Warn("OutboxSender.Poll: delivery failed, retrying", "id", msg.ID, "replyTo", msg.ReplyTo, "attempt", msg.Attempts+1, "next", next, "error", cause)
}
