// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"context"
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	RequesterID string     `json:"requester_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
// Broker delivery is at-least-once; a message ID recorded here and marked
// processed is skipped when redelivered.
type DedupRepo interface {
	// RecordInbound records a message ID if it is new. It reports whether the
	// message still needs processing: true for a new ID or one that was
	// recorded but never marked processed.
	RecordInbound(ctx context.Context, messageID, requesterID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error

	// PruneDedup deletes records received before olderThan.
	PruneDedup(ctx context.Context, olderThan time.Time) (int, error)
}
