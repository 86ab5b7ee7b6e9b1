// Package transport moves PeerMatch messages over a message broker.
//
// Consumers acknowledge a message only after its handler returns nil or a
// permanent error, so a crash between receipt and processing leads to
// redelivery instead of loss.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/PeerMatch/internal/models"
)

// Default queue names.
const (
	DefaultRequestQueue = "peermatch.requests"
	DefaultCancelQueue  = "peermatch.cancellations"
	DefaultReplyQueue   = "peermatch.replies"
)

// Queues names the topics a deployment uses.
type Queues struct {
	Requests      string `yaml:"requests"`
	Cancellations string `yaml:"cancellations"`
	Replies       string `yaml:"replies"`
}

// DefaultQueues returns the default topic names.
func DefaultQueues() Queues {
	return Queues{
		Requests:      DefaultRequestQueue,
		Cancellations: DefaultCancelQueue,
		Replies:       DefaultReplyQueue,
	}
}

// All lists the queues in declaration order.
func (q Queues) All() []string {
	return []string{q.Requests, q.Cancellations, q.Replies}
}

// Message is one broker message.
type Message struct {
	// ID identifies the message across redeliveries.
	ID string
	// Key routes the message; for replies it selects the client.
	Key string
	// ReplyTo is the address outcomes for this message go to.
	ReplyTo string
	Body    []byte
	Time    time.Time
}

// Handler processes one consumed message. Returning nil or an error wrapping
// models.ErrMalformedMessage acknowledges the message; any other error causes
// redelivery.
type Handler func(ctx context.Context, msg Message) error

// Transport is the broker adapter used by the engine.
type Transport interface {
	// Declare creates the queues if they do not exist.
	Declare(ctx context.Context) error
	// Publish sends msg to a named queue.
	Publish(ctx context.Context, queue string, msg Message) error
	// Consume delivers messages from queue to h until ctx is cancelled.
	Consume(ctx context.Context, queue string, h Handler) error
	// Reply delivers msg to a reply address.
	Reply(ctx context.Context, replyTo string, msg Message) error
	// Close releases broker connections.
	Close() error
}

// ReplyWaiter is implemented by transports that let a client read its own
// reply address.
type ReplyWaiter interface {
	// Await returns the first reply delivered to replyTo at or after since.
	Await(ctx context.Context, replyTo string, since time.Time) (Message, error)
}

// IsPermanent reports whether err should acknowledge the message instead of
// triggering redelivery.
func IsPermanent(err error) bool {
	return errors.Is(err, models.ErrMalformedMessage)
}

// ReplyAddress builds a "<topic>/<key>" reply address.
func ReplyAddress(topic, key string) string {
	return topic + "/" + key
}

// ParseReplyAddress splits a "<topic>/<key>" reply address.
func ParseReplyAddress(addr string) (topic, key string, err error) {
	topic, key, ok := strings.Cut(addr, "/")
	if !ok || topic == "" || key == "" {
		return "", "", fmt.Errorf("%w: invalid reply address %q", models.ErrMalformedMessage, addr)
	}
	return topic, key, nil
}

// Backoff returns the delay before retry attempt n (starting at 0),
// doubling from base and capped at limit.
func Backoff(n int, base, limit time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 30 {
		return limit
	}
	d := base << n
	if d <= 0 || d > limit {
		return limit
	}
	return d
}

// sleep waits for d or until ctx is done. It reports whether the full delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
