package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/PeerMatch/internal/models"
	"github.com/google/uuid"
)

// Compile-time checks that MemoryTransport implements the transport interfaces.
var (
	_ Transport   = (*MemoryTransport)(nil)
	_ ReplyWaiter = (*MemoryTransport)(nil)
)

const memoryQueueCapacity = 1024

// MemoryTransport is an in-process broker. Queues are buffered channels and
// every reply address has its own mailbox. It is used by tests and by
// single-process deployments started with the memory transport.
type MemoryTransport struct {
	mu              sync.Mutex
	queues          map[string]chan Message
	mailboxes       map[string][]Message
	notify          chan struct{}
	replyErr        error
	redeliveryDelay time.Duration
}

// NewMemoryTransport creates an empty in-process broker.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		queues:          make(map[string]chan Message),
		mailboxes:       make(map[string][]Message),
		notify:          make(chan struct{}),
		redeliveryDelay: 10 * time.Millisecond,
	}
}

func (t *MemoryTransport) queue(name string) chan Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[name]
	if !ok {
		q = make(chan Message, memoryQueueCapacity)
		t.queues[name] = q
	}
	return q
}

// Declare is a no-op; queues are created on first use.
func (t *MemoryTransport) Declare(_ context.Context) error {
	return nil
}

func (t *MemoryTransport) Publish(ctx context.Context, queue string, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	select {
	case t.queue(queue) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *MemoryTransport) Consume(ctx context.Context, queue string, h Handler) error {
	q := t.queue(queue)
	slog.Debug("MemoryTransport.Consume: started", "queue", queue)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-q:
			err := h(ctx, msg)
			if err == nil || IsPermanent(err) {
				if err != nil {
					slog.Warn("MemoryTransport.Consume: dropping message", "queue", queue, "id", msg.ID, "error", err)
				}
				continue
			}
			slog.Warn("MemoryTransport.Consume: handler failed, redelivering", "queue", queue, "id", msg.ID, "error", err)
			go t.redeliver(ctx, q, msg)
		}
	}
}

func (t *MemoryTransport) redeliver(ctx context.Context, q chan Message, msg Message) {
	if !sleep(ctx, t.redeliveryDelay) {
		return
	}
	select {
	case q <- msg:
	case <-ctx.Done():
	}
}

func (t *MemoryTransport) Reply(_ context.Context, replyTo string, msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.replyErr != nil {
		return fmt.Errorf("%w: %v", models.ErrTransportUnavailable, t.replyErr)
	}
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	t.mailboxes[replyTo] = append(t.mailboxes[replyTo], msg)
	close(t.notify)
	t.notify = make(chan struct{})
	return nil
}

// Replies returns a copy of every reply delivered to replyTo.
func (t *MemoryTransport) Replies(replyTo string) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.mailboxes[replyTo]...)
}

// SetReplyError makes every subsequent Reply fail with err until it is reset with nil.
func (t *MemoryTransport) SetReplyError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replyErr = err
}

func (t *MemoryTransport) Await(ctx context.Context, replyTo string, since time.Time) (Message, error) {
	for {
		t.mu.Lock()
		for _, m := range t.mailboxes[replyTo] {
			if !m.Time.Before(since) {
				t.mu.Unlock()
				return m, nil
			}
		}
		wait := t.notify
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-wait:
		}
	}
}

func (t *MemoryTransport) Close() error { return nil }
