package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/PeerMatch/internal/metrics"
	"github.com/BTreeMap/PeerMatch/internal/models"
	"github.com/BTreeMap/PeerMatch/internal/store"
	"github.com/BTreeMap/PeerMatch/internal/transport"
	"github.com/google/uuid"
)

// outboxKindOutcome is the outbox kind used for parked outcome replies.
const outboxKindOutcome = "outcome"

// Delivery paths recorded by metrics.OutcomesTotal.
const (
	deliveryDirect  = "direct"
	deliveryOutbox  = "outbox"
	deliveryDropped = "dropped"
)

// Dispatcher delivers outcomes on a request's reply address. Delivery is best
// effort: a failed reply is parked in the outbox when one is configured and
// dropped otherwise. It never reports an error back to the engine, because
// the request has already left the store by the time an outcome exists.
type Dispatcher struct {
	transport transport.Transport
	outbox    store.OutboxRepo
}

// NewDispatcher creates a Dispatcher. outbox may be nil.
func NewDispatcher(t transport.Transport, outbox store.OutboxRepo) *Dispatcher {
	return &Dispatcher{transport: t, outbox: outbox}
}

// Dispatch sends o to replyTo.
func (d *Dispatcher) Dispatch(ctx context.Context, replyTo string, o models.Outcome) {
	log := slog.With("replyTo", replyTo, "status", o.Status, "requestID", o.RequestID)
	if replyTo == "" {
		log.Warn("Dispatcher.Dispatch: no reply address, outcome dropped")
		metrics.OutcomesTotal.WithLabelValues(string(o.Status), deliveryDropped).Inc()
		return
	}

	body, err := json.Marshal(o)
	if err != nil {
		log.Error("Dispatcher.Dispatch: marshal failed", "error", err)
		metrics.OutcomesTotal.WithLabelValues(string(o.Status), deliveryDropped).Inc()
		return
	}

	err = d.transport.Reply(ctx, replyTo, transport.Message{ID: uuid.NewString(), Body: body})
	if err == nil {
		log.Debug("Dispatcher.Dispatch: delivered")
		metrics.OutcomesTotal.WithLabelValues(string(o.Status), deliveryDirect).Inc()
		return
	}

	if d.outbox == nil {
		log.Warn("Dispatcher.Dispatch: reply failed, outcome dropped", "error", err)
		metrics.OutcomesTotal.WithLabelValues(string(o.Status), deliveryDropped).Inc()
		return
	}

	dedupeKey := o.RequestID + ":" + string(o.Status)
	id, oerr := d.outbox.EnqueueOutboxMessage(ctx, replyTo, outboxKindOutcome, string(body), dedupeKey)
	if oerr != nil {
		log.Error("Dispatcher.Dispatch: reply failed and outbox unavailable, outcome dropped", "error", err, "outboxError", oerr)
		metrics.OutcomesTotal.WithLabelValues(string(o.Status), deliveryDropped).Inc()
		return
	}
	log.Warn("Dispatcher.Dispatch: reply failed, parked in outbox", "error", err, "outboxID", id)
	metrics.OutcomesTotal.WithLabelValues(string(o.Status), deliveryOutbox).Inc()
}

// SendOutboxMessage re-sends a parked outcome. It is the store.OutboxSendFunc
// of the outbox sender.
func (d *Dispatcher) SendOutboxMessage(ctx context.Context, msg store.OutboxMessage) error {
	if msg.Kind != outboxKindOutcome {
		return fmt.Errorf("unknown outbox kind %q", msg.Kind)
	}
	if err := d.transport.Reply(ctx, msg.ReplyTo, transport.Message{ID: msg.ID, Body: []byte(msg.PayloadJSON)}); err != nil {
		return err
	}
	slog.Debug("Dispatcher.SendOutboxMessage: delivered", "outboxID", msg.ID, "replyTo", msg.ReplyTo)
	return nil
}
