package saga

import (
	"context"
	"log/slog"

	"storefront/internal/bus"
	"storefront/internal/events"
)

// Listener is the saga consumer group handler. OrderCreated without a saga id
// starts a saga; PaymentFailed may compensate a stalled one.
type Listener struct {
	orch *Orchestrator
	log  *slog.Logger
}

func NewListener(orch *Orchestrator, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{orch: orch, log: log}
}

// IDFor derives the saga id from the triggering event, so redelivery of the
// same event always maps to the same saga.
func IDFor(env events.Envelope) string {
	return TypeOrderProcessing + "-" + env.EventID
}

// Handle returns an error only when the outcome could not be recorded; a
// saga that ends FAILED or COMPENSATED is a handled message.
func (l *Listener) Handle(ctx context.Context, msg bus.Message) error {
	switch d := msg.Envelope.Data.(type) {
	case events.OrderCreated:
		if d.SagaID != "" {
			// Echo of our own CREATE_ORDER step.
			return nil
		}
		inst, err := l.orch.Start(ctx, IDFor(msg.Envelope), PayloadFrom(msg.Envelope.EventID, d))
		if err != nil {
			return err
		}
		l.log.Debug("saga_trigger_handled",
			slog.String("message_id", msg.ID),
			slog.String("saga_id", inst.ID),
			slog.String("state", string(inst.State)),
		)
		return nil
	case events.PaymentFailed:
		return l.orch.HandlePaymentFailed(ctx, d.SagaID, d.Reason)
	default:
		return nil
	}
}

// PayloadFrom copies the order request out of a triggering event.
func PayloadFrom(eventID string, d events.OrderCreated) OrderPayload {
	return OrderPayload{
		SourceEventID: eventID,
		SourceOrderID: d.OrderID,
		CustomerID:    d.CustomerID,
		StoreID:       d.StoreID,
		Items:         append([]events.LineItem(nil), d.Items...),
		TotalAmount:   d.TotalAmount,
		PaymentMethod: d.PaymentMethod,
	}
}
