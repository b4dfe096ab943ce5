package eventstore

import (
	"context"
	"fmt"
	"log/slog"

	"storefront/internal/bus"
)

// Writer is the event-store consumer group handler.
type Writer struct {
	store Store
	log   *slog.Logger
}

// NewWriter constructs a handler appending every delivered event to store.
func NewWriter(store Store, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{store: store, log: log}
}

// Handle appends the message. Redelivery of a stored message id is a success.
func (w *Writer) Handle(ctx context.Context, msg bus.Message) error {
	row, created, err := w.store.AppendIfNew(ctx, msg.ID, msg.Envelope)
	if err != nil {
		return fmt.Errorf("append %s: %w", msg.ID, err)
	}
	if !created {
		w.log.Info("event_duplicate",
			slog.String("message_id", msg.ID),
			slog.String("event_id", row.EventID),
		)
		return nil
	}
	w.log.Debug("event_stored",
		slog.String("message_id", msg.ID),
		slog.String("event_type", row.EventType),
		slog.String("aggregate", row.AggregateType+"/"+row.AggregateID),
	)
	return nil
}
