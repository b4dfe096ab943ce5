package eventsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storefront/internal/events"
	"storefront/internal/eventstore"
)

// EventStore persists the event log in Postgres.
type EventStore struct {
	db *sql.DB
}

// NewEventStore constructs an EventStore backed by Postgres.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// NewEventStoreWithSchema initializes the schema then returns the store.
func NewEventStoreWithSchema(ctx context.Context, db *sql.DB) (*EventStore, error) {
	store := NewEventStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the stored_events table and its aggregate index.
func (s *EventStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS stored_events (
			id BIGSERIAL PRIMARY KEY,
			message_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			stream TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			producer_instance TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL,
			data JSONB NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (stream, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS stored_events_aggregate_idx
			ON stored_events (aggregate_type, aggregate_id, occurred_at, id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// AppendIfNew inserts the event, or returns the existing row when the
// message id was already stored for the stream.
func (s *EventStore) AppendIfNew(ctx context.Context, messageID string, env events.Envelope) (eventstore.StoredEvent, bool, error) {
	row, err := eventstore.FromEnvelope(messageID, env)
	if err != nil {
		return eventstore.StoredEvent{}, false, err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO stored_events (message_id, event_id, event_type, stream, aggregate_type, aggregate_id, producer_instance, occurred_at, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (stream, message_id) DO NOTHING
		RETURNING id, processed_at`,
		row.MessageID, row.EventID, row.EventType, row.Stream, row.AggregateType,
		row.AggregateID, row.ProducerInstance, row.OccurredAt, string(row.Data),
	).Scan(&row.ID, &row.ProcessedAt)
	switch {
	case err == nil:
		row.ProcessedAt = row.ProcessedAt.UTC()
		return row, true, nil
	case errors.Is(err, sql.ErrNoRows):
		existing, err := s.byMessage(ctx, row.Stream, messageID)
		if err != nil {
			return eventstore.StoredEvent{}, false, err
		}
		return existing, false, nil
	default:
		return eventstore.StoredEvent{}, false, fmt.Errorf("insert stored event: %w", err)
	}
}

const selectColumns = `id, message_id, event_id, event_type, stream, aggregate_type, aggregate_id, producer_instance, occurred_at, data, processed_at`

func (s *EventStore) byMessage(ctx context.Context, stream, messageID string) (eventstore.StoredEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM stored_events
		WHERE stream = $1 AND message_id = $2`,
		stream, messageID,
	)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return eventstore.StoredEvent{}, fmt.Errorf("stored event not found after conflict")
	}
	return ev, err
}

// EventsFor returns an aggregate's history in replay order.
func (s *EventStore) EventsFor(ctx context.Context, aggregateType, aggregateID string) ([]eventstore.StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM stored_events
		WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY occurred_at ASC, id ASC`,
		aggregateType, aggregateID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []eventstore.StoredEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (eventstore.StoredEvent, error) {
	var (
		ev   eventstore.StoredEvent
		data []byte
	)
	if err := sc.Scan(
		&ev.ID, &ev.MessageID, &ev.EventID, &ev.EventType, &ev.Stream,
		&ev.AggregateType, &ev.AggregateID, &ev.ProducerInstance,
		&ev.OccurredAt, &data, &ev.ProcessedAt,
	); err != nil {
		return eventstore.StoredEvent{}, err
	}
	ev.Data = data
	ev.OccurredAt = ev.OccurredAt.UTC()
	ev.ProcessedAt = ev.ProcessedAt.UTC()
	return ev, nil
}
