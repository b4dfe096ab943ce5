package eventsdb

import (
	"context"
	"database/sql"
	"encoding/json"

	"storefront/internal/bus"
)

// DeadLetterStore records poison messages for later inspection.
type DeadLetterStore struct {
	db *sql.DB
}

// NewDeadLetterStore constructs a DeadLetterStore backed by Postgres.
func NewDeadLetterStore(db *sql.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

// NewDeadLetterStoreWithSchema initializes the schema then returns the store.
func NewDeadLetterStoreWithSchema(ctx context.Context, db *sql.DB) (*DeadLetterStore, error) {
	store := NewDeadLetterStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the dead_letter_events table if it does not exist.
func (s *DeadLetterStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS dead_letter_events (
			id BIGSERIAL PRIMARY KEY,
			consumer_group TEXT NOT NULL,
			stream TEXT NOT NULL,
			message_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			fields TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (consumer_group, stream, message_id)
		)
	`)
	return err
}

// Record stores the raw fields of msg. Recording the same message twice for
// a group keeps the first row.
func (s *DeadLetterStore) Record(ctx context.Context, group string, msg bus.Message, reason error) error {
	fields, err := json.Marshal(msg.Raw)
	if err != nil {
		fields = []byte(`{}`)
	}
	text := "unknown"
	if reason != nil {
		text = reason.Error()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letter_events (consumer_group, stream, message_id, reason, fields)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (consumer_group, stream, message_id) DO NOTHING`,
		group, msg.Stream, msg.ID, text, string(fields),
	)
	return err
}
