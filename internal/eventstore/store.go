package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"storefront/internal/events"
)

// StoredEvent is one row of the append-only event log.
type StoredEvent struct {
	ID               int64           `json:"id"`
	MessageID        string          `json:"message_id"`
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	Stream           string          `json:"stream"`
	AggregateType    string          `json:"aggregate_type"`
	AggregateID      string          `json:"aggregate_id"`
	ProducerInstance string          `json:"producer_instance"`
	OccurredAt       time.Time       `json:"occurred_at"`
	Data             json.RawMessage `json:"data"`
	ProcessedAt      time.Time       `json:"processed_at"`
}

// FromEnvelope flattens an envelope into a row. ID and ProcessedAt are
// assigned by the store.
func FromEnvelope(messageID string, env events.Envelope) (StoredEvent, error) {
	if messageID == "" {
		return StoredEvent{}, fmt.Errorf("message id is required")
	}
	if err := env.Validate(); err != nil {
		return StoredEvent{}, err
	}
	data, err := json.Marshal(env.Data)
	if err != nil {
		return StoredEvent{}, fmt.Errorf("encode %s data: %w", env.EventType, err)
	}
	return StoredEvent{
		MessageID:        messageID,
		EventID:          env.EventID,
		EventType:        env.EventType,
		Stream:           env.Stream,
		AggregateType:    env.AggregateType,
		AggregateID:      env.AggregateID,
		ProducerInstance: env.ProducerInstance,
		OccurredAt:       env.OccurredAt.UTC(),
		Data:             data,
	}, nil
}

// Payload decodes the stored data back into its typed form.
func (e StoredEvent) Payload() (events.Data, error) {
	return events.DecodeData(e.EventType, e.Data)
}

// Store is the durable event log keyed by aggregate.
type Store interface {
	// AppendIfNew inserts the event unless a row for the same stream and
	// message id exists. The bool reports whether a row was created.
	AppendIfNew(ctx context.Context, messageID string, env events.Envelope) (StoredEvent, bool, error)
	// EventsFor returns an aggregate's history ordered by occurred_at, then
	// insertion order.
	EventsFor(ctx context.Context, aggregateType, aggregateID string) ([]StoredEvent, error)
}

type messageKey struct {
	stream string
	id     string
}

// MemoryStore keeps the log in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	rows      []StoredEvent
	byMessage map[messageKey]int
	now       func() time.Time
}

// NewMemoryStore constructs an empty in-memory event log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byMessage: make(map[messageKey]int), now: time.Now}
}

func (s *MemoryStore) AppendIfNew(_ context.Context, messageID string, env events.Envelope) (StoredEvent, bool, error) {
	row, err := FromEnvelope(messageID, env)
	if err != nil {
		return StoredEvent{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := messageKey{stream: row.Stream, id: messageID}
	if idx, ok := s.byMessage[key]; ok {
		return s.rows[idx], false, nil
	}
	row.ID = int64(len(s.rows) + 1)
	row.ProcessedAt = s.now().UTC()
	s.byMessage[key] = len(s.rows)
	s.rows = append(s.rows, row)
	return row, true, nil
}

func (s *MemoryStore) EventsFor(_ context.Context, aggregateType, aggregateID string) ([]StoredEvent, error) {
	s.mu.RLock()
	var out []StoredEvent
	for _, row := range s.rows {
		if row.AggregateType == aggregateType && row.AggregateID == aggregateID {
			out = append(out, row)
		}
	}
	s.mu.RUnlock()

	SortHistory(out)
	return out, nil
}

// Len reports the number of stored rows.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// SortHistory orders events by occurred_at, breaking ties by row id.
func SortHistory(history []StoredEvent) {
	sort.SliceStable(history, func(i, j int) bool {
		a, b := history[i], history[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.Before(b.OccurredAt)
		}
		return a.ID < b.ID
	})
}
