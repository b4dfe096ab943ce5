package readmodel

import (
	"context"
	"errors"
	"fmt"

	"storefront/internal/events"
	"storefront/internal/eventstore"
)

// ErrUnknownAggregate is returned for aggregate types without a projection.
var ErrUnknownAggregate = errors.New("no projection for aggregate type")

// Projection is a read model folded from an aggregate's history. Apply must
// not mutate the receiver; it returns the next state.
type Projection interface {
	Apply(data events.Data) Projection
	// Found is false while the projection is still all defaults.
	Found() bool
}

// Fold applies history to state in order. It is a pure function of its inputs.
func Fold(state Projection, history []eventstore.StoredEvent) (Projection, error) {
	for _, ev := range history {
		data, err := ev.Payload()
		if err != nil {
			return nil, fmt.Errorf("event %s (%s): %w", ev.EventID, ev.MessageID, err)
		}
		state = state.Apply(data)
	}
	return state, nil
}

// Replayer rebuilds projections from the event store.
type Replayer struct {
	store       eventstore.Store
	projections map[string]func() Projection
}

// NewReplayer registers the Cart and Order projections.
func NewReplayer(store eventstore.Store) *Replayer {
	r := &Replayer{store: store, projections: make(map[string]func() Projection)}
	r.Register(events.AggregateCart, func() Projection { return NewCart() })
	r.Register(events.AggregateOrder, func() Projection { return NewOrder() })
	return r
}

// Register adds or replaces the initial state for an aggregate type.
func (r *Replayer) Register(aggregateType string, initial func() Projection) {
	r.projections[aggregateType] = initial
}

// Replay folds the aggregate's full history. The bool is false when nothing
// about the aggregate is known, in which case the projection is nil.
func (r *Replayer) Replay(ctx context.Context, aggregateType, aggregateID string) (Projection, bool, error) {
	initial, ok := r.projections[aggregateType]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownAggregate, aggregateType)
	}
	history, err := r.store.EventsFor(ctx, aggregateType, aggregateID)
	if err != nil {
		return nil, false, fmt.Errorf("load %s/%s: %w", aggregateType, aggregateID, err)
	}
	state, err := Fold(initial(), history)
	if err != nil {
		return nil, false, err
	}
	if !state.Found() {
		return nil, false, nil
	}
	return state, true, nil
}
