package bus

import (
	"context"
	"fmt"
	"time"

	"storefront/internal/events"
)

// Message is one delivery of an envelope. ID is the bus-assigned message id
// and the idempotency key for consumers. Err is set when the stored payload
// could not be decoded; Envelope is then zero.
type Message struct {
	ID       string
	Stream   string
	Envelope events.Envelope
	Raw      map[string]any
	Err      error
}

// ReadArgs selects what ReadGroup claims.
type ReadArgs struct {
	Streams  []string
	Group    string
	Consumer string
	Count    int64
	Block    time.Duration
}

// ClaimArgs selects pending messages to take over from idle consumers.
type ClaimArgs struct {
	Stream   string
	Group    string
	Consumer string
	MinIdle  time.Duration
	Count    int64
}

// Client is the append/consume contract of the event bus.
type Client interface {
	Publish(ctx context.Context, stream string, env events.Envelope) (string, error)
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, args ReadArgs) ([]Message, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	ClaimIdle(ctx context.Context, args ClaimArgs) ([]Message, error)
}

// PublishError reports that an append did not reach the bus.
type PublishError struct {
	Stream string
	Err    error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Stream, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
