package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"storefront/internal/events"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ErrNoBus is returned when a publisher has no bus configured.
var ErrNoBus = errors.New("event bus not configured")

// Publisher builds envelopes for domain mutations and appends them to the bus.
// Publishing is best-effort: callers have already committed their own state.
type Publisher struct {
	client   Client
	stream   string
	producer string
	now      func() time.Time
	log      *slog.Logger
}

// NewPublisher constructs a Publisher. A nil client turns every publish into
// a logged no-op.
func NewPublisher(client Client, defaultStream, producer string, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	if defaultStream == "" {
		defaultStream = "events"
	}
	return &Publisher{
		client:   client,
		stream:   defaultStream,
		producer: producer,
		now:      time.Now,
		log:      log,
	}
}

// Publish appends one event. stream overrides the default stream when set.
// An invalid event is returned as is, wrapping events.ErrMalformed; any
// other failure is logged and returned as *PublishError.
func (p *Publisher) Publish(ctx context.Context, aggregateType, aggregateID string, data events.Data, stream string) (string, error) {
	if stream == "" {
		stream = p.stream
	}
	if p.client == nil {
		p.log.Warn("publish_skipped", slog.String("stream", stream), slog.String("event_type", data.EventType()))
		return "", &PublishError{Stream: stream, Err: ErrNoBus}
	}

	env := events.New(stream, aggregateType, aggregateID, p.producer, data, p.now())
	id, err := p.client.Publish(ctx, stream, env)
	if errors.Is(err, events.ErrMalformed) {
		p.log.Error("publish_rejected",
			slog.String("stream", stream),
			slog.String("event_type", env.EventType),
			slog.String("err", err.Error()),
		)
		return "", err
	}
	if err != nil {
		p.log.Warn("publish_failed",
			slog.String("stream", stream),
			slog.String("event_type", env.EventType),
			slog.String("event_id", env.EventID),
			slog.String("err", err.Error()),
		)
		var pubErr *PublishError
		if errors.As(err, &pubErr) {
			return "", pubErr
		}
		return "", &PublishError{Stream: stream, Err: err}
	}
	p.log.Debug("event_published",
		slog.String("stream", stream),
		slog.String("event_type", env.EventType),
		slog.String("message_id", id),
	)
	return id, nil
}

// TryPublish is Publish for callers that ignore bus outages.
func (p *Publisher) TryPublish(ctx context.Context, aggregateType, aggregateID string, data events.Data, stream string) (string, bool) {
	id, err := p.Publish(ctx, aggregateType, aggregateID, data, stream)
	return id, err == nil
}

// ProducerInstance names the running process for envelope diagnostics.
func ProducerInstance(service string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s-%d-%s", service, host, os.Getpid(), gonanoid.Must(6))
}
