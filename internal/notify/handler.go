package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"storefront/internal/bus"
	"storefront/internal/events"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink delivers an encoded notification. *realtime.Hub satisfies it.
type Sink interface {
	Publish(ctx context.Context, msg []byte) error
}

// Notification is the JSON document pushed to subscribers.
type Notification struct {
	MessageID     string      `json:"message_id"`
	EventID       string      `json:"event_id"`
	EventType     string      `json:"event_type"`
	Stream        string      `json:"stream"`
	AggregateType string      `json:"aggregate_type"`
	AggregateID   string      `json:"aggregate_id"`
	OccurredAt    time.Time   `json:"occurred_at"`
	Data          events.Data `json:"data"`
}

// Metrics counts handled notifications by outcome.
type Metrics struct {
	processed *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		processed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "notify_processed_total", Help: "Notification consumer outcomes."},
			[]string{"event_type", "status"},
		),
	}
	reg.MustRegister(m.processed)
	return m
}

func (m *Metrics) inc(eventType, status string) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(eventType, status).Inc()
}

// Handler is the notification consumer group handler. Each message id results
// in at most one delivered notification per group.
type Handler struct {
	group   string
	dedup   Deduper
	sink    Sink
	metrics *Metrics
	log     *slog.Logger
	types   map[string]bool
}

type Option func(*Handler)

func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithEventTypes limits notifications to the listed event types.
func WithEventTypes(types ...string) Option {
	return func(h *Handler) {
		if len(types) == 0 {
			return
		}
		h.types = make(map[string]bool, len(types))
		for _, t := range types {
			h.types[t] = true
		}
	}
}

func NewHandler(group string, dedup Deduper, sink Sink, opts ...Option) *Handler {
	h := &Handler{
		group: group,
		dedup: dedup,
		sink:  sink,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) wants(data events.Data) bool {
	if data == nil {
		return false
	}
	if _, opaque := data.(events.Opaque); opaque {
		return false
	}
	if h.types == nil {
		return true
	}
	return h.types[data.EventType()]
}

// Handle claims the message id, then delivers. A failed delivery releases the
// claim and returns the error so the message is redelivered.
func (h *Handler) Handle(ctx context.Context, msg bus.Message) error {
	env := msg.Envelope
	if !h.wants(env.Data) {
		return nil
	}
	eventType := env.Data.EventType()
	stream := msg.Stream
	if stream == "" {
		stream = env.Stream
	}

	claimed, err := h.dedup.Claim(ctx, h.group, stream, msg.ID)
	if err != nil {
		h.metrics.inc(eventType, "error")
		return err
	}
	if !claimed {
		h.metrics.inc(eventType, "duplicate")
		h.log.Info("notification_skip_duplicate",
			slog.String("message_id", msg.ID),
			slog.String("stream", stream),
			slog.String("event_type", eventType),
		)
		return nil
	}

	body, err := json.Marshal(Notification{
		MessageID:     msg.ID,
		EventID:       env.EventID,
		EventType:     eventType,
		Stream:        stream,
		AggregateType: env.AggregateType,
		AggregateID:   env.AggregateID,
		OccurredAt:    env.OccurredAt,
		Data:          env.Data,
	})
	if err == nil {
		err = h.sink.Publish(ctx, body)
	}
	if err != nil {
		h.metrics.inc(eventType, "error")
		if relErr := h.dedup.Release(ctx, h.group, stream, msg.ID); relErr != nil {
			h.log.Warn("notification_release_failed", slog.String("message_id", msg.ID), slog.String("err", relErr.Error()))
		}
		return fmt.Errorf("deliver notification %s: %w", msg.ID, err)
	}

	h.metrics.inc(eventType, "ok")
	h.log.Info("notification_sent",
		slog.String("message_id", msg.ID),
		slog.String("event_type", eventType),
		slog.String("aggregate_id", env.AggregateID),
	)
	return nil
}
