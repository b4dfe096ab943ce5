package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"storefront/internal/bus"
)

// Handler processes one delivered message. A nil return acknowledges it.
type Handler interface {
	Handle(ctx context.Context, msg bus.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg bus.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg bus.Message) error { return f(ctx, msg) }

// DeadLetterSink records messages that can never be processed.
type DeadLetterSink interface {
	Record(ctx context.Context, group string, msg bus.Message, reason error) error
}

// Config describes one consumer group loop.
type Config struct {
	Streams    []string
	Group      string
	Consumer   string
	BatchSize  int64
	Block      time.Duration
	ClaimIdle  time.Duration
	ClaimEvery time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.ClaimIdle > 0 && c.ClaimEvery <= 0 {
		c.ClaimEvery = c.ClaimIdle / 2
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = c.MinBackoff
	}
	return c
}

// Runner is the at-least-once consumption loop shared by every consumer group:
// read a batch, dispatch each message, ack only on success.
type Runner struct {
	client      bus.Client
	cfg         Config
	handler     Handler
	deadLetters DeadLetterSink
	metrics     *Metrics
	log         *slog.Logger
	sleep       func(context.Context, time.Duration) error
	now         func() time.Time
	lastClaim   time.Time
}

// Option configures a Runner.
type Option func(*Runner)

func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

func WithDeadLetters(sink DeadLetterSink) Option {
	return func(r *Runner) { r.deadLetters = sink }
}

// NewRunner constructs a Runner for one consumer group.
func NewRunner(client bus.Client, cfg Config, handler Handler, opts ...Option) *Runner {
	r := &Runner{
		client:  client,
		cfg:     cfg.withDefaults(),
		handler: handler,
		log:     slog.Default(),
		sleep:   sleepWithContext,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(slog.String("group", r.cfg.Group), slog.String("consumer", r.cfg.Consumer))
	return r
}

// Name identifies the runner in supervisor logs.
func (r *Runner) Name() string { return r.cfg.Group }

// Run ensures the groups exist and consumes until ctx is cancelled. Bus
// errors pause the loop with bounded backoff; they never end it.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.cfg.Streams) == 0 || r.cfg.Group == "" || r.cfg.Consumer == "" {
		return errors.New("consumer: streams, group and consumer are required")
	}

	r.log.Info("consumer_start", slog.Any("streams", r.cfg.Streams))
	if err := r.ensureGroups(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	failures := 0
	for {
		if ctx.Err() != nil {
			r.log.Info("consumer_shutdown")
			return nil
		}
		if _, err := r.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			failures++
			r.metrics.busError(r.cfg.Group)
			delay := r.backoff(failures)
			r.log.Error("bus_read_failed", slog.String("err", err.Error()), slog.Duration("retry_in", delay))
			_ = r.sleep(ctx, delay)
			continue
		}
		failures = 0
	}
}

func (r *Runner) ensureGroups(ctx context.Context) error {
	for _, stream := range r.cfg.Streams {
		failures := 0
		for {
			err := r.client.EnsureGroup(ctx, stream, r.cfg.Group)
			if err == nil {
				break
			}
			failures++
			r.metrics.busError(r.cfg.Group)
			delay := r.backoff(failures)
			r.log.Error("ensure_group_failed", slog.String("stream", stream), slog.String("err", err.Error()), slog.Duration("retry_in", delay))
			if err := r.sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return nil
}

// Poll runs one iteration: reclaim idle pending messages when due, then read
// and process one batch. It returns the number of messages handled.
func (r *Runner) Poll(ctx context.Context) (int, error) {
	var batch []bus.Message

	if r.cfg.ClaimIdle > 0 && r.now().Sub(r.lastClaim) >= r.cfg.ClaimEvery {
		r.lastClaim = r.now()
		for _, stream := range r.cfg.Streams {
			claimed, err := r.client.ClaimIdle(ctx, bus.ClaimArgs{
				Stream:   stream,
				Group:    r.cfg.Group,
				Consumer: r.cfg.Consumer,
				MinIdle:  r.cfg.ClaimIdle,
				Count:    r.cfg.BatchSize,
			})
			if err != nil {
				return 0, fmt.Errorf("claim idle on %s: %w", stream, err)
			}
			if len(claimed) > 0 {
				r.log.Info("pending_claimed", slog.String("stream", stream), slog.Int("count", len(claimed)))
			}
			batch = append(batch, claimed...)
		}
	}

	read, err := r.client.ReadGroup(ctx, bus.ReadArgs{
		Streams:  r.cfg.Streams,
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		Count:    r.cfg.BatchSize,
		Block:    r.cfg.Block,
	})
	if err != nil && len(batch) == 0 {
		return 0, err
	}
	batch = append(batch, read...)

	handled := 0
	for _, msg := range batch {
		// Unprocessed messages stay pending and are reclaimed later.
		if ctx.Err() != nil {
			break
		}
		r.process(ctx, msg)
		handled++
	}
	return handled, err
}

func (r *Runner) process(ctx context.Context, msg bus.Message) {
	// In-flight work finishes even when shutdown begins.
	hctx := context.WithoutCancel(ctx)
	log := r.log.With(slog.String("stream", msg.Stream), slog.String("message_id", msg.ID))

	if msg.Err != nil {
		log.Error("poison_message", slog.String("err", msg.Err.Error()))
		if r.deadLetters != nil {
			if err := r.deadLetters.Record(hctx, r.cfg.Group, msg, msg.Err); err != nil {
				log.Error("dead_letter_failed", slog.String("err", err.Error()))
			}
		}
		r.ack(hctx, log, msg)
		r.metrics.message(r.cfg.Group, "", "poison")
		return
	}

	eventType := msg.Envelope.EventType
	start := r.now()
	err := r.safeHandle(hctx, msg)
	r.metrics.observe(r.cfg.Group, r.now().Sub(start))
	if err != nil {
		log.Error("message_handle_failed", slog.String("event_type", eventType), slog.String("err", err.Error()))
		r.metrics.message(r.cfg.Group, eventType, "error")
		return
	}
	r.ack(hctx, log, msg)
	r.metrics.message(r.cfg.Group, eventType, "ok")
}

func (r *Runner) safeHandle(ctx context.Context, msg bus.Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
			r.log.Error("handler_panic", slog.Any("recovered", rec), slog.String("stack", string(debug.Stack())))
		}
	}()
	return r.handler.Handle(ctx, msg)
}

func (r *Runner) ack(ctx context.Context, log *slog.Logger, msg bus.Message) {
	if err := r.client.Ack(ctx, msg.Stream, r.cfg.Group, msg.ID); err != nil {
		// Redelivery is absorbed by idempotent handlers.
		log.Error("ack_failed", slog.String("err", err.Error()))
		r.metrics.busError(r.cfg.Group)
	}
}

func (r *Runner) backoff(failures int) time.Duration {
	delay := r.cfg.MinBackoff
	for i := 1; i < failures && delay < r.cfg.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > r.cfg.MaxBackoff {
		delay = r.cfg.MaxBackoff
	}
	return delay
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
