package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"storefront/internal/events"
)

// ErrInProgress is returned when another process still drives the saga.
var ErrInProgress = errors.New("saga is being executed elsewhere")

// StepError reports that a collaborator call of a step or compensation failed.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s failed: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// Config tunes step execution.
type Config struct {
	// StepTimeout bounds every collaborator call; a timeout is a step failure.
	StepTimeout time.Duration
	// StallAfter is how long a non-terminal saga may show no step activity
	// before another process treats it as abandoned.
	StallAfter time.Duration
	// Stream receives saga progress events.
	Stream string
}

func (c Config) withDefaults() Config {
	if c.StepTimeout <= 0 {
		c.StepTimeout = 10 * time.Second
	}
	if c.StallAfter <= 0 {
		c.StallAfter = 2 * c.StepTimeout
	}
	if c.Stream == "" {
		c.Stream = events.StreamSagas
	}
	return c
}

// Orchestrator drives order-processing sagas through their fixed pipeline and
// compensates completed steps in reverse order when a later step fails.
type Orchestrator struct {
	store     Store
	stock     StockService
	orders    OrderService
	payments  PaymentService
	publisher Publisher
	metrics   *Metrics
	log       *slog.Logger
	cfg       Config
	now       func() time.Time
	pipeline  []stepDef

	mu      sync.Mutex
	running map[string]struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(store Store, stock StockService, orders OrderService, payments PaymentService, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		stock:    stock,
		orders:   orders,
		payments: payments,
		log:      slog.Default(),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		running:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.pipeline = o.orderPipeline()
	return o
}

// Store exposes the saga store for queries.
func (o *Orchestrator) Store() Store { return o.store }

type execution struct {
	inst       Instance
	payload    OrderPayload
	result     OrderResult
	completed  []StepExecution
	failedStep Step
}

// Start creates the saga and runs it to a terminal state. Starting an id that
// already exists never runs the pipeline again: a terminal saga is returned
// as is and an abandoned one is compensated.
func (o *Orchestrator) Start(ctx context.Context, sagaID string, payload OrderPayload) (Instance, error) {
	if sagaID == "" {
		return Instance{}, errors.New("saga id is required")
	}
	log := o.log.With(slog.String("saga_id", sagaID))
	if !o.acquire(sagaID) {
		log.Info("saga_already_running")
		return o.store.Get(ctx, sagaID)
	}
	defer o.release(sagaID)

	raw, err := json.Marshal(payload)
	if err != nil {
		return Instance{}, fmt.Errorf("encode payload: %w", err)
	}
	inst, created, err := o.store.Create(ctx, Instance{
		ID:        sagaID,
		Type:      TypeOrderProcessing,
		State:     StatePending,
		Payload:   raw,
		CreatedAt: o.clock(),
	})
	if err != nil {
		return Instance{}, fmt.Errorf("create saga %s: %w", sagaID, err)
	}

	if !created {
		if inst.State.Terminal() {
			log.Info("saga_duplicate_trigger", slog.String("state", string(inst.State)))
			return inst, nil
		}
		steps, err := o.store.Steps(ctx, sagaID)
		if err != nil {
			return inst, err
		}
		if !o.stalled(inst, steps) {
			return inst, ErrInProgress
		}
		log.Warn("saga_abandoned", slog.String("state", string(inst.State)))
		return o.resolveAbandoned(ctx, inst, steps, fmt.Sprintf("saga interrupted in state %s", inst.State))
	}

	log.Info("saga_started", slog.Int("items", len(payload.Items)))
	o.audit(ctx, AuditEvent{SagaID: sagaID, Kind: EventCreated, ToState: StatePending})
	o.publish(ctx, sagaID, events.SagaStarted{SagaID: sagaID, SagaType: inst.Type})
	return o.run(ctx, &execution{inst: inst, payload: payload})
}

// HandlePaymentFailed reacts to a payment failure reported outside the
// saga's own payment step. It is a no-op unless the saga is stalled past
// stock reservation, in which case its completed steps are compensated.
func (o *Orchestrator) HandlePaymentFailed(ctx context.Context, sagaID, reason string) error {
	log := o.log.With(slog.String("saga_id", sagaID))
	if sagaID == "" {
		log.Info("payment_failed_without_saga")
		return nil
	}
	if !o.acquire(sagaID) {
		log.Info("payment_failed_ignored", slog.String("cause", "saga running in this process"))
		return nil
	}
	defer o.release(sagaID)

	inst, err := o.store.Get(ctx, sagaID)
	if errors.Is(err, ErrNotFound) {
		log.Info("payment_failed_ignored", slog.String("cause", "unknown saga"))
		return nil
	}
	if err != nil {
		return err
	}
	if inst.State.Terminal() {
		log.Info("payment_failed_ignored", slog.String("cause", "saga already "+string(inst.State)))
		return nil
	}

	o.audit(ctx, AuditEvent{SagaID: sagaID, Kind: EventExternalFailureSeen, FromState: inst.State, Message: "payment failed: " + reason})
	if inst.State == StatePending || inst.State == StateStockChecking {
		log.Info("payment_failed_ignored", slog.String("cause", "stock not reserved yet"))
		return nil
	}
	steps, err := o.store.Steps(ctx, sagaID)
	if err != nil {
		return err
	}
	if !o.stalled(inst, steps) {
		log.Info("payment_failed_ignored", slog.String("cause", "saga still active"))
		return nil
	}
	_, err = o.resolveAbandoned(ctx, inst, steps, "payment failed: "+reason)
	return err
}

func (o *Orchestrator) run(ctx context.Context, x *execution) (Instance, error) {
	started := o.clock()
	x.inst.StartedAt = &started

	for i, def := range o.pipeline {
		if def.enter != "" {
			if err := o.transition(ctx, x, def.enter, ""); err != nil {
				return x.inst, err
			}
		}
		row, err := o.runStep(ctx, x, i+1, def)
		if err != nil {
			var stepErr *StepError
			if !errors.As(err, &stepErr) {
				return x.inst, err
			}
			x.failedStep = def.step
			return o.fail(ctx, x, stepErr)
		}
		if row.CompensationStep != "" {
			x.completed = append(x.completed, row)
		}
		if def.leave != "" {
			if err := o.transition(ctx, x, def.leave, ""); err != nil {
				return x.inst, err
			}
		}
	}
	return o.finish(ctx, x, StateCompleted, "")
}

func (o *Orchestrator) runStep(ctx context.Context, x *execution, order int, def stepDef) (StepExecution, error) {
	started := o.clock()
	row, err := o.store.StartStep(ctx, StepExecution{
		SagaID:    x.inst.ID,
		Step:      def.step,
		StepOrder: order,
		Status:    StepRunning,
		InputData: encode(def.input(x)),
		StartedAt: &started,
	})
	if err != nil {
		return StepExecution{}, fmt.Errorf("start step %s: %w", def.step, err)
	}
	o.audit(ctx, AuditEvent{SagaID: x.inst.ID, Kind: EventStepStarted, Step: def.step, FromState: x.inst.State})

	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	output, compensation, callErr := def.run(stepCtx, x)
	cancel()

	done := o.clock()
	row.CompletedAt = &done
	row.Duration = done.Sub(started)
	log := o.log.With(slog.String("saga_id", x.inst.ID), slog.String("step", string(def.step)))

	if callErr != nil {
		row.Status = StepFailed
		row.ErrorMessage = callErr.Error()
		if err := o.store.FinishStep(ctx, row); err != nil {
			return row, fmt.Errorf("finish step %s: %w", def.step, err)
		}
		o.audit(ctx, AuditEvent{SagaID: x.inst.ID, Kind: EventStepFailed, Step: def.step, Message: callErr.Error()})
		log.Warn("saga_step_failed", slog.String("err", callErr.Error()), slog.Duration("duration", row.Duration))
		return row, &StepError{Step: def.step, Err: callErr}
	}

	row.Status = StepCompleted
	row.OutputData = encode(output)
	if def.compensation != "" {
		row.CompensationStep = def.compensation
		row.CompensationData = encode(compensation)
	}
	if err := o.store.FinishStep(ctx, row); err != nil {
		return row, fmt.Errorf("finish step %s: %w", def.step, err)
	}
	o.audit(ctx, AuditEvent{SagaID: x.inst.ID, Kind: EventStepCompleted, Step: def.step})
	log.Info("saga_step_completed", slog.Duration("duration", row.Duration))
	return row, nil
}

// fail ends the saga after a forward step failure. With nothing compensable
// completed the saga is FAILED; otherwise it is compensated.
func (o *Orchestrator) fail(ctx context.Context, x *execution, cause *StepError) (Instance, error) {
	if len(x.completed) == 0 {
		return o.finish(ctx, x, StateFailed, cause.Error())
	}
	return o.compensate(ctx, x, cause.Error())
}

func (o *Orchestrator) compensate(ctx context.Context, x *execution, reason string) (Instance, error) {
	if x.inst.State != StateCompensating {
		if err := o.transition(ctx, x, StateCompensating, reason); err != nil {
			return x.inst, err
		}
	}

	var failures []error
	for i := len(x.completed) - 1; i >= 0; i-- {
		err := o.runCompensation(ctx, x.inst.ID, x.completed[i])
		if err == nil {
			continue
		}
		var stepErr *StepError
		if !errors.As(err, &stepErr) {
			return x.inst, err
		}
		failures = append(failures, stepErr)
	}

	msg := reason
	if joined := errors.Join(failures...); joined != nil {
		msg = reason + "; " + joined.Error()
	}
	return o.finish(ctx, x, StateCompensated, msg)
}

func (o *Orchestrator) runCompensation(ctx context.Context, sagaID string, forward StepExecution) error {
	started := o.clock()
	row, err := o.store.StartStep(ctx, StepExecution{
		SagaID:    sagaID,
		Step:      forward.CompensationStep,
		StepOrder: forward.StepOrder,
		Status:    StepRunning,
		InputData: forward.CompensationData,
		StartedAt: &started,
	})
	if err != nil {
		return fmt.Errorf("start compensation %s: %w", forward.CompensationStep, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	callErr := o.undo(callCtx, sagaID, forward.CompensationStep, forward.CompensationData)
	cancel()

	done := o.clock()
	row.CompletedAt = &done
	row.Duration = done.Sub(started)
	log := o.log.With(slog.String("saga_id", sagaID), slog.String("step", string(row.Step)))
	if callErr != nil {
		row.Status = StepFailed
		row.ErrorMessage = callErr.Error()
		log.Error("saga_compensation_failed", slog.String("err", callErr.Error()))
		o.audit(ctx, AuditEvent{SagaID: sagaID, Kind: EventCompensationFailed, Step: row.Step, Message: callErr.Error()})
	} else {
		row.Status = StepCompensated
		log.Info("saga_compensation_completed")
		o.audit(ctx, AuditEvent{SagaID: sagaID, Kind: EventCompensationDone, Step: row.Step})
	}
	if err := o.store.FinishStep(ctx, row); err != nil {
		return fmt.Errorf("finish compensation %s: %w", row.Step, err)
	}
	if callErr != nil {
		return &StepError{Step: row.Step, Err: callErr}
	}
	return nil
}

// resolveAbandoned resolves a saga left non-terminal by a previous owner: interrupted
// steps are marked failed and completed steps without a compensation row are
// compensated.
func (o *Orchestrator) resolveAbandoned(ctx context.Context, inst Instance, steps []StepExecution, reason string) (Instance, error) {
	x := &execution{inst: inst}
	if len(inst.Result) > 0 {
		if err := json.Unmarshal(inst.Result, &x.result); err != nil {
			o.log.Warn("saga_result_decode_failed", slog.String("saga_id", inst.ID), slog.String("err", err.Error()))
		}
	}

	compensated := make(map[int]bool)
	for _, s := range steps {
		if isCompensation(s.Step) {
			compensated[s.StepOrder] = true
		}
	}
	for _, s := range steps {
		switch {
		case s.Status == StepRunning:
			done := o.clock()
			s.Status = StepFailed
			s.ErrorMessage = "interrupted"
			s.CompletedAt = &done
			if err := o.store.FinishStep(ctx, s); err != nil {
				return x.inst, fmt.Errorf("finish interrupted step %s: %w", s.Step, err)
			}
			o.audit(ctx, AuditEvent{SagaID: inst.ID, Kind: EventStepInterrupted, Step: s.Step})
			if !isCompensation(s.Step) {
				x.failedStep = s.Step
			}
		case s.Status == StepCompleted && s.CompensationStep != "" && !compensated[s.StepOrder]:
			x.completed = append(x.completed, s)
		}
	}

	if len(x.completed) == 0 && inst.State != StateCompensating {
		return o.finish(ctx, x, StateFailed, reason)
	}
	return o.compensate(ctx, x, reason)
}

func (o *Orchestrator) transition(ctx context.Context, x *execution, to State, msg string) error {
	from := x.inst.State
	x.inst.State = to
	x.inst.Result = encodeResult(x.result)
	if err := o.store.Update(ctx, x.inst); err != nil {
		return fmt.Errorf("saga %s %s -> %s: %w", x.inst.ID, from, to, err)
	}
	o.audit(ctx, AuditEvent{SagaID: x.inst.ID, Kind: EventStateChanged, FromState: from, ToState: to, Message: msg})
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, x *execution, state State, msg string) (Instance, error) {
	now := o.clock()
	if state == StateCompleted {
		x.inst.CompletedAt = &now
	} else {
		x.inst.FailedAt = &now
	}
	x.inst.ErrorMessage = msg
	if err := o.transition(ctx, x, state, msg); err != nil {
		return x.inst, err
	}
	o.metrics.terminal(x.inst.Type, state)

	log := o.log.With(slog.String("saga_id", x.inst.ID), slog.String("state", string(state)))
	switch state {
	case StateCompleted:
		log.Info("saga_completed", slog.Int64("order_id", x.result.OrderID))
		o.publish(ctx, x.inst.ID, events.SagaCompleted{SagaID: x.inst.ID, SagaType: x.inst.Type, OrderID: x.result.OrderID})
	case StateCompensated:
		log.Warn("saga_compensated", slog.String("err", msg))
		o.publish(ctx, x.inst.ID, events.SagaCompensated{SagaID: x.inst.ID, SagaType: x.inst.Type, FailedStep: string(x.failedStep), Error: msg})
	case StateFailed:
		log.Warn("saga_failed", slog.String("err", msg))
		o.publish(ctx, x.inst.ID, events.SagaFailed{SagaID: x.inst.ID, SagaType: x.inst.Type, FailedStep: string(x.failedStep), Error: msg})
	}
	return x.inst, nil
}

// stalled reports whether inst has shown no step activity for StallAfter.
func (o *Orchestrator) stalled(inst Instance, steps []StepExecution) bool {
	last := inst.CreatedAt
	if inst.StartedAt != nil && inst.StartedAt.After(last) {
		last = *inst.StartedAt
	}
	for _, s := range steps {
		if s.StartedAt != nil && s.StartedAt.After(last) {
			last = *s.StartedAt
		}
		if s.CompletedAt != nil && s.CompletedAt.After(last) {
			last = *s.CompletedAt
		}
	}
	return o.clock().Sub(last) >= o.cfg.StallAfter
}

func (o *Orchestrator) audit(ctx context.Context, ev AuditEvent) {
	ev.CreatedAt = o.clock()
	if err := o.store.AppendEvent(ctx, ev); err != nil {
		o.log.Warn("saga_audit_failed", slog.String("saga_id", ev.SagaID), slog.String("kind", ev.Kind), slog.String("err", err.Error()))
	}
}

func (o *Orchestrator) publish(ctx context.Context, sagaID string, data events.Data) {
	if o.publisher == nil {
		return
	}
	o.publisher.TryPublish(ctx, events.AggregateSaga, sagaID, data, o.cfg.Stream)
}

func (o *Orchestrator) acquire(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.running[id]; busy {
		return false
	}
	o.running[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}

func (o *Orchestrator) clock() time.Time { return o.now().UTC() }

func encode(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func encodeResult(r OrderResult) json.RawMessage {
	if r == (OrderResult{}) {
		return nil
	}
	return encode(r)
}
