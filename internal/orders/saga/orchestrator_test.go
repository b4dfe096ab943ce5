package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"storefront/internal/events"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// services implements every collaborator in memory with injectable failures.
type services struct {
	mu          sync.Mutex
	stock       map[int64]int
	calls       []string
	fail        map[string]error
	failReduce  map[int64]error
	blockCharge bool
	nextOrder   int64
}

func newServices() *services {
	return &services{
		stock:      map[int64]int{1: 5, 2: 5},
		fail:       make(map[string]error),
		failReduce: make(map[int64]error),
		nextOrder:  100,
	}
}

func (s *services) record(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	op := call
	for i, r := range call {
		if r == ' ' {
			op = call[:i]
			break
		}
	}
	return s.fail[op]
}

func (s *services) Available(_ context.Context, productID int64) (int, error) {
	if err := s.record(fmt.Sprintf("available %d", productID)); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[productID], nil
}

func (s *services) Reduce(_ context.Context, productID int64, quantity int, _, _ string) error {
	if err := s.record(fmt.Sprintf("reduce %d", productID)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failReduce[productID]; err != nil {
		return err
	}
	if s.stock[productID] < quantity {
		return errors.New("insufficient stock")
	}
	s.stock[productID] -= quantity
	return nil
}

func (s *services) Increase(_ context.Context, productID int64, quantity int, _, _ string) error {
	if err := s.record(fmt.Sprintf("increase %d", productID)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[productID] += quantity
	return nil
}

func (s *services) Create(_ context.Context, req OrderRequest) (int64, error) {
	if err := s.record("create " + req.SagaID); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextOrder++
	return s.nextOrder, nil
}

func (s *services) Cancel(_ context.Context, orderID int64, _ string) error {
	return s.record(fmt.Sprintf("cancel %d", orderID))
}

func (s *services) Confirm(_ context.Context, orderID int64) error {
	return s.record(fmt.Sprintf("confirm %d", orderID))
}

func (s *services) Charge(ctx context.Context, req PaymentRequest) (string, error) {
	if err := s.record(fmt.Sprintf("charge %d", req.OrderID)); err != nil {
		return "", err
	}
	s.mu.Lock()
	block := s.blockCharge
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return fmt.Sprintf("pay-%d", req.OrderID), nil
}

func (s *services) Refund(_ context.Context, paymentID, _ string) error {
	return s.record("refund " + paymentID)
}

func (s *services) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if len(c) >= len(op) && c[:len(op)] == op {
			n++
		}
	}
	return n
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recordingPublisher) TryPublish(_ context.Context, _, _ string, data events.Data, _ string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, data.EventType())
	return "1-0", true
}

type harness struct {
	store   *MemoryStore
	svc     *services
	pub     *recordingPublisher
	metrics *Metrics
	orch    *Orchestrator
	now     time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:   NewMemoryStore(),
		svc:     newServices(),
		pub:     &recordingPublisher{},
		metrics: NewMetrics(prometheus.NewRegistry()),
		now:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	h.orch = NewOrchestrator(h.store, h.svc, h.svc, h.svc, cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPublisher(h.pub),
		WithMetrics(h.metrics),
		WithClock(func() time.Time { return h.now }),
	)
	return h
}

func payload() OrderPayload {
	return OrderPayload{
		SourceEventID: "evt-1",
		CustomerID:    7,
		Items: []events.LineItem{
			{ProductID: 1, Quantity: 2, UnitPrice: 10},
			{ProductID: 2, Quantity: 1, UnitPrice: 5},
		},
		TotalAmount:   25,
		PaymentMethod: "card",
	}
}

func stepNames(rows []StepExecution) []Step {
	out := make([]Step, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Step)
	}
	return out
}

func TestOrchestrator_ForwardPathCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	inst, err := h.orch.Start(context.Background(), "saga-1", payload())
	require.NoError(t, err)
	require.Equal(t, StateCompleted, inst.State)
	require.NotNil(t, inst.CompletedAt)
	require.Empty(t, inst.ErrorMessage)

	steps, err := h.store.Steps(context.Background(), "saga-1")
	require.NoError(t, err)
	require.Equal(t, []Step{StepCheckStock, StepReserveStock, StepCreateOrder, StepProcessPayment, StepConfirmOrder}, stepNames(steps))
	for i, row := range steps {
		require.Equal(t, StepCompleted, row.Status, row.Step)
		require.Equal(t, i+1, row.StepOrder)
	}
	require.Equal(t, StepReleaseStock, steps[1].CompensationStep)
	require.JSONEq(t, `{"reference":"saga-1","lines":[{"product_id":1,"quantity":2},{"product_id":2,"quantity":1}]}`, string(steps[1].CompensationData))
	require.Equal(t, StepCancelOrder, steps[2].CompensationStep)
	require.Equal(t, StepRefundPayment, steps[3].CompensationStep)
	require.Empty(t, steps[4].CompensationStep)

	stored, err := h.store.Get(context.Background(), "saga-1")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, stored.State)
	require.JSONEq(t, `{"order_id":101,"payment_id":"pay-101"}`, string(stored.Result))

	require.Equal(t, map[int64]int{1: 3, 2: 4}, h.svc.stock)
	require.Equal(t, []string{events.TypeSagaStarted, events.TypeSagaCompleted}, h.pub.types)
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Terminal.WithLabelValues(TypeOrderProcessing, "COMPLETED")))

	trail, err := h.store.Events(context.Background(), "saga-1")
	require.NoError(t, err)
	var states []State
	for _, ev := range trail {
		if ev.Kind == EventStateChanged {
			states = append(states, ev.ToState)
		}
	}
	require.Equal(t, []State{
		StateStockChecking, StateStockReserved, StateOrderCreated,
		StatePaymentProcessing, StatePaymentCompleted, StateCompleted,
	}, states)
}

func TestOrchestrator_FailureAtStepCompensatesInReverse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name         string
		failOp       string
		failedStep   Step
		wantSteps    []Step
		wantComps    []Step
		wantStatuses []StepStatus
	}{
		{
			name:       "create order",
			failOp:     "create",
			failedStep: StepCreateOrder,
			wantSteps:  []Step{StepCheckStock, StepReserveStock, StepCreateOrder, StepReleaseStock},
			wantComps:  []Step{StepReleaseStock},
		},
		{
			name:       "process payment",
			failOp:     "charge",
			failedStep: StepProcessPayment,
			wantSteps:  []Step{StepCheckStock, StepReserveStock, StepCreateOrder, StepProcessPayment, StepCancelOrder, StepReleaseStock},
			wantComps:  []Step{StepCancelOrder, StepReleaseStock},
		},
		{
			name:       "confirm order",
			failOp:     "confirm",
			failedStep: StepConfirmOrder,
			wantSteps: []Step{
				StepCheckStock, StepReserveStock, StepCreateOrder, StepProcessPayment, StepConfirmOrder,
				StepRefundPayment, StepCancelOrder, StepReleaseStock,
			},
			wantComps: []Step{StepRefundPayment, StepCancelOrder, StepReleaseStock},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, Config{})
			h.svc.fail[tc.failOp] = errors.New("503 from collaborator")

			inst, err := h.orch.Start(context.Background(), "saga-k", payload())
			require.NoError(t, err)
			require.Equal(t, StateCompensated, inst.State)
			require.NotNil(t, inst.FailedAt)
			require.Contains(t, inst.ErrorMessage, string(tc.failedStep)+" failed")

			steps, err := h.store.Steps(context.Background(), "saga-k")
			require.NoError(t, err)
			require.Equal(t, tc.wantSteps, stepNames(steps))

			failedOrder := 0
			var comps []Step
			lastOrder := 1 << 30
			for _, row := range steps {
				if row.Step == tc.failedStep {
					require.Equal(t, StepFailed, row.Status)
					failedOrder = row.StepOrder
				}
				if isCompensation(row.Step) {
					require.Equal(t, StepCompensated, row.Status)
					require.Less(t, row.StepOrder, failedOrder)
					require.Less(t, row.StepOrder, lastOrder, "compensations run in reverse order")
					lastOrder = row.StepOrder
					comps = append(comps, row.Step)
				}
			}
			require.Equal(t, tc.wantComps, comps)
			require.Equal(t, map[int64]int{1: 5, 2: 5}, h.svc.stock)
			require.Equal(t, []string{events.TypeSagaStarted, events.TypeSagaCompensated}, h.pub.types)
		})
	}
}

func TestOrchestrator_InsufficientStockAtCheckFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	p := payload()
	p.Items[0].Quantity = 50

	inst, err := h.orch.Start(context.Background(), "saga-check", p)
	require.NoError(t, err)
	require.Equal(t, StateFailed, inst.State)
	require.Contains(t, inst.ErrorMessage, "insufficient stock for product 1")

	steps, err := h.store.Steps(context.Background(), "saga-check")
	require.NoError(t, err)
	require.Equal(t, []Step{StepCheckStock}, stepNames(steps))
	require.Zero(t, h.svc.count("reduce"))
}

// A RESERVE_STOCK failure ends FAILED: nothing compensable had completed.
func TestOrchestrator_ReserveStockFailureEndsFailedWithoutCompensation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.svc.failReduce[2] = errors.New("insufficient stock")

	inst, err := h.orch.Start(context.Background(), "saga-reserve", payload())
	require.NoError(t, err)
	require.Equal(t, StateFailed, inst.State)
	require.NotNil(t, inst.FailedAt)

	steps, err := h.store.Steps(context.Background(), "saga-reserve")
	require.NoError(t, err)
	require.Equal(t, []Step{StepCheckStock, StepReserveStock}, stepNames(steps))
	require.Equal(t, StepFailed, steps[1].Status)
	require.Empty(t, steps[1].CompensationStep)

	// The partial reduction of product 1 was undone inside the step.
	require.Equal(t, map[int64]int{1: 5, 2: 5}, h.svc.stock)
	require.Equal(t, 1, h.svc.count("increase 1"))
	require.Zero(t, h.svc.count("create"))

	trail, err := h.store.Events(context.Background(), "saga-reserve")
	require.NoError(t, err)
	for _, ev := range trail {
		require.NotEqual(t, StateOrderCreated, ev.ToState)
		require.NotEqual(t, StateCompensating, ev.ToState)
	}
	require.Equal(t, []string{events.TypeSagaStarted, events.TypeSagaFailed}, h.pub.types)
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Terminal.WithLabelValues(TypeOrderProcessing, "FAILED")))
}

func TestOrchestrator_FailedCompensationStillEndsCompensated(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.svc.fail["charge"] = errors.New("card declined")
	h.svc.fail["cancel"] = errors.New("orders service down")

	inst, err := h.orch.Start(context.Background(), "saga-comp", payload())
	require.NoError(t, err)
	require.Equal(t, StateCompensated, inst.State)
	require.Contains(t, inst.ErrorMessage, "PROCESS_PAYMENT failed: card declined")
	require.Contains(t, inst.ErrorMessage, "CANCEL_ORDER failed: orders service down")

	steps, err := h.store.Steps(context.Background(), "saga-comp")
	require.NoError(t, err)
	require.Equal(t, []Step{StepCheckStock, StepReserveStock, StepCreateOrder, StepProcessPayment, StepCancelOrder, StepReleaseStock}, stepNames(steps))
	require.Equal(t, StepFailed, steps[4].Status)
	require.Equal(t, "orders service down", steps[4].ErrorMessage)
	require.Equal(t, StepCompensated, steps[5].Status)
	require.Equal(t, map[int64]int{1: 5, 2: 5}, h.svc.stock)
}

func TestOrchestrator_StepTimeoutTriggersCompensation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{StepTimeout: 20 * time.Millisecond})
	h.svc.blockCharge = true

	inst, err := h.orch.Start(context.Background(), "saga-timeout", payload())
	require.NoError(t, err)
	require.Equal(t, StateCompensated, inst.State)
	require.Contains(t, inst.ErrorMessage, context.DeadlineExceeded.Error())
	require.Equal(t, 1, h.svc.count("cancel"))
}

func TestOrchestrator_DuplicateTriggerDoesNotRerun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	first, err := h.orch.Start(context.Background(), "saga-dup", payload())
	require.NoError(t, err)
	second, err := h.orch.Start(context.Background(), "saga-dup", payload())
	require.NoError(t, err)

	require.Equal(t, first.State, second.State)
	require.Equal(t, 1, h.svc.count("charge"))
	steps, err := h.store.Steps(context.Background(), "saga-dup")
	require.NoError(t, err)
	require.Len(t, steps, 5)
}

// seedAbandoned stores a saga whose owner died while charging the payment.
func seedAbandoned(t *testing.T, h *harness, id string) {
	t.Helper()
	seedAbandonedWithResult(t, h, id, nil)
}

func seedAbandonedWithResult(t *testing.T, h *harness, id string, result json.RawMessage) {
	t.Helper()
	ctx := context.Background()
	at := h.now
	_, created, err := h.store.Create(ctx, Instance{ID: id, Type: TypeOrderProcessing, State: StateOrderCreated, Result: result, CreatedAt: at})
	require.NoError(t, err)
	require.True(t, created)

	rows := []StepExecution{
		{SagaID: id, Step: StepCheckStock, StepOrder: 1, Status: StepCompleted},
		{SagaID: id, Step: StepReserveStock, StepOrder: 2, Status: StepCompleted, CompensationStep: StepReleaseStock,
			CompensationData: []byte(`{"reference":"` + id + `","lines":[{"product_id":1,"quantity":2}]}`)},
		{SagaID: id, Step: StepCreateOrder, StepOrder: 3, Status: StepCompleted, CompensationStep: StepCancelOrder,
			CompensationData: []byte(`{"order_id":555}`)},
		{SagaID: id, Step: StepProcessPayment, StepOrder: 4, Status: StepRunning},
	}
	for _, row := range rows {
		row.StartedAt = &at
		_, err := h.store.StartStep(ctx, row)
		require.NoError(t, err)
	}
	h.svc.stock[1] = 3
}

func TestOrchestrator_AbandonedSagaIsCompensatedOnRedelivery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{StepTimeout: time.Second})
	seedAbandoned(t, h, "saga-crash")
	h.now = h.now.Add(time.Minute)

	inst, err := h.orch.Start(context.Background(), "saga-crash", payload())
	require.NoError(t, err)
	require.Equal(t, StateCompensated, inst.State)

	steps, err := h.store.Steps(context.Background(), "saga-crash")
	require.NoError(t, err)
	require.Equal(t, []Step{StepCheckStock, StepReserveStock, StepCreateOrder, StepProcessPayment, StepCancelOrder, StepReleaseStock}, stepNames(steps))
	require.Equal(t, StepFailed, steps[3].Status)
	require.Equal(t, "interrupted", steps[3].ErrorMessage)
	require.Equal(t, 1, h.svc.count("cancel 555"))
	require.Equal(t, 5, h.svc.stock[1])
	require.Zero(t, h.svc.count("available"))
}

func TestOrchestrator_CorruptResultIsLoggedOnTakeover(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{StepTimeout: time.Second})
	var logs bytes.Buffer
	h.orch = NewOrchestrator(h.store, h.svc, h.svc, h.svc, Config{StepTimeout: time.Second},
		WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))),
		WithClock(func() time.Time { return h.now }),
	)
	seedAbandonedWithResult(t, h, "saga-corrupt", json.RawMessage(`{"order_id":`))
	h.now = h.now.Add(time.Minute)

	inst, err := h.orch.Start(context.Background(), "saga-corrupt", payload())
	require.NoError(t, err)
	require.Equal(t, StateCompensated, inst.State)
	require.Equal(t, 1, h.svc.count("cancel 555"))
	require.Contains(t, logs.String(), `"msg":"saga_result_decode_failed"`)
	require.Contains(t, logs.String(), `"saga_id":"saga-corrupt"`)
}

func TestOrchestrator_ActiveSagaElsewhereIsNotTouched(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{StepTimeout: time.Second})
	seedAbandoned(t, h, "saga-busy")

	_, err := h.orch.Start(context.Background(), "saga-busy", payload())
	require.ErrorIs(t, err, ErrInProgress)
	require.Zero(t, h.svc.count("cancel"))

	require.NoError(t, h.orch.HandlePaymentFailed(context.Background(), "saga-busy", "declined"))
	stored, err := h.store.Get(context.Background(), "saga-busy")
	require.NoError(t, err)
	require.Equal(t, StateOrderCreated, stored.State)
}

func TestOrchestrator_PaymentFailedNoOps(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{StepTimeout: time.Second})
	ctx := context.Background()

	// Unknown saga.
	require.NoError(t, h.orch.HandlePaymentFailed(ctx, "saga-missing", "declined"))
	// No saga id at all.
	require.NoError(t, h.orch.HandlePaymentFailed(ctx, "", "declined"))

	// Observed before stock was reserved.
	_, _, err := h.store.Create(ctx, Instance{ID: "saga-early", Type: TypeOrderProcessing, State: StateStockChecking, CreatedAt: h.now})
	require.NoError(t, err)
	h.now = h.now.Add(time.Hour)
	require.NoError(t, h.orch.HandlePaymentFailed(ctx, "saga-early", "declined"))
	early, err := h.store.Get(ctx, "saga-early")
	require.NoError(t, err)
	require.Equal(t, StateStockChecking, early.State)

	// Terminal sagas are immutable.
	done, err := h.orch.Start(ctx, "saga-done", payload())
	require.NoError(t, err)
	require.Equal(t, StateCompleted, done.State)
	require.NoError(t, h.orch.HandlePaymentFailed(ctx, "saga-done", "declined"))
	after, err := h.store.Get(ctx, "saga-done")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, after.State)
	require.Zero(t, h.svc.count("refund"))
}

func TestOrchestrator_PaymentFailedCompensatesStalledSaga(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{StepTimeout: time.Second})
	seedAbandoned(t, h, "saga-stalled")
	h.now = h.now.Add(time.Minute)

	require.NoError(t, h.orch.HandlePaymentFailed(context.Background(), "saga-stalled", "declined"))
	stored, err := h.store.Get(context.Background(), "saga-stalled")
	require.NoError(t, err)
	require.Equal(t, StateCompensated, stored.State)
	require.Contains(t, stored.ErrorMessage, "payment failed: declined")
	require.Equal(t, []string{events.TypeSagaCompensated}, h.pub.types)
}

func TestMemoryStore_UpdateRejectsTerminal(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	_, _, err := store.Create(ctx, Instance{ID: "s", State: StateCompleted})
	require.NoError(t, err)
	require.ErrorIs(t, store.Update(ctx, Instance{ID: "s", State: StateCompensating}), ErrTerminal)
	require.ErrorIs(t, store.Update(ctx, Instance{ID: "nope"}), ErrNotFound)

	_, err = store.StartStep(ctx, StepExecution{SagaID: "s", Step: StepCheckStock, StepOrder: 1, Status: StepRunning})
	require.NoError(t, err)
	_, err = store.StartStep(ctx, StepExecution{SagaID: "s", Step: StepCheckStock, StepOrder: 1, Status: StepRunning})
	require.ErrorIs(t, err, ErrDuplicateStep)

	_, err = Load(ctx, store, "nope")
	require.ErrorIs(t, err, ErrNotFound)
	detail, err := Load(ctx, store, "s")
	require.NoError(t, err)
	require.Len(t, detail.Steps, 1)
	require.NotNil(t, detail.Events)
}

func TestState_Terminal(t *testing.T) {
	t.Parallel()

	all := []State{
		StatePending, StateStockChecking, StateStockReserved, StateOrderCreated,
		StatePaymentProcessing, StatePaymentCompleted, StateCompleted,
		StateCompensating, StateCompensated, StateFailed,
	}
	var terminal []State
	for _, s := range all {
		if s.Terminal() {
			terminal = append(terminal, s)
		}
	}
	require.ElementsMatch(t, TerminalStates, terminal)
	require.Equal(t, []State{StateCompleted, StateCompensated, StateFailed}, terminal)
}
