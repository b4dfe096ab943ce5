package saga

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"storefront/internal/events"
)

// TypeOrderProcessing is the only saga type: stock, order, payment, confirm.
const TypeOrderProcessing = "order-processing"

// State is a saga instance's position in its state machine.
type State string

const (
	StatePending           State = "PENDING"
	StateStockChecking     State = "STOCK_CHECKING"
	StateStockReserved     State = "STOCK_RESERVED"
	StateOrderCreated      State = "ORDER_CREATED"
	StatePaymentProcessing State = "PAYMENT_PROCESSING"
	StatePaymentCompleted  State = "PAYMENT_COMPLETED"
	StateCompleted         State = "COMPLETED"
	StateCompensating      State = "COMPENSATING"
	StateCompensated       State = "COMPENSATED"
	StateFailed            State = "FAILED"
)

// TerminalStates lists every terminal state.
var TerminalStates = []State{StateCompleted, StateCompensated, StateFailed}

// Terminal states are never left again.
func (s State) Terminal() bool {
	return slices.Contains(TerminalStates, s)
}

// Step names a forward step or a compensation.
type Step string

const (
	StepCheckStock     Step = "CHECK_STOCK"
	StepReserveStock   Step = "RESERVE_STOCK"
	StepCreateOrder    Step = "CREATE_ORDER"
	StepProcessPayment Step = "PROCESS_PAYMENT"
	StepConfirmOrder   Step = "CONFIRM_ORDER"

	StepReleaseStock  Step = "RELEASE_STOCK"
	StepCancelOrder   Step = "CANCEL_ORDER"
	StepRefundPayment Step = "REFUND_PAYMENT"
)

// StepStatus is the outcome of one step execution row.
type StepStatus string

const (
	StepPending     StepStatus = "PENDING"
	StepRunning     StepStatus = "RUNNING"
	StepCompleted   StepStatus = "COMPLETED"
	StepFailed      StepStatus = "FAILED"
	StepCompensated StepStatus = "COMPENSATED"
)

// Instance is one distributed transaction attempt.
type Instance struct {
	ID           string          `json:"saga_id"`
	Type         string          `json:"saga_type"`
	State        State           `json:"state"`
	Payload      json.RawMessage `json:"payload"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	FailedAt     *time.Time      `json:"failed_at,omitempty"`
}

// StepExecution is one attempt of a forward step or a compensation.
type StepExecution struct {
	ID               int64           `json:"id"`
	SagaID           string          `json:"saga_id"`
	Step             Step            `json:"step"`
	StepOrder        int             `json:"step_order"`
	Status           StepStatus      `json:"status"`
	InputData        json.RawMessage `json:"input_data,omitempty"`
	OutputData       json.RawMessage `json:"output_data,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Duration         time.Duration   `json:"duration"`
	CompensationStep Step            `json:"compensation_step,omitempty"`
	CompensationData json.RawMessage `json:"compensation_data,omitempty"`
}

// Audit event kinds.
const (
	EventCreated             = "saga_created"
	EventStateChanged        = "state_changed"
	EventStepStarted         = "step_started"
	EventStepCompleted       = "step_completed"
	EventStepFailed          = "step_failed"
	EventStepInterrupted     = "step_interrupted"
	EventCompensationDone    = "compensation_completed"
	EventCompensationFailed  = "compensation_failed"
	EventExternalFailureSeen = "external_failure"
)

// AuditEvent is one entry of a saga's append-only trail. It is output only.
type AuditEvent struct {
	ID        int64     `json:"id"`
	SagaID    string    `json:"saga_id"`
	Kind      string    `json:"kind"`
	FromState State     `json:"from_state,omitempty"`
	ToState   State     `json:"to_state,omitempty"`
	Step      Step      `json:"step,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	ErrNotFound      = errors.New("saga not found")
	ErrTerminal      = errors.New("saga is in a terminal state")
	ErrDuplicateStep = errors.New("step already recorded for saga")
)

// Store persists saga instances, step executions and audit events.
type Store interface {
	// Create inserts inst unless a saga with the same id exists, in which
	// case the stored instance is returned with created=false.
	Create(ctx context.Context, inst Instance) (Instance, bool, error)
	Get(ctx context.Context, id string) (Instance, error)
	// Update overwrites the mutable fields. It fails with ErrTerminal once
	// the stored instance is terminal.
	Update(ctx context.Context, inst Instance) error
	// StartStep records a new execution. Each step runs at most once per
	// saga; a second row for the same step fails with ErrDuplicateStep.
	StartStep(ctx context.Context, exec StepExecution) (StepExecution, error)
	FinishStep(ctx context.Context, exec StepExecution) error
	// Steps returns executions in insertion order.
	Steps(ctx context.Context, sagaID string) ([]StepExecution, error)
	AppendEvent(ctx context.Context, ev AuditEvent) error
	Events(ctx context.Context, sagaID string) ([]AuditEvent, error)
}

// OrderPayload is the initiating request of an order-processing saga.
type OrderPayload struct {
	SourceEventID string            `json:"source_event_id"`
	SourceOrderID int64             `json:"source_order_id,omitempty"`
	CustomerID    int64             `json:"customer_id"`
	StoreID       int64             `json:"store_id,omitempty"`
	Items         []events.LineItem `json:"items"`
	TotalAmount   float64           `json:"total_amount"`
	PaymentMethod string            `json:"payment_method,omitempty"`
}

// OrderResult is recorded on the instance as steps complete.
type OrderResult struct {
	OrderID   int64  `json:"order_id,omitempty"`
	PaymentID string `json:"payment_id,omitempty"`
}

// OrderRequest is sent to the orders service by CREATE_ORDER.
type OrderRequest struct {
	SagaID        string            `json:"saga_id"`
	CustomerID    int64             `json:"customer_id"`
	StoreID       int64             `json:"store_id,omitempty"`
	Items         []events.LineItem `json:"items"`
	TotalAmount   float64           `json:"total_amount"`
	PaymentMethod string            `json:"payment_method,omitempty"`
}

// PaymentRequest is sent to the payments service by PROCESS_PAYMENT.
type PaymentRequest struct {
	SagaID     string  `json:"saga_id"`
	OrderID    int64   `json:"order_id"`
	CustomerID int64   `json:"customer_id"`
	Amount     float64 `json:"amount"`
	Method     string  `json:"payment_method,omitempty"`
}

// StockService is the stock collaborator.
type StockService interface {
	Available(ctx context.Context, productID int64) (int, error)
	Reduce(ctx context.Context, productID int64, quantity int, reason, reference string) error
	Increase(ctx context.Context, productID int64, quantity int, reason, reference string) error
}

// OrderService is the orders collaborator.
type OrderService interface {
	Create(ctx context.Context, req OrderRequest) (int64, error)
	Cancel(ctx context.Context, orderID int64, reason string) error
	Confirm(ctx context.Context, orderID int64) error
}

// PaymentService is the payments collaborator.
type PaymentService interface {
	Charge(ctx context.Context, req PaymentRequest) (string, error)
	Refund(ctx context.Context, paymentID, reason string) error
}

// Publisher emits saga progress events. Failures are absorbed.
type Publisher interface {
	TryPublish(ctx context.Context, aggregateType, aggregateID string, data events.Data, stream string) (string, bool)
}

// Detail is the query view of one saga.
type Detail struct {
	Instance
	Steps  []StepExecution `json:"steps"`
	Events []AuditEvent    `json:"events"`
}

// Load assembles the query view of a saga.
func Load(ctx context.Context, store Store, id string) (Detail, error) {
	inst, err := store.Get(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	steps, err := store.Steps(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	trail, err := store.Events(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	if steps == nil {
		steps = []StepExecution{}
	}
	if trail == nil {
		trail = []AuditEvent{}
	}
	return Detail{Instance: inst, Steps: steps, Events: trail}, nil
}
