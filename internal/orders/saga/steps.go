package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// stepDef is one fixed stage of the pipeline. enter is set before the call,
// leave after it succeeds.
type stepDef struct {
	step         Step
	compensation Step
	enter        State
	leave        State
	input        func(x *execution) any
	run          func(ctx context.Context, x *execution) (output, compensation any, err error)
}

func (o *Orchestrator) orderPipeline() []stepDef {
	items := func(x *execution) any { return x.payload.Items }
	return []stepDef{
		{step: StepCheckStock, enter: StateStockChecking, input: items, run: o.checkStock},
		{step: StepReserveStock, compensation: StepReleaseStock, leave: StateStockReserved, input: items, run: o.reserveStock},
		{step: StepCreateOrder, compensation: StepCancelOrder, leave: StateOrderCreated, input: func(x *execution) any { return o.orderRequest(x) }, run: o.createOrder},
		{step: StepProcessPayment, compensation: StepRefundPayment, enter: StatePaymentProcessing, leave: StatePaymentCompleted, input: func(x *execution) any { return o.paymentRequest(x) }, run: o.processPayment},
		{step: StepConfirmOrder, input: func(x *execution) any { return x.result }, run: o.confirmOrder},
	}
}

func isCompensation(s Step) bool {
	return s == StepReleaseStock || s == StepCancelOrder || s == StepRefundPayment
}

// StockLine is one reserved product quantity.
type StockLine struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// ReleaseStock is the compensation data of RESERVE_STOCK.
type ReleaseStock struct {
	Reference string      `json:"reference"`
	Lines     []StockLine `json:"lines"`
}

// CancelOrder is the compensation data of CREATE_ORDER.
type CancelOrder struct {
	OrderID int64 `json:"order_id"`
}

// RefundPayment is the compensation data of PROCESS_PAYMENT.
type RefundPayment struct {
	PaymentID string `json:"payment_id"`
	OrderID   int64  `json:"order_id"`
}

func (o *Orchestrator) checkStock(ctx context.Context, x *execution) (any, any, error) {
	available := make(map[int64]int)
	for _, item := range x.payload.Items {
		qty, ok := available[item.ProductID]
		if !ok {
			var err error
			qty, err = o.stock.Available(ctx, item.ProductID)
			if err != nil {
				return nil, nil, fmt.Errorf("product %d: %w", item.ProductID, err)
			}
			available[item.ProductID] = qty
		}
		if qty < item.Quantity {
			return nil, nil, fmt.Errorf("insufficient stock for product %d: available %d, requested %d", item.ProductID, qty, item.Quantity)
		}
		available[item.ProductID] = qty - item.Quantity
	}
	return available, nil, nil
}

// reserveStock reduces every line. A partial reservation is undone before the
// failure is reported, so a failed RESERVE_STOCK leaves nothing to release.
func (o *Orchestrator) reserveStock(ctx context.Context, x *execution) (any, any, error) {
	ref := x.inst.ID
	reserved := make([]StockLine, 0, len(x.payload.Items))
	for _, item := range x.payload.Items {
		if err := o.stock.Reduce(ctx, item.ProductID, item.Quantity, "saga reservation", ref); err != nil {
			failure := fmt.Errorf("reserve product %d: %w", item.ProductID, err)
			undoCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StepTimeout)
			undoErr := o.releaseLines(undoCtx, ref, reserved)
			cancel()
			if undoErr != nil {
				failure = errors.Join(failure, fmt.Errorf("undo partial reservation: %w", undoErr))
			}
			return nil, nil, failure
		}
		reserved = append(reserved, StockLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	data := ReleaseStock{Reference: ref, Lines: reserved}
	return reserved, data, nil
}

func (o *Orchestrator) orderRequest(x *execution) OrderRequest {
	return OrderRequest{
		SagaID:        x.inst.ID,
		CustomerID:    x.payload.CustomerID,
		StoreID:       x.payload.StoreID,
		Items:         x.payload.Items,
		TotalAmount:   x.payload.TotalAmount,
		PaymentMethod: x.payload.PaymentMethod,
	}
}

func (o *Orchestrator) createOrder(ctx context.Context, x *execution) (any, any, error) {
	id, err := o.orders.Create(ctx, o.orderRequest(x))
	if err != nil {
		return nil, nil, err
	}
	x.result.OrderID = id
	return OrderResult{OrderID: id}, CancelOrder{OrderID: id}, nil
}

func (o *Orchestrator) paymentRequest(x *execution) PaymentRequest {
	return PaymentRequest{
		SagaID:     x.inst.ID,
		OrderID:    x.result.OrderID,
		CustomerID: x.payload.CustomerID,
		Amount:     x.payload.TotalAmount,
		Method:     x.payload.PaymentMethod,
	}
}

func (o *Orchestrator) processPayment(ctx context.Context, x *execution) (any, any, error) {
	paymentID, err := o.payments.Charge(ctx, o.paymentRequest(x))
	if err != nil {
		return nil, nil, err
	}
	x.result.PaymentID = paymentID
	return OrderResult{OrderID: x.result.OrderID, PaymentID: paymentID}, RefundPayment{PaymentID: paymentID, OrderID: x.result.OrderID}, nil
}

func (o *Orchestrator) confirmOrder(ctx context.Context, x *execution) (any, any, error) {
	if err := o.orders.Confirm(ctx, x.result.OrderID); err != nil {
		return nil, nil, err
	}
	return x.result, nil, nil
}

// undo runs one compensation from the data recorded by its forward step.
func (o *Orchestrator) undo(ctx context.Context, sagaID string, step Step, data json.RawMessage) error {
	reason := "saga " + sagaID + " compensation"
	switch step {
	case StepReleaseStock:
		var d ReleaseStock
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("decode %s data: %w", step, err)
		}
		return o.releaseLines(ctx, d.Reference, d.Lines)
	case StepCancelOrder:
		var d CancelOrder
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("decode %s data: %w", step, err)
		}
		return o.orders.Cancel(ctx, d.OrderID, reason)
	case StepRefundPayment:
		var d RefundPayment
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("decode %s data: %w", step, err)
		}
		return o.payments.Refund(ctx, d.PaymentID, reason)
	default:
		return fmt.Errorf("no compensation named %s", step)
	}
}

// releaseLines returns stock in reverse order, continuing past failures.
func (o *Orchestrator) releaseLines(ctx context.Context, reference string, lines []StockLine) error {
	var errs []error
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if err := o.stock.Increase(ctx, line.ProductID, line.Quantity, "saga release", reference); err != nil {
			errs = append(errs, fmt.Errorf("release product %d: %w", line.ProductID, err))
		}
	}
	return errors.Join(errs...)
}
