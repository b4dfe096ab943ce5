package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"storefront/internal/orders/saga"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrUnknownOrder      = errors.New("unknown order")
	ErrUnknownPayment    = errors.New("unknown payment")
	ErrPaymentDeclined   = errors.New("payment declined")
)

// InMemoryStock tracks stock levels in memory.
type InMemoryStock struct {
	mu     sync.Mutex
	levels map[int64]int
}

// NewInMemoryStock constructs a stock service seeded with levels.
func NewInMemoryStock(levels map[int64]int) *InMemoryStock {
	s := &InMemoryStock{levels: make(map[int64]int, len(levels))}
	for id, qty := range levels {
		s.levels[id] = qty
	}
	return s
}

func (s *InMemoryStock) Available(_ context.Context, productID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels[productID], nil
}

func (s *InMemoryStock) Reduce(_ context.Context, productID int64, quantity int, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.levels[productID] < quantity {
		return fmt.Errorf("product %d: %w", productID, ErrInsufficientStock)
	}
	s.levels[productID] -= quantity
	return nil
}

func (s *InMemoryStock) Increase(_ context.Context, productID int64, quantity int, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels[productID] += quantity
	return nil
}

// Level returns the current quantity of a product.
func (s *InMemoryStock) Level(productID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels[productID]
}

// Order statuses kept by InMemoryOrders.
const (
	OrderPending   = "pending"
	OrderConfirmed = "confirmed"
	OrderCancelled = "cancelled"
)

// InMemoryOrders keeps orders in memory. Creating twice for the same saga
// returns the first order.
type InMemoryOrders struct {
	mu       sync.Mutex
	next     int64
	bySaga   map[string]int64
	statuses map[int64]string
}

func NewInMemoryOrders() *InMemoryOrders {
	return &InMemoryOrders{
		bySaga:   make(map[string]int64),
		statuses: make(map[int64]string),
	}
}

func (o *InMemoryOrders) Create(_ context.Context, req saga.OrderRequest) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if id, ok := o.bySaga[req.SagaID]; ok && req.SagaID != "" {
		return id, nil
	}
	o.next++
	o.bySaga[req.SagaID] = o.next
	o.statuses[o.next] = OrderPending
	return o.next, nil
}

func (o *InMemoryOrders) Cancel(_ context.Context, orderID int64, _ string) error {
	return o.setStatus(orderID, OrderCancelled)
}

func (o *InMemoryOrders) Confirm(_ context.Context, orderID int64) error {
	return o.setStatus(orderID, OrderConfirmed)
}

func (o *InMemoryOrders) setStatus(orderID int64, status string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.statuses[orderID]; !ok {
		return fmt.Errorf("order %d: %w", orderID, ErrUnknownOrder)
	}
	o.statuses[orderID] = status
	return nil
}

// Status returns an order's status.
func (o *InMemoryOrders) Status(orderID int64) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	status, ok := o.statuses[orderID]
	return status, ok
}

type memoryPayment struct {
	orderID  int64
	amount   float64
	refunded bool
}

// InMemoryPayments tracks charges and refunds in memory. Charges above
// DeclineAbove are declined when it is positive.
type InMemoryPayments struct {
	DeclineAbove float64

	mu       sync.Mutex
	next     int
	bySaga   map[string]string
	payments map[string]*memoryPayment
}

func NewInMemoryPayments() *InMemoryPayments {
	return &InMemoryPayments{
		bySaga:   make(map[string]string),
		payments: make(map[string]*memoryPayment),
	}
}

func (p *InMemoryPayments) Charge(_ context.Context, req saga.PaymentRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.bySaga[req.SagaID]; ok && req.SagaID != "" {
		return id, nil
	}
	if p.DeclineAbove > 0 && req.Amount > p.DeclineAbove {
		return "", fmt.Errorf("%w: amount %.2f", ErrPaymentDeclined, req.Amount)
	}
	p.next++
	id := fmt.Sprintf("pay-%d", p.next)
	p.bySaga[req.SagaID] = id
	p.payments[id] = &memoryPayment{orderID: req.OrderID, amount: req.Amount}
	return id, nil
}

func (p *InMemoryPayments) Refund(_ context.Context, paymentID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	payment, ok := p.payments[paymentID]
	if !ok {
		return fmt.Errorf("payment %s: %w", paymentID, ErrUnknownPayment)
	}
	payment.refunded = true
	return nil
}

// Refunded reports whether a payment was refunded.
func (p *InMemoryPayments) Refunded(paymentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	payment, ok := p.payments[paymentID]
	return ok && payment.refunded
}

var (
	_ saga.StockService   = (*InMemoryStock)(nil)
	_ saga.OrderService   = (*InMemoryOrders)(nil)
	_ saga.PaymentService = (*InMemoryPayments)(nil)
)
