package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Data is the payload of an envelope. Each event type has exactly one
// implementation; types this build does not know decode to Opaque.
type Data interface {
	EventType() string
	Validate() error
}

// Event type tags.
const (
	TypeCartCreated      = "CartCreated"
	TypeCartItemAdded    = "CartItemAdded"
	TypeCartItemRemoved  = "CartItemRemoved"
	TypeCartCheckedOut   = "CartCheckedOut"
	TypeOrderCreated     = "OrderCreated"
	TypeOrderConfirmed   = "OrderConfirmed"
	TypeOrderCancelled   = "OrderCancelled"
	TypeStockReserved    = "StockReserved"
	TypeStockReleased    = "StockReleased"
	TypePaymentCompleted = "PaymentCompleted"
	TypePaymentFailed    = "PaymentFailed"
	TypePaymentRefunded  = "PaymentRefunded"
	TypeSagaStarted      = "SagaStarted"
	TypeSagaCompleted    = "SagaCompleted"
	TypeSagaCompensated  = "SagaCompensated"
	TypeSagaFailed       = "SagaFailed"
)

var registry = map[string]func() Data{
	TypeCartCreated:      func() Data { return &CartCreated{} },
	TypeCartItemAdded:    func() Data { return &CartItemAdded{} },
	TypeCartItemRemoved:  func() Data { return &CartItemRemoved{} },
	TypeCartCheckedOut:   func() Data { return &CartCheckedOut{} },
	TypeOrderCreated:     func() Data { return &OrderCreated{} },
	TypeOrderConfirmed:   func() Data { return &OrderConfirmed{} },
	TypeOrderCancelled:   func() Data { return &OrderCancelled{} },
	TypeStockReserved:    func() Data { return &StockReserved{} },
	TypeStockReleased:    func() Data { return &StockReleased{} },
	TypePaymentCompleted: func() Data { return &PaymentCompleted{} },
	TypePaymentFailed:    func() Data { return &PaymentFailed{} },
	TypePaymentRefunded:  func() Data { return &PaymentRefunded{} },
	TypeSagaStarted:      func() Data { return &SagaStarted{} },
	TypeSagaCompleted:    func() Data { return &SagaCompleted{} },
	TypeSagaCompensated:  func() Data { return &SagaCompensated{} },
	TypeSagaFailed:       func() Data { return &SagaFailed{} },
}

// Known reports whether eventType has a defined schema.
func Known(eventType string) bool {
	_, ok := registry[eventType]
	return ok
}

// DecodeData decodes a raw payload for eventType. Unknown types are kept as Opaque.
func DecodeData(eventType string, raw json.RawMessage) (Data, error) {
	factory, ok := registry[eventType]
	if !ok {
		return Opaque{Type: eventType, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	data := factory()
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, data); err != nil {
			return nil, fmt.Errorf("%w: %s data: %v", ErrMalformed, eventType, err)
		}
	}
	// Handlers switch on value types.
	return deref(data), nil
}

func deref(d Data) Data {
	switch v := d.(type) {
	case *CartCreated:
		return *v
	case *CartItemAdded:
		return *v
	case *CartItemRemoved:
		return *v
	case *CartCheckedOut:
		return *v
	case *OrderCreated:
		return *v
	case *OrderConfirmed:
		return *v
	case *OrderCancelled:
		return *v
	case *StockReserved:
		return *v
	case *StockReleased:
		return *v
	case *PaymentCompleted:
		return *v
	case *PaymentFailed:
		return *v
	case *PaymentRefunded:
		return *v
	case *SagaStarted:
		return *v
	case *SagaCompleted:
		return *v
	case *SagaCompensated:
		return *v
	case *SagaFailed:
		return *v
	}
	return d
}

// Opaque carries a payload of an event type this build does not interpret.
type Opaque struct {
	Type string
	Raw  json.RawMessage
}

func (o Opaque) EventType() string { return o.Type }
func (o Opaque) Validate() error    { return nil }

func (o Opaque) MarshalJSON() ([]byte, error) {
	if len(bytes.TrimSpace(o.Raw)) == 0 {
		return []byte(`{}`), nil
	}
	return o.Raw, nil
}

// LineItem is a product line in a cart or order.
type LineItem struct {
	ProductID int64   `json:"product_id"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

func (l LineItem) validate() error {
	if l.ProductID <= 0 {
		return errors.New("product_id must be positive")
	}
	if l.Quantity <= 0 {
		return errors.New("quantity must be positive")
	}
	if l.UnitPrice < 0 {
		return errors.New("unit_price must be >= 0")
	}
	return nil
}

type CartCreated struct {
	CustomerID *int64  `json:"customer_id,omitempty"`
	SessionID  *string `json:"session_id,omitempty"`
}

func (CartCreated) EventType() string { return TypeCartCreated }

func (c CartCreated) Validate() error {
	if c.CustomerID == nil && (c.SessionID == nil || *c.SessionID == "") {
		return errors.New("customer_id or session_id is required")
	}
	return nil
}

type CartItemAdded struct {
	ProductID int64   `json:"product_id"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

func (CartItemAdded) EventType() string { return TypeCartItemAdded }

func (c CartItemAdded) Validate() error {
	return LineItem(c).validate()
}

type CartItemRemoved struct {
	ProductID int64 `json:"product_id"`
}

func (CartItemRemoved) EventType() string { return TypeCartItemRemoved }

func (c CartItemRemoved) Validate() error {
	if c.ProductID <= 0 {
		return errors.New("product_id must be positive")
	}
	return nil
}

type CartCheckedOut struct {
	OrderID int64 `json:"order_id"`
}

func (CartCheckedOut) EventType() string { return TypeCartCheckedOut }

func (c CartCheckedOut) Validate() error {
	if c.OrderID <= 0 {
		return errors.New("order_id must be positive")
	}
	return nil
}

// OrderCreated is emitted by the orders service. SagaID is set only when the
// order was created by a saga step.
type OrderCreated struct {
	OrderID       int64      `json:"order_id,omitempty"`
	SagaID        string     `json:"saga_id,omitempty"`
	CustomerID    int64      `json:"customer_id"`
	StoreID       int64      `json:"store_id,omitempty"`
	Items         []LineItem `json:"items"`
	TotalAmount   float64    `json:"total_amount"`
	PaymentMethod string     `json:"payment_method,omitempty"`
}

func (OrderCreated) EventType() string { return TypeOrderCreated }

func (o OrderCreated) Validate() error {
	if o.CustomerID <= 0 {
		return errors.New("customer_id must be positive")
	}
	if len(o.Items) == 0 {
		return errors.New("items are required")
	}
	for i, item := range o.Items {
		if err := item.validate(); err != nil {
			return fmt.Errorf("items[%d]: %w", i, err)
		}
	}
	if o.TotalAmount < 0 {
		return errors.New("total_amount must be >= 0")
	}
	return nil
}

type OrderConfirmed struct {
	OrderID int64 `json:"order_id"`
}

func (OrderConfirmed) EventType() string { return TypeOrderConfirmed }

func (o OrderConfirmed) Validate() error {
	if o.OrderID <= 0 {
		return errors.New("order_id must be positive")
	}
	return nil
}

type OrderCancelled struct {
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

func (OrderCancelled) EventType() string { return TypeOrderCancelled }

func (o OrderCancelled) Validate() error {
	if o.OrderID <= 0 {
		return errors.New("order_id must be positive")
	}
	return nil
}

type StockReserved struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Reference string `json:"reference,omitempty"`
}

func (StockReserved) EventType() string { return TypeStockReserved }

func (s StockReserved) Validate() error {
	if s.ProductID <= 0 || s.Quantity <= 0 {
		return errors.New("product_id and quantity must be positive")
	}
	return nil
}

type StockReleased struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Reference string `json:"reference,omitempty"`
}

func (StockReleased) EventType() string { return TypeStockReleased }

func (s StockReleased) Validate() error {
	if s.ProductID <= 0 || s.Quantity <= 0 {
		return errors.New("product_id and quantity must be positive")
	}
	return nil
}

type PaymentCompleted struct {
	PaymentID string  `json:"payment_id"`
	OrderID   int64   `json:"order_id"`
	Amount    float64 `json:"amount"`
}

func (PaymentCompleted) EventType() string { return TypePaymentCompleted }

func (p PaymentCompleted) Validate() error {
	if p.PaymentID == "" || p.OrderID <= 0 {
		return errors.New("payment_id and order_id are required")
	}
	return nil
}

// PaymentFailed may arrive from the payments service independently of the
// saga's own payment step.
type PaymentFailed struct {
	SagaID  string `json:"saga_id,omitempty"`
	OrderID int64  `json:"order_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (PaymentFailed) EventType() string { return TypePaymentFailed }

func (p PaymentFailed) Validate() error {
	if p.SagaID == "" && p.OrderID <= 0 {
		return errors.New("saga_id or order_id is required")
	}
	return nil
}

type PaymentRefunded struct {
	PaymentID string  `json:"payment_id"`
	OrderID   int64   `json:"order_id"`
	Amount    float64 `json:"amount"`
}

func (PaymentRefunded) EventType() string { return TypePaymentRefunded }

func (p PaymentRefunded) Validate() error {
	if p.PaymentID == "" {
		return errors.New("payment_id is required")
	}
	return nil
}

type SagaStarted struct {
	SagaID   string `json:"saga_id"`
	SagaType string `json:"saga_type"`
}

func (SagaStarted) EventType() string { return TypeSagaStarted }
func (s SagaStarted) Validate() error  { return requireSaga(s.SagaID, s.SagaType) }

type SagaCompleted struct {
	SagaID   string `json:"saga_id"`
	SagaType string `json:"saga_type"`
	OrderID  int64  `json:"order_id,omitempty"`
}

func (SagaCompleted) EventType() string { return TypeSagaCompleted }
func (s SagaCompleted) Validate() error  { return requireSaga(s.SagaID, s.SagaType) }

type SagaCompensated struct {
	SagaID     string `json:"saga_id"`
	SagaType   string `json:"saga_type"`
	FailedStep string `json:"failed_step,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (SagaCompensated) EventType() string { return TypeSagaCompensated }
func (s SagaCompensated) Validate() error  { return requireSaga(s.SagaID, s.SagaType) }

type SagaFailed struct {
	SagaID     string `json:"saga_id"`
	SagaType   string `json:"saga_type"`
	FailedStep string `json:"failed_step,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (SagaFailed) EventType() string { return TypeSagaFailed }
func (s SagaFailed) Validate() error  { return requireSaga(s.SagaID, s.SagaType) }

func requireSaga(id, typ string) error {
	if id == "" || typ == "" {
		return errors.New("saga_id and saga_type are required")
	}
	return nil
}
