package readmodel

import "storefront/internal/events"

// Order statuses as seen by the read side.
const (
	OrderStatusCreated   = "created"
	OrderStatusConfirmed = "confirmed"
	OrderStatusCancelled = "cancelled"
)

// Order is the replayed state of an Order aggregate.
type Order struct {
	OrderID       int64             `json:"order_id"`
	SagaID        string            `json:"saga_id,omitempty"`
	CustomerID    int64             `json:"customer_id"`
	StoreID       int64             `json:"store_id,omitempty"`
	Items         []events.LineItem `json:"items"`
	TotalAmount   float64           `json:"total_amount"`
	PaymentMethod string            `json:"payment_method,omitempty"`
	Status        string            `json:"status"`
	CancelReason  string            `json:"cancel_reason,omitempty"`
	PaymentID     string            `json:"payment_id,omitempty"`
	Refunded      bool              `json:"refunded"`
}

func NewOrder() Order {
	return Order{Items: []events.LineItem{}}
}

// Found reports whether OrderCreated has been applied.
func (o Order) Found() bool { return o.CustomerID != 0 }

func (o Order) Apply(data events.Data) Projection {
	switch d := data.(type) {
	case events.OrderCreated:
		o.OrderID = d.OrderID
		o.SagaID = d.SagaID
		o.CustomerID = d.CustomerID
		o.StoreID = d.StoreID
		o.Items = append([]events.LineItem{}, d.Items...)
		o.TotalAmount = d.TotalAmount
		o.PaymentMethod = d.PaymentMethod
		o.Status = OrderStatusCreated
	case events.OrderConfirmed:
		if o.Status != OrderStatusCancelled {
			o.Status = OrderStatusConfirmed
		}
	case events.OrderCancelled:
		o.Status = OrderStatusCancelled
		o.CancelReason = d.Reason
	case events.PaymentCompleted:
		o.PaymentID = d.PaymentID
	case events.PaymentRefunded:
		o.Refunded = true
	}
	return o
}
