package readmodel

import "storefront/internal/events"

type CartItem struct {
	ProductID int64   `json:"product_id"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// Cart is the replayed state of a Cart aggregate.
type Cart struct {
	CustomerID  *int64     `json:"customer_id"`
	SessionID   *string    `json:"session_id"`
	Items       []CartItem `json:"items"`
	TotalItems  int        `json:"total_items"`
	TotalAmount float64    `json:"total_amount"`
	CheckedOut  bool       `json:"checked_out"`
	OrderID     *int64     `json:"order_id,omitempty"`
}

func NewCart() Cart {
	return Cart{Items: []CartItem{}}
}

func (c Cart) Found() bool {
	return c.CustomerID != nil || c.SessionID != nil || len(c.Items) > 0
}

func (c Cart) Apply(data events.Data) Projection {
	switch d := data.(type) {
	case events.CartCreated:
		c.CustomerID = cloneInt(d.CustomerID)
		c.SessionID = cloneString(d.SessionID)
	case events.CartItemAdded:
		items := make([]CartItem, 0, len(c.Items)+1)
		items = append(items, c.Items...)
		c.Items = append(items, CartItem{ProductID: d.ProductID, Quantity: d.Quantity, UnitPrice: d.UnitPrice})
		c.recount()
	case events.CartItemRemoved:
		items := make([]CartItem, 0, len(c.Items))
		for _, item := range c.Items {
			if item.ProductID != d.ProductID {
				items = append(items, item)
			}
		}
		c.Items = items
		c.recount()
	case events.CartCheckedOut:
		c.CheckedOut = true
		id := d.OrderID
		c.OrderID = &id
	}
	return c
}

func (c *Cart) recount() {
	c.TotalItems = 0
	c.TotalAmount = 0
	for _, item := range c.Items {
		c.TotalItems += item.Quantity
		c.TotalAmount += float64(item.Quantity) * item.UnitPrice
	}
}

func cloneInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
