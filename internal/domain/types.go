package domain

import (
	"math"
	"strings"
	"time"
)

// CartStatus enumerates the lifecycle states of a shopping cart.
type CartStatus string

const (
	// CartStatusActive marks the cart the shopper is currently filling.
	CartStatusActive CartStatus = "active"
	// CartStatusAbandoned marks a cart the shopper left with items still inside.
	CartStatusAbandoned CartStatus = "abandoned"
	// CartStatusConverted marks a cart for which checkout created a payable order.
	CartStatusConverted CartStatus = "converted"
)

// ParseCartStatus normalises a status reported by the remote service. Unknown or empty values map to active.
func ParseCartStatus(raw string) CartStatus {
	switch CartStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case CartStatusAbandoned:
		return CartStatusAbandoned
	case CartStatusConverted:
		return CartStatusConverted
	default:
		return CartStatusActive
	}
}

// OrderStatus enumerates order states as reported by the backend.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Money is an amount expressed in hundredths of the store currency unit.
type Money int64

// MoneyFromFloat converts a decimal price reported by the backend into Money.
func MoneyFromFloat(v float64) Money {
	return Money(math.Round(v * 100))
}

// MoneyFromUnits builds Money from whole currency units.
func MoneyFromUnits(units int64) Money {
	return Money(units * 100)
}

// Float returns the decimal value of the amount.
func (m Money) Float() float64 {
	return float64(m) / 100
}

// Whole reports whether the amount has no fractional part.
func (m Money) Whole() bool {
	return m%100 == 0
}

// Times multiplies the amount by a quantity.
func (m Money) Times(qty int) Money {
	return m * Money(qty)
}

// CartItem is one product line inside a cart.
type CartItem struct {
	ProductID string
	Name      string
	UnitPrice Money
	Image     string
	Quantity  int
	// Stock is the known stock ceiling; zero when the backend did not report one.
	Stock int
}

// StockCeiling returns the known stock ceiling for the product.
func (i CartItem) StockCeiling() (int, bool) {
	if i.Stock <= 0 {
		return 0, false
	}
	return i.Stock, true
}

// LineTotal returns unit price times quantity.
func (i CartItem) LineTotal() Money {
	return i.UnitPrice.Times(i.Quantity)
}

// Cart is the aggregate owned by one authenticated shopper.
type Cart struct {
	ID     string
	Items  []CartItem
	Status CartStatus
}

// NewCart returns an empty active cart.
func NewCart() Cart {
	return Cart{Status: CartStatusActive}
}

// Empty reports whether the cart has no lines.
func (c Cart) Empty() bool {
	return len(c.Items) == 0
}

// Item finds a line by product identifier.
func (c Cart) Item(productID string) (CartItem, bool) {
	for _, item := range c.Items {
		if item.ProductID == productID {
			return item, true
		}
	}
	return CartItem{}, false
}

// Units returns the sum of all line quantities.
func (c Cart) Units() int {
	total := 0
	for _, item := range c.Items {
		total += item.Quantity
	}
	return total
}

// Subtotal sums the line totals.
func (c Cart) Subtotal() Money {
	var total Money
	for _, item := range c.Items {
		total += item.LineTotal()
	}
	return total
}

// Clone returns a deep copy safe to hand to readers.
func (c Cart) Clone() Cart {
	out := c
	if c.Items != nil {
		out.Items = make([]CartItem, len(c.Items))
		copy(out.Items, c.Items)
	}
	return out
}

// Normalize drops lines without a product id or with a non-positive quantity and keeps the last line per product.
func (c Cart) Normalize() Cart {
	out := Cart{ID: strings.TrimSpace(c.ID), Status: c.Status}
	if out.Status == "" {
		out.Status = CartStatusActive
	}
	index := make(map[string]int, len(c.Items))
	for _, item := range c.Items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		if item.ProductID == "" || item.Quantity <= 0 {
			continue
		}
		if pos, ok := index[item.ProductID]; ok {
			out.Items[pos] = item
			continue
		}
		index[item.ProductID] = len(out.Items)
		out.Items = append(out.Items, item)
	}
	return out
}

// Order is produced by converting a cart; the backend owns it.
type Order struct {
	ID     string
	Lines  []OrderLine
	Total  Money
	Status OrderStatus
}

// OrderLine is one product line of an order.
type OrderLine struct {
	ProductID string
	Quantity  int
	UnitPrice Money
}

// LifecycleEventType names the cart and payment transitions reported to analytics.
type LifecycleEventType string

const (
	EventCartAbandoned   LifecycleEventType = "cart.abandoned"
	EventCartConverted   LifecycleEventType = "cart.converted"
	EventPaymentCaptured LifecycleEventType = "payment.captured"
	EventPaymentDeclined LifecycleEventType = "payment.declined"
	EventPaymentFailed   LifecycleEventType = "payment.failed"
)

// LifecycleEvent describes a cart or payment transition.
type LifecycleEvent struct {
	Type       LifecycleEventType `json:"type"`
	CartID     string             `json:"cartId,omitempty"`
	OrderID    string             `json:"orderId,omitempty"`
	UserID     string             `json:"userId,omitempty"`
	Provider   string             `json:"provider,omitempty"`
	Detail     string             `json:"detail,omitempty"`
	OccurredAt time.Time          `json:"occurredAt"`
}
