package cartapi

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/alambique/storefront/internal/domain"
)

// IssueInstrumentDeclined is the gateway issue code for a soft decline the shopper can fix by choosing another instrument.
const IssueInstrumentDeclined = "INSTRUMENT_DECLINED"

// ConvertResult is either a created order or a business rejection; exactly one field is set.
type ConvertResult struct {
	Order     *CreatedOrder
	Rejection *Rejection
}

// CreatedOrder identifies the order the gateway widget will collect payment for.
type CreatedOrder struct {
	ID string
}

// Rejection carries the backend's reasons for refusing to create an order.
type Rejection struct {
	Details []Detail
}

// Message returns the first non-empty detail message.
func (r *Rejection) Message() string {
	if r == nil {
		return ""
	}
	return firstMessage(r.Details)
}

// CaptureResult is either a completed capture or a gateway decline; exactly one field is set.
type CaptureResult struct {
	Capture *Capture
	Decline *Decline
}

// Capture describes a successful gateway capture.
type Capture struct {
	OrderID   string
	CaptureID string
	Status    string
}

// Decline is the gateway's refusal to capture.
type Decline struct {
	Details []Detail
}

// InstrumentDeclined reports whether the first detail is a soft instrument decline.
func (d *Decline) InstrumentDeclined() bool {
	return d != nil && len(d.Details) > 0 && strings.EqualFold(d.Details[0].Issue, IssueInstrumentDeclined)
}

// Issue returns the first detail's issue code.
func (d *Decline) Issue() string {
	if d == nil || len(d.Details) == 0 {
		return ""
	}
	return d.Details[0].Issue
}

// Message returns the first non-empty description or message.
func (d *Decline) Message() string {
	if d == nil {
		return ""
	}
	return firstMessage(d.Details)
}

// DebugID returns the gateway debug identifier, useful in support tickets.
func (d *Decline) DebugID() string {
	if d == nil {
		return ""
	}
	for _, detail := range d.Details {
		if detail.DebugID != "" {
			return detail.DebugID
		}
	}
	return ""
}

// Detail is one entry of the backend's details array.
type Detail struct {
	Issue       string `json:"issue,omitempty"`
	Description string `json:"description,omitempty"`
	Message     string `json:"message,omitempty"`
	DebugID     string `json:"debug_id,omitempty"`
}

func firstMessage(details []Detail) string {
	for _, d := range details {
		if msg := strings.TrimSpace(d.Message); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(d.Description); msg != "" {
			return msg
		}
	}
	return ""
}

// flexString accepts JSON strings and numbers; backends disagree on id types.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexNumber accepts JSON numbers and numeric strings ("850.00").
type flexNumber float64

func (f *flexNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = flexNumber(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = flexNumber(v)
	return nil
}

type cartPayload struct {
	ID     flexString        `json:"id"`
	CartID flexString        `json:"cart_id"`
	Status string            `json:"status"`
	Items  []cartItemPayload `json:"items"`
}

type cartItemPayload struct {
	Product  productPayload `json:"product"`
	Quantity flexNumber     `json:"quantity"`
}

type productPayload struct {
	ID    flexString  `json:"id"`
	Name  string      `json:"name"`
	Price flexNumber  `json:"price"`
	Image string      `json:"image"`
	Stock *flexNumber `json:"stock"`
}

func (p cartPayload) toCart() domain.Cart {
	id := string(p.ID)
	if id == "" {
		id = string(p.CartID)
	}
	cart := domain.Cart{
		ID:     id,
		Status: domain.ParseCartStatus(p.Status),
		Items:  make([]domain.CartItem, 0, len(p.Items)),
	}
	for _, item := range p.Items {
		line := domain.CartItem{
			ProductID: string(item.Product.ID),
			Name:      strings.TrimSpace(item.Product.Name),
			UnitPrice: domain.MoneyFromFloat(float64(item.Product.Price)),
			Image:     strings.TrimSpace(item.Product.Image),
			Quantity:  int(item.Quantity),
		}
		if item.Product.Stock != nil && *item.Product.Stock > 0 {
			line.Stock = int(*item.Product.Stock)
		}
		cart.Items = append(cart.Items, line)
	}
	return cart.Normalize()
}

type convertPayload struct {
	ID      flexString `json:"id"`
	OrderID flexString `json:"order_id"`
	Details []Detail   `json:"details"`
}

type capturePayload struct {
	ID            flexString `json:"id"`
	Status        string     `json:"status"`
	Details       []Detail   `json:"details"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

type errorPayload struct {
	Message string          `json:"message"`
	Detail  string          `json:"detail"`
	Error   json.RawMessage `json:"error"`
	Details []Detail        `json:"details"`
}

func (p errorPayload) message() string {
	if msg := strings.TrimSpace(p.Message); msg != "" {
		return msg
	}
	if msg := firstMessage(p.Details); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(p.Detail); msg != "" {
		return msg
	}
	if len(p.Error) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Error, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var nested struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(p.Error, &nested); err == nil {
		return strings.TrimSpace(nested.Message)
	}
	return ""
}
