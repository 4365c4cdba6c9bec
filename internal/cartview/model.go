package cartview

import (
	"context"

	"github.com/alambique/storefront/internal/domain"
	"github.com/alambique/storefront/internal/i18n"
)

// Line is one displayed cart line.
type Line struct {
	ProductID      string       `json:"productId"`
	Name           string       `json:"name"`
	Image          string       `json:"image,omitempty"`
	Quantity       int          `json:"quantity"`
	Stock          int          `json:"stock,omitempty"`
	AtStockLimit   bool         `json:"atStockLimit"`
	UnitPrice      domain.Money `json:"unitPrice"`
	UnitPriceLabel string       `json:"unitPriceLabel"`
	LineTotal      domain.Money `json:"lineTotal"`
	LineTotalLabel string       `json:"lineTotalLabel"`
}

// Model is the display model of the cart page. Amounts are in hundredths.
type Model struct {
	CartID        string            `json:"cartId,omitempty"`
	Status        domain.CartStatus `json:"status"`
	Lines         []Line            `json:"lines"`
	Units         int               `json:"units"`
	Subtotal      domain.Money      `json:"subtotal"`
	SubtotalLabel string            `json:"subtotalLabel"`
	Empty         bool              `json:"empty"`
	EmptyMessage  string            `json:"emptyMessage,omitempty"`
}

// Model renders the view's cart in the request's language.
func (v *View) Model(ctx context.Context) Model {
	return BuildModel(v.current(), v.localizer(ctx))
}

// BuildModel renders cart with loc.
func BuildModel(cart domain.Cart, loc i18n.Localizer) Model {
	m := Model{
		CartID:   cart.ID,
		Status:   cart.Status,
		Lines:    make([]Line, 0, len(cart.Items)),
		Units:    cart.Units(),
		Subtotal: cart.Subtotal(),
		Empty:    cart.Empty(),
	}
	if m.Status == "" {
		m.Status = domain.CartStatusActive
	}
	for _, item := range cart.Items {
		stock, known := item.StockCeiling()
		m.Lines = append(m.Lines, Line{
			ProductID:      item.ProductID,
			Name:           item.Name,
			Image:          item.Image,
			Quantity:       item.Quantity,
			Stock:          item.Stock,
			AtStockLimit:   known && item.Quantity >= stock,
			UnitPrice:      item.UnitPrice,
			UnitPriceLabel: loc.Money(item.UnitPrice),
			LineTotal:      item.LineTotal(),
			LineTotalLabel: loc.Money(item.LineTotal()),
		})
	}
	m.SubtotalLabel = loc.Money(m.Subtotal)
	if m.Empty {
		m.EmptyMessage = loc.T(i18n.KeyCartEmpty)
	}
	return m
}
