// Package cartview reconciles the cart page with the cart store: stock pre-checks on quantity
// changes, a display model, and the abandon-on-leave disposer.
package cartview

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/alambique/storefront/internal/domain"
	"github.com/alambique/storefront/internal/i18n"
	"github.com/alambique/storefront/internal/platform/requestctx"
)

var (
	// ErrDisposed is returned by operations on a view that has been left.
	ErrDisposed = errors.New("cartview: view disposed")
	// ErrInvalidProduct is returned when no product id is supplied.
	ErrInvalidProduct = errors.New("cartview: product id is required")
)

// Store is the cart surface the view drives.
type Store interface {
	FetchCart(ctx context.Context) error
	AddItem(ctx context.Context, item domain.CartItem, delta int) error
	RemoveItem(ctx context.Context, productID string) error
	AbandonCart(ctx context.Context, cartID string) error
	Snapshot() domain.Cart
	Subscribe(fn func(domain.Cart)) func()
}

// StockExceededError reports an increase above the known stock ceiling. No store call was made.
type StockExceededError struct {
	ProductID string
	Stock     int
	Requested int
	Message   string
}

func (e *StockExceededError) Error() string {
	return e.Message
}

// Options configures a View.
type Options struct {
	Messages *i18n.Bundle
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// Disposer leaves the view. Only the first call has an effect.
type Disposer func(ctx context.Context)

// View is one mounted cart page.
type View struct {
	store    Store
	messages *i18n.Bundle
	logger   func(context.Context, string, map[string]any)

	disposed    atomic.Bool
	unsubscribe func()

	mu   sync.RWMutex
	cart domain.Cart
}

// Enter mounts a view over store and returns it together with its disposer. The disposer abandons
// the cart when it still holds items, is active and has a known id.
func Enter(store Store, opts Options) (*View, Disposer) {
	messages := opts.Messages
	if messages == nil {
		messages = i18n.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	v := &View{
		store:    store,
		messages: messages,
		logger:   logger,
		cart:     store.Snapshot(),
	}
	v.unsubscribe = store.Subscribe(v.apply)

	var once sync.Once
	dispose := func(ctx context.Context) {
		once.Do(func() { v.dispose(ctx) })
	}
	return v, dispose
}

// Disposed reports whether the view has been left.
func (v *View) Disposed() bool {
	return v.disposed.Load()
}

// Release unmounts the view without abandoning the cart. Later operations return ErrDisposed
// and the disposer becomes a no-op.
func (v *View) Release() {
	if v.disposed.Swap(true) {
		return
	}
	if v.unsubscribe != nil {
		v.unsubscribe()
	}
}

// Load refreshes the cart. Results arriving after disposal are discarded.
func (v *View) Load(ctx context.Context) error {
	if v.Disposed() {
		return ErrDisposed
	}
	if err := v.store.FetchCart(ctx); err != nil {
		return err
	}
	if v.Disposed() {
		return ErrDisposed
	}
	return nil
}

// ChangeQuantity applies a relative quantity change to a line. Increases above the known stock
// ceiling fail with *StockExceededError before reaching the store; decreases are never blocked.
func (v *View) ChangeQuantity(ctx context.Context, productID string, delta int) error {
	return v.Add(ctx, domain.CartItem{ProductID: productID}, delta)
}

// Add is ChangeQuantity for a product that may not be in the cart yet; item.Stock is used as the
// ceiling when the cart does not know one. An increase on a view whose cart was never loaded
// fetches it first.
func (v *View) Add(ctx context.Context, item domain.CartItem, delta int) error {
	item.ProductID = strings.TrimSpace(item.ProductID)
	if item.ProductID == "" {
		return ErrInvalidProduct
	}
	if v.Disposed() {
		return ErrDisposed
	}
	if delta == 0 {
		return nil
	}
	if delta > 0 && v.current().ID == "" {
		// Never loaded: the stock check needs the quantity the backend holds.
		if err := v.store.FetchCart(ctx); err != nil {
			return err
		}
		if v.Disposed() {
			return ErrDisposed
		}
		v.apply(v.store.Snapshot())
	}

	current, inCart := v.current().Item(item.ProductID)
	if inCart {
		if current.Stock <= 0 {
			current.Stock = item.Stock
		}
		item = current
	}
	if delta > 0 {
		quantity := 0
		if inCart {
			quantity = current.Quantity
		}
		if stock, ok := item.StockCeiling(); ok && quantity+delta > stock {
			loc := v.localizer(ctx)
			v.logger(ctx, "stock_exceeded", map[string]any{"productId": item.ProductID, "stock": stock, "requested": quantity + delta})
			return &StockExceededError{
				ProductID: item.ProductID,
				Stock:     stock,
				Requested: quantity + delta,
				Message:   loc.T(i18n.KeyStockExceeded, stock),
			}
		}
	}

	if err := v.store.AddItem(ctx, item, delta); err != nil {
		return err
	}
	if v.Disposed() {
		return ErrDisposed
	}
	return nil
}

// Remove deletes a line.
func (v *View) Remove(ctx context.Context, productID string) error {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return ErrInvalidProduct
	}
	if v.Disposed() {
		return ErrDisposed
	}
	if err := v.store.RemoveItem(ctx, productID); err != nil {
		return err
	}
	if v.Disposed() {
		return ErrDisposed
	}
	return nil
}

func (v *View) current() domain.Cart {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cart
}

func (v *View) apply(cart domain.Cart) {
	if v.Disposed() {
		return
	}
	v.mu.Lock()
	v.cart = cart
	v.mu.Unlock()
}

func (v *View) dispose(ctx context.Context) {
	if v.disposed.Swap(true) {
		return
	}
	if v.unsubscribe != nil {
		v.unsubscribe()
	}

	cart := v.store.Snapshot()
	if cart.ID == "" || cart.Empty() || cart.Status != domain.CartStatusActive {
		v.logger(ctx, "leave_without_abandon", map[string]any{"cartId": cart.ID, "status": string(cart.Status), "lines": len(cart.Items)})
		return
	}
	if err := v.store.AbandonCart(ctx, cart.ID); err != nil {
		v.logger(ctx, "abandon_failed", map[string]any{"cartId": cart.ID, "error": err})
		return
	}
	v.logger(ctx, "abandoned_on_leave", map[string]any{"cartId": cart.ID})
}

func (v *View) localizer(ctx context.Context) i18n.Localizer {
	return v.messages.For(requestctx.Locale(ctx))
}
