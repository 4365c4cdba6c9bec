package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/alambique/storefront/internal/cartapi"
	"github.com/alambique/storefront/internal/domain"
)

var tracer = otel.Tracer("github.com/alambique/storefront/internal/cart")

var (
	// ErrInvalidItem is returned when an item has no product id.
	ErrInvalidItem = errors.New("cart: item product id is required")
	// ErrInvalidDelta is returned for a zero quantity delta.
	ErrInvalidDelta = errors.New("cart: quantity delta must be non-zero")
	// ErrMissingCartID is returned when abandoning without a cart id.
	ErrMissingCartID = errors.New("cart: cart id is required")
	// ErrCartMismatch is returned when abandoning a cart other than the mirrored one.
	ErrCartMismatch = errors.New("cart: cart id does not match the current cart")
)

// Remote is the backend surface the store mirrors.
type Remote interface {
	FetchCart(ctx context.Context) (domain.Cart, error)
	AddItem(ctx context.Context, productID string, delta int) error
	RemoveItem(ctx context.Context, productID string) error
	AbandonCart(ctx context.Context, cartID string) error
	ConvertToOrder(ctx context.Context) (cartapi.ConvertResult, error)
}

// EventSink receives lifecycle events; delivery is best effort.
type EventSink interface {
	Emit(ctx context.Context, event domain.LifecycleEvent)
}

// Deps wires a Store.
type Deps struct {
	Remote Remote
	Events EventSink
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

// Store is the client-side mirror of one shopper's cart. The backend is authoritative:
// every mutation is followed by a full re-fetch that replaces the mirror.
type Store struct {
	remote Remote
	events EventSink
	now    func() time.Time
	logger func(context.Context, string, map[string]any)

	// mutate serialises mutations together with their re-fetch.
	mutate sync.Mutex

	mu          sync.RWMutex
	cart        domain.Cart
	applied     uint64
	subscribers map[uint64]func(domain.Cart)
	nextSub     uint64

	issued atomic.Uint64
}

// NewStore validates deps and returns an empty active store.
func NewStore(deps Deps) (*Store, error) {
	if deps.Remote == nil {
		return nil, errors.New("cart store: remote is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Store{
		remote:      deps.Remote,
		events:      deps.Events,
		now:         func() time.Time { return clock().UTC() },
		logger:      logger,
		cart:        domain.NewCart(),
		subscribers: make(map[uint64]func(domain.Cart)),
	}, nil
}

// FetchCart replaces the mirror with the backend cart. On failure the mirror is left untouched.
func (s *Store) FetchCart(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "cart.FetchCart")
	defer span.End()
	if err := s.refresh(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return err
	}
	return nil
}

// AddItem applies a signed quantity delta and re-fetches.
func (s *Store) AddItem(ctx context.Context, item domain.CartItem, delta int) error {
	productID := strings.TrimSpace(item.ProductID)
	if productID == "" {
		return ErrInvalidItem
	}
	if delta == 0 {
		return ErrInvalidDelta
	}
	ctx, span := tracer.Start(ctx, "cart.AddItem")
	defer span.End()
	span.SetAttributes(attribute.String("cart.product_id", productID), attribute.Int("cart.delta", delta))

	s.mutate.Lock()
	defer s.mutate.Unlock()

	if err := s.remote.AddItem(ctx, productID, delta); err != nil {
		span.RecordError(err)
		s.logger(ctx, "add_item_failed", map[string]any{"productId": productID, "delta": delta, "error": err})
		return fmt.Errorf("cart: add item: %w", err)
	}
	return s.refresh(ctx)
}

// RemoveItem deletes a line and re-fetches.
func (s *Store) RemoveItem(ctx context.Context, productID string) error {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return ErrInvalidItem
	}
	ctx, span := tracer.Start(ctx, "cart.RemoveItem")
	defer span.End()

	s.mutate.Lock()
	defer s.mutate.Unlock()

	if err := s.remote.RemoveItem(ctx, productID); err != nil {
		span.RecordError(err)
		s.logger(ctx, "remove_item_failed", map[string]any{"productId": productID, "error": err})
		return fmt.Errorf("cart: remove item: %w", err)
	}
	return s.refresh(ctx)
}

// AbandonCart marks cartID abandoned locally and tells the backend. Calls on a cart that is already
// abandoned or converted are no-ops.
// The local transition is optimistic and survives a failed remote call; the error is still returned for logging.
func (s *Store) AbandonCart(ctx context.Context, cartID string) error {
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return ErrMissingCartID
	}
	ctx, span := tracer.Start(ctx, "cart.AbandonCart")
	defer span.End()
	span.SetAttributes(attribute.String("cart.id", cartID))

	s.mutate.Lock()
	defer s.mutate.Unlock()

	s.mu.Lock()
	if s.cart.ID != "" && s.cart.ID != cartID {
		s.mu.Unlock()
		return ErrCartMismatch
	}
	// Status only moves forward; a converted cart is never abandoned.
	if s.cart.Status == domain.CartStatusAbandoned || s.cart.Status == domain.CartStatusConverted {
		status := s.cart.Status
		s.mu.Unlock()
		s.logger(ctx, "abandon_skipped", map[string]any{"cartId": cartID, "status": string(status)})
		return nil
	}
	s.cart.Status = domain.CartStatusAbandoned
	snapshot, subs := s.snapshotLocked()
	s.mu.Unlock()
	notify(subs, snapshot)

	s.emit(ctx, domain.LifecycleEvent{Type: domain.EventCartAbandoned, CartID: cartID, Detail: fmt.Sprintf("%d units", snapshot.Units())})

	if err := s.remote.AbandonCart(ctx, cartID); err != nil {
		span.RecordError(err)
		s.logger(ctx, "abandon_failed", map[string]any{"cartId": cartID, "error": err})
		return fmt.Errorf("cart: abandon: %w", err)
	}
	s.logger(ctx, "abandoned", map[string]any{"cartId": cartID})
	return nil
}

// ConvertToOrder asks the backend for a payable order. Any answer, rejection included, marks the cart converted
// because checkout has been initiated; only a failed call leaves the status alone.
func (s *Store) ConvertToOrder(ctx context.Context) (cartapi.ConvertResult, error) {
	ctx, span := tracer.Start(ctx, "cart.ConvertToOrder")
	defer span.End()

	s.mutate.Lock()
	defer s.mutate.Unlock()

	res, err := s.remote.ConvertToOrder(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "convert failed")
		s.logger(ctx, "convert_failed", map[string]any{"error": err})
		return cartapi.ConvertResult{}, fmt.Errorf("cart: convert: %w", err)
	}

	s.mu.Lock()
	s.cart.Status = domain.CartStatusConverted
	cartID := s.cart.ID
	snapshot, subs := s.snapshotLocked()
	s.mu.Unlock()
	notify(subs, snapshot)

	fields := map[string]any{"cartId": cartID}
	if res.Order != nil {
		fields["orderId"] = res.Order.ID
		span.SetAttributes(attribute.String("order.id", res.Order.ID))
		s.emit(ctx, domain.LifecycleEvent{Type: domain.EventCartConverted, CartID: cartID, OrderID: res.Order.ID})
	} else {
		fields["rejection"] = res.Rejection.Message()
	}
	s.logger(ctx, "converted", fields)
	return res, nil
}

// Clear resets the mirror to an empty active cart without calling the backend. Fetches still in flight are discarded.
func (s *Store) Clear() {
	s.mu.Lock()
	s.cart = domain.NewCart()
	s.applied = s.issued.Load()
	snapshot, subs := s.snapshotLocked()
	s.mu.Unlock()
	notify(subs, snapshot)
}

// Snapshot returns a copy of the mirror.
func (s *Store) Snapshot() domain.Cart {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cart.Clone()
}

// Subscribe registers fn for every mirror change and returns its cancel function.
func (s *Store) Subscribe(fn func(domain.Cart)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
}

// refresh fetches the cart and applies it unless a newer response already landed.
func (s *Store) refresh(ctx context.Context) error {
	seq := s.issued.Add(1)
	remote, err := s.remote.FetchCart(ctx)
	if err != nil {
		s.logger(ctx, "fetch_failed", map[string]any{"error": err})
		return fmt.Errorf("cart: fetch: %w", err)
	}

	s.mu.Lock()
	if seq <= s.applied {
		s.mu.Unlock()
		s.logger(ctx, "stale_fetch_discarded", map[string]any{"sequence": seq})
		return nil
	}
	s.applied = seq
	s.cart = remote.Normalize()
	snapshot, subs := s.snapshotLocked()
	s.mu.Unlock()
	notify(subs, snapshot)
	return nil
}

func (s *Store) snapshotLocked() (domain.Cart, []func(domain.Cart)) {
	subs := make([]func(domain.Cart), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	return s.cart.Clone(), subs
}

func (s *Store) emit(ctx context.Context, event domain.LifecycleEvent) {
	if s.events == nil {
		return
	}
	event.OccurredAt = s.now()
	s.events.Emit(ctx, event)
}

func notify(subs []func(domain.Cart), snapshot domain.Cart) {
	for _, fn := range subs {
		fn(snapshot.Clone())
	}
}
