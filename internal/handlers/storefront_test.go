package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/alambique/storefront/internal/cart"
	"github.com/alambique/storefront/internal/cartapi"
	"github.com/alambique/storefront/internal/cartview"
	"github.com/alambique/storefront/internal/checkout"
	"github.com/alambique/storefront/internal/domain"
	"github.com/alambique/storefront/internal/i18n"
	"github.com/alambique/storefront/internal/payments"
	"github.com/alambique/storefront/internal/platform/auth"
	"github.com/alambique/storefront/internal/platform/requestctx"
	"github.com/alambique/storefront/internal/session"
)

type fakeBackend struct {
	mu        sync.Mutex
	cart      domain.Cart
	fetchErr  error
	convert   cartapi.ConvertResult
	abandoned []string
}

func (f *fakeBackend) FetchCart(context.Context) (domain.Cart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return domain.Cart{}, f.fetchErr
	}
	return f.cart.Clone(), nil
}

func (f *fakeBackend) AddItem(_ context.Context, productID string, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.cart.Items {
		if f.cart.Items[i].ProductID == productID {
			f.cart.Items[i].Quantity += delta
			return nil
		}
	}
	f.cart.Items = append(f.cart.Items, domain.CartItem{ProductID: productID, UnitPrice: domain.MoneyFromUnits(100), Quantity: delta})
	return nil
}

func (f *fakeBackend) RemoveItem(_ context.Context, productID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.cart.Items[:0]
	for _, item := range f.cart.Items {
		if item.ProductID != productID {
			kept = append(kept, item)
		}
	}
	f.cart.Items = kept
	return nil
}

func (f *fakeBackend) AbandonCart(_ context.Context, cartID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, cartID)
	return nil
}

func (f *fakeBackend) ConvertToOrder(context.Context) (cartapi.ConvertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convert, nil
}

func (f *fakeBackend) abandonCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.abandoned...)
}

type fakeCapturer struct {
	result payments.CaptureResult
}

func (f fakeCapturer) Capture(_ context.Context, _ payments.PaymentContext, req payments.CaptureRequest) (payments.CaptureResult, error) {
	res := f.result
	res.OrderID = req.OrderID
	return res, nil
}

type recordingCookies struct {
	destroyed int
}

func (c *recordingCookies) Destroy(http.ResponseWriter) { c.destroyed++ }

type harness struct {
	backend  *fakeBackend
	registry *session.Registry
	cookies  *recordingCookies
	router   chi.Router
}

func newHarness(t *testing.T, backend *fakeBackend, capture payments.CaptureResult) *harness {
	t.Helper()
	registry, err := session.NewRegistry(func(string, string) (*cart.Store, *checkout.Orchestrator, error) {
		store, err := cart.NewStore(cart.Deps{Remote: backend})
		if err != nil {
			return nil, nil, err
		}
		orchestrator, err := checkout.NewOrchestrator(checkout.Deps{Cart: store, Payments: fakeCapturer{result: capture}})
		if err != nil {
			return nil, nil, err
		}
		return store, orchestrator, nil
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	cookies := &recordingCookies{}
	handlers, err := NewStorefrontHandlers(StorefrontDeps{
		Sessions: registry,
		Cookies:  cookies,
		Checkout: CheckoutConfig{Provider: "paypal", Currency: "MXN", Country: "MX", ClientID: "client-1"},
	})
	if err != nil {
		t.Fatalf("handlers: %v", err)
	}
	router := NewRouter(
		WithMiddlewares(shopperMiddleware),
		WithCartRoutes(handlers.CartRoutes),
		WithCheckoutRoutes(handlers.CheckoutRoutes),
		WithSessionRoutes(handlers.SessionRoutes),
	)
	return &harness{backend: backend, registry: registry, cookies: cookies, router: router}
}

// shopperMiddleware stands in for the session and auth middleware: X-Test-User sets the
// identity and X-Test-Session the session id.
func shopperMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get("X-Test-Session"); id != "" {
			ctx = requestctx.WithSessionID(ctx, id)
		}
		if uid := r.Header.Get("X-Test-User"); uid != "" {
			ctx = auth.WithIdentity(ctx, &auth.Identity{UID: uid})
		}
		ctx = requestctx.WithLocale(ctx, "es")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *harness) do(t *testing.T, method, path, body string, authenticated bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("X-Test-Session", "session-1")
	if authenticated {
		req.Header.Set("X-Test-User", "user-1")
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func seededBackend() *fakeBackend {
	return &fakeBackend{cart: domain.Cart{
		ID:     "cart-1",
		Status: domain.CartStatusActive,
		Items: []domain.CartItem{
			{ProductID: "A", Name: "Mezcal", UnitPrice: domain.MoneyFromUnits(850), Quantity: 2, Stock: 2},
		},
	}}
}

func TestCartRequiresAuthentication(t *testing.T) {
	h := newHarness(t, seededBackend(), payments.CaptureResult{})

	rec := h.do(t, http.MethodGet, "/api/cart", "", false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["message"] != i18n.Default().For("es").T(i18n.KeyAuthRequired) {
		t.Fatalf("unexpected message %#v", body["message"])
	}
	if h.registry.Len() != 0 {
		t.Fatalf("expected no session entry for anonymous request")
	}
}

func TestGetCartReturnsModel(t *testing.T) {
	h := newHarness(t, seededBackend(), payments.CaptureResult{})

	rec := h.do(t, http.MethodGet, "/api/cart", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	model := decode[cartview.Model](t, rec)
	if model.CartID != "cart-1" || model.Subtotal != domain.MoneyFromUnits(1700) {
		t.Fatalf("unexpected model %#v", model)
	}
	if len(model.Lines) != 1 || !model.Lines[0].AtStockLimit {
		t.Fatalf("expected line at stock limit, got %#v", model.Lines)
	}
}

func TestGetCartMapsUpstreamTimeout(t *testing.T) {
	backend := seededBackend()
	backend.fetchErr = &cartapi.Error{Op: "fetch_cart", Kind: cartapi.KindTimeout, Message: "tarde"}
	h := newHarness(t, backend, payments.CaptureResult{})

	rec := h.do(t, http.MethodGet, "/api/cart", "", true)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
	if body := decode[map[string]any](t, rec); body["message"] != "tarde" {
		t.Fatalf("expected upstream message, got %#v", body)
	}
}

func TestChangeItemAboveStockIsRejectedBeforeBackend(t *testing.T) {
	h := newHarness(t, seededBackend(), payments.CaptureResult{})
	if rec := h.do(t, http.MethodGet, "/api/cart", "", true); rec.Code != http.StatusOK {
		t.Fatalf("load cart: %d", rec.Code)
	}

	rec := h.do(t, http.MethodPost, "/api/cart/items", `{"product_id":"A","delta":1}`, true)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode[map[string]any](t, rec)
	if body["error"] != "stock_exceeded" || body["stock"] != float64(2) || body["requested"] != float64(3) {
		t.Fatalf("unexpected body %#v", body)
	}
	if body["message"] != "Solo hay 2 unidades disponibles de este producto." {
		t.Fatalf("unexpected message %#v", body["message"])
	}
	if item, _ := h.backend.cart.Item("A"); item.Quantity != 2 {
		t.Fatalf("backend should be untouched, quantity %d", item.Quantity)
	}
}

func TestChangeItemOnUnloadedCartChecksBackendStock(t *testing.T) {
	h := newHarness(t, seededBackend(), payments.CaptureResult{})

	rec := h.do(t, http.MethodPost, "/api/cart/items", `{"product_id":"A","delta":1}`, true)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	if item, _ := h.backend.cart.Item("A"); item.Quantity != 2 {
		t.Fatalf("backend should be untouched, quantity %d", item.Quantity)
	}
}

func TestChangeItemDecreaseAndAdd(t *testing.T) {
	h := newHarness(t, seededBackend(), payments.CaptureResult{})

	rec := h.do(t, http.MethodPost, "/api/cart/items", `{"product_id":"A","delta":-1}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	model := decode[cartview.Model](t, rec)
	if model.Units != 1 {
		t.Fatalf("expected 1 unit, got %d", model.Units)
	}

	rec = h.do(t, http.MethodPost, "/api/cart/items", `{"product_id":"B","delta":2,"stock":5}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if model := decode[cartview.Model](t, rec); model.Units != 3 || len(model.Lines) != 2 {
		t.Fatalf("unexpected model %#v", model)
	}
}

func TestChangeItemValidation(t *testing.T) {
	h := newHarness(t, seededBackend(), payments.CaptureResult{})

	cases := map[string]string{
		"empty":      "",
		"malformed":  `{"product_id":`,
		"no product": `{"delta":1}`,
		"zero delta": `{"product_id":"A","delta":0}`,
		"no delta":   `{"product_id":"A"}`,
		"negative":   `{"product_id":"A","delta":1,"stock":-1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/api/cart/items", body, true)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRemoveItem(t *testing.T) {
	h := newHarness(t, seededBackend(), payments.CaptureResult{})

	rec := h.do(t, http.MethodDelete, "/api/cart/items/A", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if model := decode[cartview.Model](t, rec); !model.Empty {
		t.Fatalf("expected empty cart, got %#v", model)
	}
}

func TestLeavingCartViewAbandonsOnce(t *testing.T) {
	h := newHarness(t, seededBackend(), payments.CaptureResult{})

	if rec := h.do(t, http.MethodPost, "/api/cart/view", "", true); rec.Code != http.StatusOK {
		t.Fatalf("enter view: %d %s", rec.Code, rec.Body.String())
	}
	for i := 0; i < 2; i++ {
		if rec := h.do(t, http.MethodPost, "/api/cart/view/leave", "", true); rec.Code != http.StatusNoContent {
			t.Fatalf("leave view: %d", rec.Code)
		}
	}
	if got := h.backend.abandonCalls(); len(got) != 1 || got[0] != "cart-1" {
		t.Fatalf("expected one abandon of cart-1, got %v", got)
	}
}

func TestReenteringViewDoesNotAbandon(t *testing.T) {
	h := newHarness(t, seededBackend(), payments.CaptureResult{})

	h.do(t, http.MethodPost, "/api/cart/view", "", true)
	h.do(t, http.MethodPost, "/api/cart/view", "", true)
	if got := h.backend.abandonCalls(); len(got) != 0 {
		t.Fatalf("reload should not abandon, got %v", got)
	}
}

func TestCheckoutOpenAndApprove(t *testing.T) {
	backend := seededBackend()
	backend.convert = cartapi.ConvertResult{Order: &cartapi.CreatedOrder{ID: "ORDER-1"}}
	h := newHarness(t, backend, payments.CaptureResult{Provider: "paypal", Status: payments.StatusCaptured, CaptureID: "CAP1"})
	if rec := h.do(t, http.MethodPost, "/api/cart/view", "", true); rec.Code != http.StatusOK {
		t.Fatalf("enter view: %d", rec.Code)
	}

	rec := h.do(t, http.MethodPost, "/api/checkout/orders", "", true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	opened := decode[checkout.Outcome](t, rec)
	if opened.Action != checkout.ActionRender || opened.OrderID != "ORDER-1" {
		t.Fatalf("unexpected outcome %#v", opened)
	}

	rec = h.do(t, http.MethodPost, "/api/checkout/orders/ORDER-2/approve", "", true)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for unknown order, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/api/checkout/orders/ORDER-1/approve", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	approved := decode[checkout.Outcome](t, rec)
	if approved.Action != checkout.ActionNavigate || approved.NavigateTo != "/orden-confirmada?order=ORDER-1" {
		t.Fatalf("unexpected outcome %#v", approved)
	}

	h.do(t, http.MethodPost, "/api/cart/view/leave", "", true)
	if got := h.backend.abandonCalls(); len(got) != 0 {
		t.Fatalf("converted cart must not be abandoned, got %v", got)
	}
}

func TestCheckoutRejectionIsShownAsError(t *testing.T) {
	backend := seededBackend()
	backend.convert = cartapi.ConvertResult{Rejection: &cartapi.Rejection{}}
	h := newHarness(t, backend, payments.CaptureResult{})

	rec := h.do(t, http.MethodPost, "/api/checkout/orders", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	out := decode[checkout.Outcome](t, rec)
	if out.Action != checkout.ActionShowError || out.Message != i18n.Default().For("es").T(i18n.KeyOrderRejected) {
		t.Fatalf("unexpected outcome %#v", out)
	}
}

func TestBuyNowAddsThenOpensCheckout(t *testing.T) {
	backend := &fakeBackend{cart: domain.Cart{ID: "cart-9", Status: domain.CartStatusActive}}
	backend.convert = cartapi.ConvertResult{Order: &cartapi.CreatedOrder{ID: "ORDER-9"}}
	h := newHarness(t, backend, payments.CaptureResult{})

	rec := h.do(t, http.MethodPost, "/api/cart/buy-now", `{"product_id":"Z","stock":3}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if item, ok := backend.cart.Item("Z"); !ok || item.Quantity != 1 {
		t.Fatalf("expected one unit of Z, got %#v", backend.cart.Items)
	}
	if out := decode[checkout.Outcome](t, rec); out.OrderID != "ORDER-9" {
		t.Fatalf("unexpected outcome %#v", out)
	}
}

func TestCheckoutConfig(t *testing.T) {
	h := newHarness(t, seededBackend(), payments.CaptureResult{})

	rec := h.do(t, http.MethodGet, "/api/checkout/config", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["provider"] != "paypal" || body["currency"] != "MXN" || body["clientId"] != "client-1" || body["locale"] != "es" {
		t.Fatalf("unexpected config %#v", body)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	h := newHarness(t, seededBackend(), payments.CaptureResult{})
	h.do(t, http.MethodGet, "/api/cart", "", true)
	if h.registry.Len() != 1 {
		t.Fatalf("expected one entry")
	}

	rec := h.do(t, http.MethodPost, "/api/session/logout", "", true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if h.registry.Len() != 0 || h.cookies.destroyed != 1 {
		t.Fatalf("expected cleared registry and expired cookie")
	}
	if got := h.backend.abandonCalls(); len(got) != 0 {
		t.Fatalf("logout must not abandon, got %v", got)
	}
}
