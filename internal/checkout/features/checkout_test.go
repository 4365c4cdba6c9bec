package features

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/cucumber/godog"
	"github.com/go-chi/chi/v5"

	"github.com/alambique/storefront/internal/cart"
	"github.com/alambique/storefront/internal/cartapi"
	"github.com/alambique/storefront/internal/cartview"
	"github.com/alambique/storefront/internal/checkout"
	"github.com/alambique/storefront/internal/domain"
	"github.com/alambique/storefront/internal/payments"
)

type staticTokens string

func (s staticTokens) Token(context.Context) (string, error) { return string(s), nil }

type fakeProduct struct {
	id       string
	price    float64
	quantity int
	stock    int
}

// fakeBackend is an in-memory cart service speaking the backend's JSON.
type fakeBackend struct {
	mu        sync.Mutex
	cartID    string
	status    string
	products  []*fakeProduct
	counts    map[string]int
	orderID   string
	rejection string
	capture   func(w http.ResponseWriter)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{status: "active", counts: make(map[string]int)}
}

func (b *fakeBackend) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/cart", b.getCart)
	r.Post("/cart/items", b.addItem)
	r.Delete("/cart/items", b.removeItem)
	r.Post("/cart/abandon", b.abandon)
	r.Post("/cart/convert", b.convert)
	r.Post("/orders/paypal/{orderID}/capture", b.captureOrder)
	return r
}

func (b *fakeBackend) count(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[key]
}

func (b *fakeBackend) getCart(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := make([]map[string]any, 0, len(b.products))
	for _, p := range b.products {
		product := map[string]any{"id": p.id, "name": "Producto " + p.id, "price": fmt.Sprintf("%.2f", p.price)}
		if p.stock > 0 {
			product["stock"] = p.stock
		}
		items = append(items, map[string]any{"product": product, "quantity": p.quantity})
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": b.cartID, "status": b.status, "items": items})
}

func (b *fakeBackend) addItem(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProductID string `json:"product_id"`
		Quantity  int    `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "bad body"})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts["add:"+body.ProductID]++
	for _, p := range b.products {
		if p.id == body.ProductID {
			p.quantity += body.Quantity
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *fakeBackend) removeItem(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProductID string `json:"product_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts["remove:"+body.ProductID]++
	kept := b.products[:0]
	for _, p := range b.products {
		if p.id != body.ProductID {
			kept = append(kept, p)
		}
	}
	b.products = kept
	w.WriteHeader(http.StatusNoContent)
}

func (b *fakeBackend) abandon(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts["abandon:"+b.cartID]++
	b.status = "abandoned"
	w.WriteHeader(http.StatusNoContent)
}

func (b *fakeBackend) convert(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts["convert:"+b.cartID]++
	if b.rejection != "" {
		writeJSON(w, http.StatusOK, map[string]any{"details": []map[string]string{{"message": b.rejection}}})
		return
	}
	b.status = "converted"
	writeJSON(w, http.StatusOK, map[string]any{"id": b.orderID})
}

func (b *fakeBackend) captureOrder(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.counts["capture:"+chi.URLParam(r, "orderID")]++
	respond := b.capture
	b.mu.Unlock()
	if respond == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "capture not configured"})
		return
	}
	respond(w)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type recordingUI struct {
	rendered  []string
	restarted []string
	errors    []string
	navigated []string
}

func (u *recordingUI) Render(orderID string)      { u.rendered = append(u.rendered, orderID) }
func (u *recordingUI) Restart(orderID string)     { u.restarted = append(u.restarted, orderID) }
func (u *recordingUI) Error(message string)       { u.errors = append(u.errors, message) }
func (u *recordingUI) Confirmation(target string) { u.navigated = append(u.navigated, target) }

type checkoutTestContext struct {
	backend      *fakeBackend
	server       *httptest.Server
	store        *cart.Store
	orchestrator *checkout.Orchestrator
	view         *cartview.View
	dispose      cartview.Disposer
	ui           *recordingUI
}

func (c *checkoutTestContext) reset() error {
	c.close()
	c.backend = newFakeBackend()
	c.server = httptest.NewServer(c.backend.routes())
	c.ui = &recordingUI{}
	c.view = nil
	c.dispose = nil

	client, err := cartapi.NewClient(c.server.URL, staticTokens("tok"), cartapi.WithHTTPClient(c.server.Client()))
	if err != nil {
		return err
	}
	c.store, err = cart.NewStore(cart.Deps{Remote: client})
	if err != nil {
		return err
	}
	backendProvider, err := payments.NewBackendProvider(client)
	if err != nil {
		return err
	}
	manager, err := payments.NewManager(map[string]payments.Provider{payments.ProviderPayPal: backendProvider})
	if err != nil {
		return err
	}
	c.orchestrator, err = checkout.NewOrchestrator(checkout.Deps{Cart: c.store, Payments: manager, Currency: "MXN"})
	return err
}

func (c *checkoutTestContext) close() {
	if c.server != nil {
		c.server.Close()
		c.server = nil
	}
}

func (c *checkoutTestContext) surfaces() checkout.UI {
	return checkout.UI{Widget: c.ui, Notifier: c.ui, Navigator: c.ui}
}

func (c *checkoutTestContext) theBackendCartHoldsProduct(cartID, productID string, price, quantity, stock int) error {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.backend.cartID = cartID
	c.backend.products = append(c.backend.products, &fakeProduct{id: productID, price: float64(price), quantity: quantity, stock: stock})
	return nil
}

func (c *checkoutTestContext) theBackendCartAlsoHoldsProduct(productID string, price, quantity, stock int) error {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.backend.products = append(c.backend.products, &fakeProduct{id: productID, price: float64(price), quantity: quantity, stock: stock})
	return nil
}

func (c *checkoutTestContext) theBackendRejectsConversionWith(message string) error {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.backend.rejection = message
	return nil
}

func (c *checkoutTestContext) theBackendCreatesOrder(orderID string) error {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.backend.orderID = orderID
	return nil
}

func (c *checkoutTestContext) theBackendCapturesWith(captureID, status string) error {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.backend.capture = func(w http.ResponseWriter) {
		writeJSON(w, http.StatusOK, map[string]any{
			"purchase_units": []any{map[string]any{
				"payments": map[string]any{"captures": []any{map[string]any{"id": captureID, "status": status}}},
			}},
		})
	}
	return nil
}

func (c *checkoutTestContext) theBackendDeclinesCaptureWithIssue(issue string) error {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	c.backend.capture = func(w http.ResponseWriter) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"details": []any{map[string]any{"issue": issue, "description": "declined", "debug_id": "dbg-1"}},
		})
	}
	return nil
}

func (c *checkoutTestContext) theShopperOpensTheCartView() error {
	c.view, c.dispose = cartview.Enter(c.store, cartview.Options{})
	return c.view.Load(context.Background())
}

func (c *checkoutTestContext) theShopperChanges(productID string, delta int) error {
	if c.view == nil {
		return errors.New("cart view is not open")
	}
	err := c.view.ChangeQuantity(context.Background(), productID, delta)
	var stockErr *cartview.StockExceededError
	if errors.As(err, &stockErr) {
		c.ui.Error(stockErr.Message)
		return nil
	}
	return err
}

func (c *checkoutTestContext) theShopperStartsCheckout() error {
	if err := c.store.FetchCart(context.Background()); err != nil {
		return err
	}
	out, err := c.orchestrator.Open(context.Background())
	if err != nil {
		return err
	}
	c.surfaces().Dispatch(out)
	return nil
}

func (c *checkoutTestContext) theShopperApprovesOrder(orderID string) error {
	out, err := c.orchestrator.Approve(context.Background(), orderID)
	if err != nil {
		return err
	}
	c.surfaces().Dispatch(out)
	return nil
}

func (c *checkoutTestContext) theShopperLeavesTheCartViewTwice() error {
	if c.dispose == nil {
		return errors.New("cart view is not open")
	}
	c.dispose(context.Background())
	c.dispose(context.Background())
	return nil
}

func (c *checkoutTestContext) theBackendReceived(n int, kind, key string) error {
	if got := c.backend.count(kind + ":" + key); got != n {
		return fmt.Errorf("expected %d %s requests for %s, got %d (%s)", n, kind, key, got, strings.Join(c.backend.sortedCounts(), ", "))
	}
	return nil
}

func (c *checkoutTestContext) theDisplayedSubtotalIs(units int) error {
	model := c.view.Model(context.Background())
	if model.Subtotal != domain.MoneyFromUnits(int64(units)) {
		return fmt.Errorf("expected subtotal %d, got %.2f", units, model.Subtotal.Float())
	}
	return nil
}

func (c *checkoutTestContext) theShopperSees(message string) error {
	for _, got := range c.ui.errors {
		if got == message {
			return nil
		}
	}
	return fmt.Errorf("expected message %q, got %v", message, c.ui.errors)
}

func (c *checkoutTestContext) thePaymentWidgetIsNotRendered() error {
	if len(c.ui.rendered) > 0 {
		return fmt.Errorf("widget rendered for %v", c.ui.rendered)
	}
	return nil
}

func (c *checkoutTestContext) thePaymentWidgetIsRestartedFor(orderID string) error {
	if len(c.ui.restarted) != 1 || c.ui.restarted[0] != orderID {
		return fmt.Errorf("expected one restart for %s, got %v", orderID, c.ui.restarted)
	}
	return nil
}

func (c *checkoutTestContext) theShopperIsSentTo(target string) error {
	if len(c.ui.navigated) != 1 || c.ui.navigated[0] != target {
		return fmt.Errorf("expected navigation to %s, got %v", target, c.ui.navigated)
	}
	return nil
}

func (c *checkoutTestContext) theCartStatusIs(status string) error {
	if got := string(c.store.Snapshot().Status); got != status {
		return fmt.Errorf("expected cart status %s, got %s", status, got)
	}
	return nil
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	tc := &checkoutTestContext{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		return ctx, tc.reset()
	})
	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		tc.close()
		return ctx, nil
	})

	// Given steps
	ctx.Step(`^the backend cart "([^"]*)" holds product "([^"]*)" priced (\d+) with quantity (\d+) and stock (\d+)$`, tc.theBackendCartHoldsProduct)
	ctx.Step(`^the backend cart also holds product "([^"]*)" priced (\d+) with quantity (\d+) and stock (\d+)$`, tc.theBackendCartAlsoHoldsProduct)
	ctx.Step(`^the backend rejects conversion with "([^"]*)"$`, tc.theBackendRejectsConversionWith)
	ctx.Step(`^the backend creates order "([^"]*)"$`, tc.theBackendCreatesOrder)
	ctx.Step(`^the backend captures with id "([^"]*)" and status "([^"]*)"$`, tc.theBackendCapturesWith)
	ctx.Step(`^the backend declines capture with issue "([^"]*)"$`, tc.theBackendDeclinesCaptureWithIssue)
	ctx.Step(`^the shopper opens the cart view$`, tc.theShopperOpensTheCartView)

	// When steps
	ctx.Step(`^the shopper changes "([^"]*)" by (-?\d+)$`, tc.theShopperChanges)
	ctx.Step(`^the shopper starts checkout$`, tc.theShopperStartsCheckout)
	ctx.Step(`^the shopper approves order "([^"]*)"$`, tc.theShopperApprovesOrder)
	ctx.Step(`^the shopper leaves the cart view twice$`, tc.theShopperLeavesTheCartViewTwice)

	// Then steps
	ctx.Step(`^the backend received (\d+) (add|abandon|convert) requests? for "([^"]*)"$`, tc.theBackendReceived)
	ctx.Step(`^the displayed subtotal is (\d+)$`, tc.theDisplayedSubtotalIs)
	ctx.Step(`^the shopper sees "([^"]*)"$`, tc.theShopperSees)
	ctx.Step(`^the payment widget is not rendered$`, tc.thePaymentWidgetIsNotRendered)
	ctx.Step(`^the payment widget is restarted for "([^"]*)"$`, tc.thePaymentWidgetIsRestartedFor)
	ctx.Step(`^the shopper is sent to "([^"]*)"$`, tc.theShopperIsSentTo)
	ctx.Step(`^the cart status is "([^"]*)"$`, tc.theCartStatusIs)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"checkout.feature"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

func (b *fakeBackend) sortedCounts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.counts))
	for k, v := range b.counts {
		out = append(out, fmt.Sprintf("%s=%d", k, v))
	}
	sort.Strings(out)
	return out
}
