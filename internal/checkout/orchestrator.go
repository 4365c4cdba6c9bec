package checkout

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/alambique/storefront/internal/cartapi"
	"github.com/alambique/storefront/internal/domain"
	"github.com/alambique/storefront/internal/i18n"
	"github.com/alambique/storefront/internal/payments"
	"github.com/alambique/storefront/internal/platform/auth"
	"github.com/alambique/storefront/internal/platform/requestctx"
)

const instrumentationName = "github.com/alambique/storefront/internal/checkout"

var tracer = otel.Tracer(instrumentationName)

// DefaultConfirmationPath is where a completed checkout navigates.
const DefaultConfirmationPath = "/orden-confirmada"

var (
	// ErrInvalidTransition is returned when an operation is not allowed in the current state.
	ErrInvalidTransition = errors.New("checkout: invalid transition")
	// ErrCaptureInFlight is returned for approvals received while a capture is running.
	ErrCaptureInFlight = errors.New("checkout: capture already in flight")
)

// State is the orchestrator's position in the checkout protocol.
type State string

const (
	StateIdle             State = "idle"
	StateCreatingOrder    State = "creating_order"
	StateAwaitingApproval State = "awaiting_approval"
	StateCapturing        State = "capturing"
	StateCompleted        State = "completed"
)

// Action tells the host what to do with an Outcome.
type Action string

const (
	// ActionRender shows the gateway widget for Outcome.OrderID.
	ActionRender Action = "render"
	// ActionRestart re-opens the widget on the same order after a soft decline.
	ActionRestart Action = "restart"
	// ActionNavigate moves to Outcome.NavigateTo.
	ActionNavigate Action = "navigate"
	// ActionShowError shows Outcome.Message; the flow is back to idle.
	ActionShowError Action = "show_error"
)

// Outcome is the result of one protocol step.
type Outcome struct {
	Action     Action `json:"action"`
	State      State  `json:"state"`
	OrderID    string `json:"orderId,omitempty"`
	Message    string `json:"message,omitempty"`
	NavigateTo string `json:"navigateTo,omitempty"`
	// Err holds the underlying failure for logging; it is never rendered.
	Err error `json:"-"`
}

// Converter creates the payable order from the current cart.
type Converter interface {
	ConvertToOrder(ctx context.Context) (cartapi.ConvertResult, error)
	Snapshot() domain.Cart
}

// Capturer collects funds for an approved order.
type Capturer interface {
	Capture(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CaptureRequest) (payments.CaptureResult, error)
}

// EventSink receives payment lifecycle events.
type EventSink interface {
	Emit(ctx context.Context, event domain.LifecycleEvent)
}

// Deps wires an Orchestrator.
type Deps struct {
	Cart             Converter
	Payments         Capturer
	Events           EventSink
	Messages         *i18n.Bundle
	Provider         string
	Currency         string
	ConfirmationPath string
	Meter            metric.Meter
	Clock            func() time.Time
	Logger           func(ctx context.Context, event string, fields map[string]any)
}

// Orchestrator drives one shopper's checkout: create order, wait for approval, capture.
type Orchestrator struct {
	cart       Converter
	payments   Capturer
	events     EventSink
	messages   *i18n.Bundle
	paymentCtx payments.PaymentContext
	confirm    string
	now        func() time.Time
	logger     func(context.Context, string, map[string]any)
	outcomes   metric.Int64Counter

	mu      sync.Mutex
	state   State
	orderID string
}

// NewOrchestrator validates deps and returns an idle orchestrator.
func NewOrchestrator(deps Deps) (*Orchestrator, error) {
	if deps.Cart == nil {
		return nil, errors.New("checkout: cart is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout: payments capturer is required")
	}
	messages := deps.Messages
	if messages == nil {
		messages = i18n.Default()
	}
	confirm := strings.TrimSpace(deps.ConfirmationPath)
	if confirm == "" {
		confirm = DefaultConfirmationPath
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	outcomes, err := meter.Int64Counter("checkout.outcomes",
		metric.WithDescription("Count of checkout protocol outcomes by step and action"),
	)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cart:       deps.Cart,
		payments:   deps.Payments,
		events:     deps.Events,
		messages:   messages,
		paymentCtx: payments.PaymentContext{PreferredProvider: deps.Provider, Currency: deps.Currency},
		confirm:    confirm,
		now:        func() time.Time { return clock().UTC() },
		logger:     logger,
		outcomes:   outcomes,
		state:      StateIdle,
	}, nil
}

// State returns the current protocol state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// OrderID returns the gateway order awaiting approval, if any.
func (o *Orchestrator) OrderID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.orderID
}

// Open converts the cart into a payable order. It is allowed from idle, awaiting approval (the shopper
// closed the widget) and completed (a new purchase).
func (o *Orchestrator) Open(ctx context.Context) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "checkout.Open")
	defer span.End()

	o.mu.Lock()
	switch o.state {
	case StateCreatingOrder:
		o.mu.Unlock()
		return Outcome{}, ErrInvalidTransition
	case StateCapturing:
		o.mu.Unlock()
		return Outcome{}, ErrCaptureInFlight
	}
	o.state = StateCreatingOrder
	o.orderID = ""
	o.mu.Unlock()

	loc := o.localizer(ctx)
	res, err := o.cart.ConvertToOrder(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()

	var out Outcome
	switch {
	case err != nil:
		span.RecordError(err)
		o.state = StateIdle
		out = Outcome{Action: ActionShowError, Message: cartapi.UserMessage(err, loc.T(i18n.KeyGenericError)), Err: err}
		o.logger(ctx, "open_failed", map[string]any{"error": err})
	case res.Order != nil && strings.TrimSpace(res.Order.ID) != "":
		o.state = StateAwaitingApproval
		o.orderID = strings.TrimSpace(res.Order.ID)
		out = Outcome{Action: ActionRender, OrderID: o.orderID}
		span.SetAttributes(attribute.String("order.id", o.orderID))
		o.logger(ctx, "order_created", map[string]any{"orderId": o.orderID})
	default:
		o.state = StateIdle
		msg := res.Rejection.Message()
		if msg == "" {
			msg = loc.T(i18n.KeyOrderRejected)
		}
		out = Outcome{Action: ActionShowError, Message: msg}
		o.logger(ctx, "order_rejected", map[string]any{"message": msg})
	}
	out.State = o.state
	o.record(ctx, "open", out.Action)
	return out, nil
}

// Approve captures gatewayOrderID once the shopper approved it in the widget.
func (o *Orchestrator) Approve(ctx context.Context, gatewayOrderID string) (Outcome, error) {
	gatewayOrderID = strings.TrimSpace(gatewayOrderID)
	ctx, span := tracer.Start(ctx, "checkout.Approve")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", gatewayOrderID))

	o.mu.Lock()
	switch {
	case o.state == StateCapturing:
		o.mu.Unlock()
		return Outcome{}, ErrCaptureInFlight
	case o.state != StateAwaitingApproval, gatewayOrderID == "", gatewayOrderID != o.orderID:
		o.mu.Unlock()
		return Outcome{}, ErrInvalidTransition
	}
	o.state = StateCapturing
	o.mu.Unlock()

	loc := o.localizer(ctx)
	res, err := o.payments.Capture(ctx, o.paymentCtx, payments.CaptureRequest{
		OrderID:        gatewayOrderID,
		IdempotencyKey: "order-capture:" + gatewayOrderID,
	})

	o.mu.Lock()
	defer o.mu.Unlock()

	event := domain.LifecycleEvent{OrderID: gatewayOrderID, Provider: res.Provider}
	var out Outcome
	switch {
	case err != nil:
		span.RecordError(err)
		o.state = StateIdle
		o.orderID = ""
		out = Outcome{Action: ActionShowError, Message: cartapi.UserMessage(err, loc.T(i18n.KeyCaptureFailed)), Err: err}
		event.Type = domain.EventPaymentFailed
		event.Detail = err.Error()
	case res.Captured():
		o.state = StateCompleted
		out = Outcome{Action: ActionNavigate, OrderID: gatewayOrderID, NavigateTo: o.confirmationTarget(gatewayOrderID)}
		event.Type = domain.EventPaymentCaptured
		event.Detail = res.CaptureID
	case res.Status == payments.StatusInstrumentDeclined:
		o.state = StateAwaitingApproval
		out = Outcome{Action: ActionRestart, OrderID: gatewayOrderID}
		event.Type = domain.EventPaymentDeclined
		event.Detail = res.Issue
	default:
		o.state = StateIdle
		o.orderID = ""
		msg := res.Message
		if msg == "" {
			msg = loc.T(i18n.KeyCaptureFailed)
		}
		out = Outcome{Action: ActionShowError, OrderID: gatewayOrderID, Message: msg}
		event.Type = domain.EventPaymentFailed
		event.Detail = res.Issue
	}
	out.State = o.state

	fields := map[string]any{
		"orderId":  gatewayOrderID,
		"provider": res.Provider,
		"issue":    res.Issue,
		"debugId":  res.DebugID,
	}
	if err != nil {
		fields["error"] = err
	}
	o.logger(ctx, "capture_"+string(out.Action), fields)
	o.record(ctx, "approve", out.Action)
	o.emit(ctx, event)
	return out, nil
}

func (o *Orchestrator) confirmationTarget(orderID string) string {
	return o.confirm + "?" + url.Values{"order": {orderID}}.Encode()
}

func (o *Orchestrator) localizer(ctx context.Context) i18n.Localizer {
	return o.messages.For(requestctx.Locale(ctx))
}

func (o *Orchestrator) record(ctx context.Context, step string, action Action) {
	o.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("checkout.step", step),
		attribute.String("checkout.action", string(action)),
	))
}

func (o *Orchestrator) emit(ctx context.Context, event domain.LifecycleEvent) {
	if o.events == nil {
		return
	}
	event.CartID = o.cart.Snapshot().ID
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
		event.UserID = identity.UID
	}
	event.OccurredAt = o.now()
	o.events.Emit(ctx, event)
}
