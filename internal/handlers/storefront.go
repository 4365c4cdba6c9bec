package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/alambique/storefront/internal/cart"
	"github.com/alambique/storefront/internal/cartapi"
	"github.com/alambique/storefront/internal/cartview"
	"github.com/alambique/storefront/internal/checkout"
	"github.com/alambique/storefront/internal/i18n"
	"github.com/alambique/storefront/internal/platform/auth"
	"github.com/alambique/storefront/internal/platform/httpx"
	"github.com/alambique/storefront/internal/platform/observability"
	"github.com/alambique/storefront/internal/platform/requestctx"
	"github.com/alambique/storefront/internal/session"
)

// SessionSource resolves the per-browser state for a request.
type SessionSource interface {
	Get(ctx context.Context, sessionID, owner string) (*session.Entry, error)
	Remove(sessionID string) bool
}

// CookieDestroyer expires the session cookie.
type CookieDestroyer interface {
	Destroy(w http.ResponseWriter)
}

// CheckoutConfig is exposed to the payment widget.
type CheckoutConfig struct {
	Provider string `json:"provider"`
	Currency string `json:"currency"`
	Country  string `json:"country"`
	ClientID string `json:"clientId,omitempty"`
}

// StorefrontDeps wires StorefrontHandlers.
type StorefrontDeps struct {
	Sessions SessionSource
	Cookies  CookieDestroyer
	Messages *i18n.Bundle
	Checkout CheckoutConfig
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// StorefrontHandlers serves the cart, checkout and session endpoints of the BFF.
type StorefrontHandlers struct {
	sessions SessionSource
	cookies  CookieDestroyer
	messages *i18n.Bundle
	checkout CheckoutConfig
	logger   func(context.Context, string, map[string]any)
}

// NewStorefrontHandlers validates deps and builds the handlers.
func NewStorefrontHandlers(deps StorefrontDeps) (*StorefrontHandlers, error) {
	if deps.Sessions == nil {
		return nil, errors.New("handlers: session source is required")
	}
	messages := deps.Messages
	if messages == nil {
		messages = i18n.Default()
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StorefrontHandlers{
		sessions: deps.Sessions,
		cookies:  deps.Cookies,
		messages: messages,
		checkout: deps.Checkout,
		logger:   logger,
	}, nil
}

// entry resolves the authenticated shopper's session entry, writing the error response when it
// cannot.
func (h *StorefrontHandlers) entry(w http.ResponseWriter, r *http.Request) (*session.Entry, bool) {
	ctx := r.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", h.localizer(ctx).T(i18n.KeyAuthRequired), http.StatusUnauthorized))
		return nil, false
	}
	entry, err := h.sessions.Get(ctx, requestctx.SessionID(ctx), identity.UID)
	if err != nil {
		h.writeError(ctx, w, err)
		return nil, false
	}
	return entry, true
}

// view returns the mounted cart view, or a transient one released by the returned func.
func (h *StorefrontHandlers) view(entry *session.Entry) (*cartview.View, func()) {
	if view, ok := entry.View(); ok && !view.Disposed() {
		return view, func() {}
	}
	view, _ := cartview.Enter(entry.Store, h.viewOptions())
	return view, view.Release
}

func (h *StorefrontHandlers) viewOptions() cartview.Options {
	return cartview.Options{Messages: h.messages, Logger: h.logger}
}

func (h *StorefrontHandlers) localizer(ctx context.Context) i18n.Localizer {
	return h.messages.For(requestctx.Locale(ctx))
}

func (h *StorefrontHandlers) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	loc := h.localizer(ctx)

	var stockErr *cartview.StockExceededError
	if errors.As(err, &stockErr) {
		httpx.WriteError(ctx, w, httpx.NewError("stock_exceeded", stockErr.Message, http.StatusUnprocessableEntity).WithDetails(map[string]any{
			"product_id": stockErr.ProductID,
			"stock":      stockErr.Stock,
			"requested":  stockErr.Requested,
		}))
		return
	}

	switch {
	case errors.Is(err, session.ErrMissingSession):
		httpx.WriteError(ctx, w, httpx.NewError("session_required", loc.T(i18n.KeyInvalidRequest), http.StatusBadRequest))
		return
	case errors.Is(err, cart.ErrInvalidItem), errors.Is(err, cart.ErrInvalidDelta), errors.Is(err, cartview.ErrInvalidProduct):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", loc.T(i18n.KeyInvalidRequest), http.StatusBadRequest))
		return
	case errors.Is(err, cart.ErrMissingCartID), errors.Is(err, cart.ErrCartMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("cart_conflict", loc.T(i18n.KeyInvalidRequest), http.StatusConflict))
		return
	case errors.Is(err, cartview.ErrDisposed):
		httpx.WriteError(ctx, w, httpx.NewError("view_closed", loc.T(i18n.KeyGenericError), http.StatusConflict))
		return
	case errors.Is(err, checkout.ErrCaptureInFlight):
		httpx.WriteError(ctx, w, httpx.NewError("capture_in_progress", loc.T(i18n.KeyInProgress), http.StatusConflict))
		return
	case errors.Is(err, checkout.ErrInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_not_open", loc.T(i18n.KeyNotOpen), http.StatusConflict))
		return
	}

	message := cartapi.UserMessage(err, loc.T(i18n.KeyGenericError))
	switch cartapi.KindOf(err) {
	case cartapi.KindAuthMissing:
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", message, http.StatusUnauthorized))
	case cartapi.KindValidation:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", message, http.StatusBadRequest))
	case cartapi.KindRejected:
		httpx.WriteError(ctx, w, httpx.NewError("rejected", message, http.StatusConflict))
	case cartapi.KindTimeout:
		httpx.WriteError(ctx, w, httpx.NewError("upstream_timeout", message, http.StatusGatewayTimeout))
	case cartapi.KindNetwork:
		httpx.WriteError(ctx, w, httpx.NewError("upstream_unavailable", message, http.StatusBadGateway))
	case cartapi.KindCanceled:
		httpx.WriteError(ctx, w, httpx.NewError("request_canceled", message, http.StatusRequestTimeout))
	default:
		observability.FromContext(ctx).Error("storefront request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", loc.T(i18n.KeyGenericError), http.StatusInternalServerError))
	}
}
