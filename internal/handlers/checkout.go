package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alambique/storefront/internal/checkout"
	"github.com/alambique/storefront/internal/session"
)

type checkoutConfigResponse struct {
	CheckoutConfig
	Locale string `json:"locale"`
}

// CheckoutRoutes registers the /checkout endpoints.
func (h *StorefrontHandlers) CheckoutRoutes(r chi.Router) {
	r.Get("/config", h.getCheckoutConfig)
	r.Post("/orders", h.createOrder)
	r.Post("/orders/{orderID}/approve", h.approveOrder)
}

func (h *StorefrontHandlers) getCheckoutConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	writeJSONResponse(w, http.StatusOK, checkoutConfigResponse{
		CheckoutConfig: h.checkout,
		Locale:         h.localizer(ctx).Lang(),
	})
}

func (h *StorefrontHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.entry(w, r)
	if !ok {
		return
	}
	h.openCheckout(w, r, entry)
}

// openCheckout answers the widget's create-order callback. A rendered order is 201; rejections
// and backend failures come back as a show_error outcome.
func (h *StorefrontHandlers) openCheckout(w http.ResponseWriter, r *http.Request, entry *session.Entry) {
	ctx := r.Context()
	out, err := entry.Orchestrator.Open(ctx)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	status := http.StatusOK
	if out.Action == checkout.ActionRender {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, out)
}

func (h *StorefrontHandlers) approveOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entry, ok := h.entry(w, r)
	if !ok {
		return
	}
	out, err := entry.Orchestrator.Approve(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, out)
}
