package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/alambique/storefront/internal/domain"
	"github.com/alambique/storefront/internal/i18n"
	"github.com/alambique/storefront/internal/platform/httpx"
)

type itemRequest struct {
	ProductID string `json:"product_id"`
	Delta     *int   `json:"delta"`
	Name      string `json:"name"`
	Image     string `json:"image"`
	UnitPrice int64  `json:"unit_price"` // hundredths
	Stock     int    `json:"stock"`
}

func (req itemRequest) item() domain.CartItem {
	return domain.CartItem{
		ProductID: strings.TrimSpace(req.ProductID),
		Name:      strings.TrimSpace(req.Name),
		Image:     strings.TrimSpace(req.Image),
		UnitPrice: domain.Money(req.UnitPrice),
		Stock:     req.Stock,
	}
}

// CartRoutes registers the /cart endpoints.
func (h *StorefrontHandlers) CartRoutes(r chi.Router) {
	r.Get("/", h.getCart)
	r.Post("/items", h.changeItem)
	r.Delete("/items/{productID}", h.removeItem)
	r.Post("/view", h.enterView)
	r.Post("/view/leave", h.leaveView)
	r.Post("/buy-now", h.buyNow)
}

func (h *StorefrontHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entry, ok := h.entry(w, r)
	if !ok {
		return
	}
	view, release := h.view(entry)
	defer release()

	if err := view.Load(ctx); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, view.Model(ctx))
}

func (h *StorefrontHandlers) changeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entry, ok := h.entry(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeItem(ctx, w, r, false)
	if !ok {
		return
	}

	view, release := h.view(entry)
	defer release()

	if err := view.Add(ctx, req.item(), *req.Delta); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, view.Model(ctx))
}

func (h *StorefrontHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entry, ok := h.entry(w, r)
	if !ok {
		return
	}
	view, release := h.view(entry)
	defer release()

	if err := view.Remove(ctx, chi.URLParam(r, "productID")); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, view.Model(ctx))
}

func (h *StorefrontHandlers) enterView(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entry, ok := h.entry(w, r)
	if !ok {
		return
	}
	view := entry.EnterView(h.viewOptions())
	if err := view.Load(ctx); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, view.Model(ctx))
}

// leaveView runs the disposer armed by enterView. The page sends it with a keepalive fetch on
// pagehide, so the abandon call must outlive the client connection.
func (h *StorefrontHandlers) leaveView(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.entry(w, r)
	if !ok {
		return
	}
	entry.LeaveView(context.WithoutCancel(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (h *StorefrontHandlers) buyNow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entry, ok := h.entry(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeItem(ctx, w, r, true)
	if !ok {
		return
	}

	view, release := h.view(entry)
	err := view.Add(ctx, req.item(), *req.Delta)
	release()
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	h.openCheckout(w, r, entry)
}

// decodeItem parses an item request. When defaultDelta is set a missing delta means one unit;
// otherwise delta is required. Only positive deltas are accepted for buy now.
func (h *StorefrontHandlers) decodeItem(ctx context.Context, w http.ResponseWriter, r *http.Request, defaultDelta bool) (itemRequest, bool) {
	loc := h.localizer(ctx)
	body, err := readLimitedBody(r, maxRequestBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", loc.T(i18n.KeyInvalidRequest), http.StatusBadRequest))
		}
		return itemRequest{}, false
	}

	var req itemRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", loc.T(i18n.KeyInvalidRequest), http.StatusBadRequest))
		return itemRequest{}, false
	}
	if req.Delta == nil && defaultDelta {
		one := 1
		req.Delta = &one
	}

	var problem string
	switch {
	case strings.TrimSpace(req.ProductID) == "":
		problem = "product_id is required"
	case req.Delta == nil || *req.Delta == 0:
		problem = "delta must be a non-zero integer"
	case defaultDelta && *req.Delta < 0:
		problem = "delta must be positive"
	case req.UnitPrice < 0 || req.Stock < 0:
		problem = "unit_price and stock must not be negative"
	}
	if problem != "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", loc.T(i18n.KeyInvalidRequest), http.StatusBadRequest).
			WithDetails(map[string]any{"reason": problem}))
		return itemRequest{}, false
	}
	return req, true
}
