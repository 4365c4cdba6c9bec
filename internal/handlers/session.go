package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alambique/storefront/internal/platform/requestctx"
)

// SessionRoutes registers the /session endpoints.
func (h *StorefrontHandlers) SessionRoutes(r chi.Router) {
	r.Post("/logout", h.logout)
}

// logout drops the cart mirror and checkout state held for the browser and expires its cookie.
// The cart itself is left as the backend has it.
func (h *StorefrontHandlers) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if id := requestctx.SessionID(ctx); id != "" {
		removed := h.sessions.Remove(id)
		h.logger(ctx, "logout", map[string]any{"cleared": removed})
	}
	if h.cookies != nil {
		h.cookies.Destroy(w)
	}
	w.WriteHeader(http.StatusNoContent)
}
