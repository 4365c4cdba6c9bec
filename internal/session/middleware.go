package session

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/alambique/storefront/internal/platform/observability"
	"github.com/alambique/storefront/internal/platform/requestctx"
)

// Middleware loads the session cookie, issuing a new one when missing, and stores the session
// id in the request context. The cookie is written before the handler runs so it survives
// handlers that stream a body.
func (m *Manager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, ok := m.Load(r)
			if !ok {
				fresh, err := m.New()
				if err != nil {
					observability.FromContext(r.Context()).Error("session issue failed", zap.Error(err))
					next.ServeHTTP(w, r)
					return
				}
				data = fresh
				if err := m.Save(w, data); err != nil {
					observability.FromContext(r.Context()).Error("session save failed", zap.Error(err))
				}
			}

			next.ServeHTTP(w, r.WithContext(requestctx.WithSessionID(r.Context(), data.ID)))
		})
	}
}
