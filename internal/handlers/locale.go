package handlers

import (
	"net/http"

	"github.com/alambique/storefront/internal/i18n"
	"github.com/alambique/storefront/internal/platform/auth"
	"github.com/alambique/storefront/internal/platform/requestctx"
)

// LocaleMiddleware negotiates the UI language from the shopper profile, then Accept-Language,
// then fallback, and stores it in the request context. It must run after authentication.
func LocaleMiddleware(bundle *i18n.Bundle, fallback string) func(http.Handler) http.Handler {
	if bundle == nil {
		bundle = i18n.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var prefs []string
			if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil {
				prefs = append(prefs, identity.Locale)
			}
			prefs = append(prefs, r.Header.Get("Accept-Language"), fallback)
			lang := bundle.Resolve(prefs...)
			w.Header().Set("Content-Language", lang)
			next.ServeHTTP(w, r.WithContext(requestctx.WithLocale(r.Context(), lang)))
		})
	}
}
