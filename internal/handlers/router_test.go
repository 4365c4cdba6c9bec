package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alambique/storefront/internal/i18n"
	"github.com/alambique/storefront/internal/platform/auth"
	"github.com/alambique/storefront/internal/platform/requestctx"
)

func TestRouterHealthz(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	router := NewRouter(WithHealthHandlers(NewHealthHandlers(WithHealthClock(func() time.Time { return now }))))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body %#v", body)
	}
}

func TestRouterReadyzReportsFailingCheck(t *testing.T) {
	health := NewHealthHandlers(
		WithReadinessCheck("backend", func(context.Context) error { return errors.New("down") }),
	)
	router := NewRouter(WithHealthHandlers(health))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" || body.Checks["backend"] != "down" {
		t.Fatalf("unexpected body %#v", body)
	}
}

func TestRouterNotFoundUsesErrorEnvelope(t *testing.T) {
	router := NewRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != errorNotFoundCode {
		t.Fatalf("expected %s, got %#v", errorNotFoundCode, body)
	}
}

func TestRouterUnconfiguredGroupIsNotImplemented(t *testing.T) {
	router := NewRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cart/anything", nil))

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
}

func TestLocaleMiddlewarePrefersProfileLanguage(t *testing.T) {
	var seen string
	handler := LocaleMiddleware(i18n.Default(), "es")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestctx.Locale(r.Context())
	}))

	cases := []struct {
		name    string
		profile string
		header  string
		want    string
	}{
		{name: "fallback", want: "es"},
		{name: "header", header: "en-US,en;q=0.8", want: "en"},
		{name: "profile wins", profile: "es-MX", header: "en", want: "es"},
		{name: "unsupported header", header: "ja", want: "es"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Accept-Language", tc.header)
			}
			if tc.profile != "" {
				req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "u", Locale: tc.profile}))
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if seen != tc.want {
				t.Fatalf("expected locale %s, got %s", tc.want, seen)
			}
			if got := rec.Header().Get("Content-Language"); got != tc.want {
				t.Fatalf("expected Content-Language %s, got %s", tc.want, got)
			}
		})
	}
}
