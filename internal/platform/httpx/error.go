package httpx

import (
	"context"
	"encoding/json"
	"html"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/microcosm-cc/bluemonday"

	"github.com/alambique/storefront/internal/platform/requestctx"
)

var strictPolicy = bluemonday.StrictPolicy()

// Error is the JSON error envelope returned by storefront endpoints.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

// NewError constructs an Error; a zero status becomes 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    truncate(code, 80),
		Message: SafeMessage(message),
		Status:  status,
	}
}

// WithDetails attaches extra JSON fields to the envelope.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	e.Details = merged
	return e
}

// WriteError renders err together with the request and trace identifiers.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	payload := map[string]any{
		"error":   err.Code,
		"message": err.Message,
		"status":  status,
	}
	if id := middleware.GetReqID(ctx); id != "" {
		payload["request_id"] = truncate(id, 80)
	}
	if id := requestctx.TraceID(ctx); id != "" {
		payload["trace_id"] = truncate(id, 64)
	}
	for k, v := range err.Details {
		payload[k] = v
	}
	WriteJSON(w, status, payload)
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// SafeMessage strips markup from text that may originate from upstream services before it reaches the browser.
func SafeMessage(message string) string {
	cleaned := html.UnescapeString(strictPolicy.Sanitize(message))
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	return truncate(cleaned, 512)
}

func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	if len(value) <= limit {
		return value
	}
	cut := value[:limit]
	for len(cut) > 0 && !utf8Boundary(value, len(cut)) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

func utf8Boundary(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	return s[i]&0xC0 != 0x80
}
