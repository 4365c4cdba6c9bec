package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSafeMessageStripsMarkup(t *testing.T) {
	got := SafeMessage("<b>Carrito</b> <script>alert(1)</script>vacío\n")
	if got != "Carrito vacío" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestSafeMessageKeepsUTF8Intact(t *testing.T) {
	long := ""
	for i := 0; i < 300; i++ {
		long += "ñ"
	}
	got := SafeMessage(long)
	if len(got) > 512 {
		t.Fatalf("message not truncated: %d", len(got))
	}
	for _, r := range got {
		if r != 'ñ' {
			t.Fatalf("truncation split a rune: %q", got)
		}
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(context.Background(), rec, NewError("stock_exceeded", "Solo hay 3 unidades", http.StatusConflict).
		WithDetails(map[string]any{"stock": 3}))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "stock_exceeded" || body["message"] != "Solo hay 3 unidades" {
		t.Fatalf("unexpected body %v", body)
	}
	if body["stock"] != float64(3) {
		t.Fatalf("expected details merged, got %v", body)
	}
}
