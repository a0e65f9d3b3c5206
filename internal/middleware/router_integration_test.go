package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/licitaciones/internal/model"
)

func newTestChain(t *testing.T, buf *bytes.Buffer) (*chi.Mux, *RateLimiter) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    3,
		TriggerRate:     0.1,
		TriggerBurst:    1,
		CleanupInterval: time.Minute,
	})
	t.Cleanup(rl.Stop)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(NewRecoveryMiddleware())
	r.Use(NewLoggingMiddleware(logger))
	r.Use(NewSecurityHeadersMiddleware())
	r.Use(NewCORSMiddleware("http://localhost:3000"))

	r.Route("/api", func(r chi.Router) {
		r.Use(rl.GeneralMiddleware())
		r.Get("/notices", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]int{"total": 0})
		})
		r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		})
		r.With(rl.TriggerMiddleware()).Post("/sync", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})
	})
	return r, rl
}

// TestRouterIntegration_HeadersOnEveryResponse はセキュリティヘッダーとCORSヘッダーが付与されることを検証する。
func TestRouterIntegration_HeadersOnEveryResponse(t *testing.T) {
	var buf bytes.Buffer
	r, _ := newTestChain(t, &buf)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/notices", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	for header, want := range map[string]string{
		"X-Content-Type-Options":      "nosniff",
		"X-Frame-Options":             "DENY",
		"Access-Control-Allow-Origin": "http://localhost:3000",
	} {
		if got := resp.Header.Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

// TestRouterIntegration_PanicReturnsUnifiedError はpanicが統一フォーマットの500に変換されることを検証する。
func TestRouterIntegration_PanicReturnsUnifiedError(t *testing.T) {
	var buf bytes.Buffer
	r, _ := newTestChain(t, &buf)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/boom", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != model.ErrCodeInternal {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInternal)
	}
}

// TestRouterIntegration_TriggerLimitedBeforeGeneral は手動実行エンドポイントが専用の制限を受けることを検証する。
func TestRouterIntegration_TriggerLimitedBeforeGeneral(t *testing.T) {
	var buf bytes.Buffer
	r, _ := newTestChain(t, &buf)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/sync", nil))
	if w.Result().StatusCode != http.StatusAccepted {
		t.Fatalf("first trigger: status = %d, want %d", w.Result().StatusCode, http.StatusAccepted)
	}

	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, httptest.NewRequest(http.MethodPost, "/api/sync", nil))
	if w2.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("second trigger: status = %d, want %d", w2.Result().StatusCode, http.StatusTooManyRequests)
	}

	// 一般APIのバーストはまだ残っている
	w3 := httptest.NewRecorder()
	r.ServeHTTP(w3, httptest.NewRequest(http.MethodGet, "/api/notices", nil))
	if w3.Result().StatusCode != http.StatusOK {
		t.Errorf("general: status = %d, want %d", w3.Result().StatusCode, http.StatusOK)
	}
}
