package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/licitaciones/internal/model"
)

// mockSSRFGuard はSSRFValidatorのテスト用モック。
// httptestサーバーはループバックで待ち受けるため、検証を素通しする。
type mockSSRFGuard struct {
	validateErr error
}

func (m *mockSSRFGuard) ValidateURL(_ string) error {
	return m.validateErr
}

func (m *mockSSRFGuard) NewSafeClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func newTestClient(guard SSRFValidator) *Client {
	return NewClient(guard, 5*time.Second, 1024*1024)
}

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		code int
		want StatusClass
	}{
		{200, StatusOK},
		{204, StatusOK},
		{301, StatusFailed},
		{404, StatusFailed},
		{429, StatusRateLimited},
		{500, StatusFailed},
		{502, StatusFailed},
		{503, StatusRateLimited},
	}

	for _, tt := range tests {
		if got := ClassifyHTTPStatus(tt.code); got != tt.want {
			t.Errorf("ClassifyHTTPStatus(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestClient_Get_SendsBrowserHeaders(t *testing.T) {
	var gotUA, gotAccept, gotLang string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		gotLang = r.Header.Get("Accept-Language")
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	resp, err := newTestClient(&mockSSRFGuard{}).Get(context.Background(), server.URL, AcceptFeed)
	if err != nil {
		t.Fatalf("Get() がエラーを返した: %v", err)
	}
	if string(resp.Body) != "ok" {
		t.Errorf("Body = %q, want %q", resp.Body, "ok")
	}
	if gotUA != BrowserUserAgent {
		t.Errorf("User-Agent = %q, want browser UA", gotUA)
	}
	if gotAccept != AcceptFeed {
		t.Errorf("Accept = %q, want %q", gotAccept, AcceptFeed)
	}
	if gotLang != AcceptLanguage {
		t.Errorf("Accept-Language = %q, want %q", gotLang, AcceptLanguage)
	}
}

func TestClient_Get_RateLimited(t *testing.T) {
	for _, code := range []int{http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(code)
		}))

		_, err := newTestClient(&mockSSRFGuard{}).Get(context.Background(), server.URL, AcceptHTML)
		server.Close()

		var rlErr *model.RateLimitError
		if !errors.As(err, &rlErr) {
			t.Fatalf("status %d: error = %v, want *model.RateLimitError", code, err)
		}
		if rlErr.StatusCode != code {
			t.Errorf("StatusCode = %d, want %d", rlErr.StatusCode, code)
		}
		if rlErr.RetryAfter != 120*time.Second {
			t.Errorf("RetryAfter = %v, want 2m", rlErr.RetryAfter)
		}
	}
}

func TestClient_Get_Non2xxIsFetchError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := newTestClient(&mockSSRFGuard{}).Get(context.Background(), server.URL, AcceptHTML)

	var fetchErr *model.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("error = %v, want *model.FetchError", err)
	}
	if fetchErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", fetchErr.StatusCode)
	}
}

func TestClient_Get_NetworkErrorIsFetchError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestClient(&mockSSRFGuard{}).Get(context.Background(), url, AcceptHTML)

	var fetchErr *model.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("error = %v, want *model.FetchError", err)
	}
	if fetchErr.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0", fetchErr.StatusCode)
	}
}

func TestClient_Get_SSRFRejected(t *testing.T) {
	guard := &mockSSRFGuard{validateErr: errors.New("blocked host: localhost")}

	_, err := newTestClient(guard).Get(context.Background(), "http://localhost/x", AcceptHTML)

	var fetchErr *model.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("error = %v, want *model.FetchError", err)
	}
}

func TestClient_Get_LimitsBodySize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 4096))
	}))
	defer server.Close()

	c := NewClient(&mockSSRFGuard{}, 5*time.Second, 100)
	resp, err := c.Get(context.Background(), server.URL, AcceptHTML)
	if err != nil {
		t.Fatalf("Get() がエラーを返した: %v", err)
	}
	if len(resp.Body) != 100 {
		t.Errorf("len(Body) = %d, want 100", len(resp.Body))
	}
}

func TestResponse_UTF8Body_DecodesLatin1(t *testing.T) {
	// "Licitación" をISO-8859-1でエンコードしたもの
	latin1 := []byte{'L', 'i', 'c', 'i', 't', 'a', 'c', 'i', 0xF3, 'n'}
	resp := &Response{ContentType: "text/html; charset=ISO-8859-1", Body: latin1}

	if got := string(resp.UTF8Body()); got != "Licitación" {
		t.Errorf("UTF8Body() = %q, want %q", got, "Licitación")
	}
}

func TestResponse_UTF8Body_KeepsUTF8(t *testing.T) {
	resp := &Response{ContentType: "text/html; charset=utf-8", Body: []byte("Organismo: Intendencia de Montevideo – Compras")}

	if got := string(resp.UTF8Body()); got != "Organismo: Intendencia de Montevideo – Compras" {
		t.Errorf("UTF8Body() = %q", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"-1", 0},
		{"Wed, 21 Oct 2015 07:28:00 GMT", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
