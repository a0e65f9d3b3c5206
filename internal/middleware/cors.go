package middleware

import (
	"net/http"
	"strings"
)

// NewCORSMiddleware はCORSミドルウェアを返す。
// allowedOriginsはカンマ区切りで複数指定できる。1件のみの場合は常にその値を返し、
// 複数の場合はリクエストのOriginが一覧に含まれるときだけそのOriginを返す。
// APIは読み取り系とPOSTのトリガーのみを公開し、OPTIONSプリフライトには204で応答する。
func NewCORSMiddleware(allowedOrigins string) func(next http.Handler) http.Handler {
	origins := splitOrigins(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := matchOrigin(origins, r.Header.Get("Origin")); origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.Header().Add("Vary", "Origin")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func splitOrigins(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if o := strings.TrimRight(strings.TrimSpace(part), "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func matchOrigin(allowed []string, origin string) string {
	if len(allowed) == 1 {
		return allowed[0]
	}
	for _, a := range allowed {
		if a == origin {
			return origin
		}
	}
	return ""
}
