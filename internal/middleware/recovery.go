package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRecoveryMiddleware はハンドラー内のpanicを回収し、統一フォーマットの500レスポンスを返すミドルウェアを生成する。
// ログには追跡用にリクエストIDとスタックトレースを含める。
func NewRecoveryMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// 接続断を示すErrAbortHandlerはnet/httpにそのまま返す
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				attrs := []any{
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				}
				if id := chimw.GetReqID(r.Context()); id != "" {
					attrs = append(attrs, slog.String("request_id", id))
				}
				slog.Error("panic recovered", attrs...)
				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
