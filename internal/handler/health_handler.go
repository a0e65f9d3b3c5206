package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger はストアへの疎通確認を行う。*sql.DBが実装する。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// healthTimeout はヘルスチェック時のDB疎通確認のタイムアウト。
const healthTimeout = 2 * time.Second

// NewHealthHandler はGET /healthのハンドラーを返す。
// pingerがnilの場合はプロセスの生存のみを返す。
func NewHealthHandler(pinger Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			if err := pinger.PingContext(ctx); err != nil {
				slog.WarnContext(r.Context(), "health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
