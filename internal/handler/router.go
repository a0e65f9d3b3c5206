package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/licitaciones/internal/metrics"
	"github.com/hitoshi/licitaciones/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 公告照会
	Notices    NoticeReader
	SyncRuns   LatestSyncRunFinder
	Categories CategoryLister

	// 手動実行
	Ingest IngestController

	// 運用
	DB       Pinger
	Gatherer prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → Logging → SecurityHeaders → CORS → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware())
	if deps.Logger != nil {
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	noticeHandler := NewNoticeHandler(deps.Notices, deps.SyncRuns, deps.Categories)
	ingestHandler := NewIngestHandler(deps.Ingest)

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.DB))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- API ---
	r.Route("/api", func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/notices", func(r chi.Router) {
			r.Get("/", noticeHandler.ListNotices)
			r.Get("/new", noticeHandler.ListNew)
			r.Get("/{id}", noticeHandler.GetNotice)
		})
		r.Get("/categories", noticeHandler.ListCategories)
		r.Get("/stats", noticeHandler.Stats)

		r.Get("/sync/status", ingestHandler.SyncStatus)
		r.With(deps.RateLimiter.TriggerMiddleware()).Post("/sync", ingestHandler.TriggerSync)
		r.With(deps.RateLimiter.TriggerMiddleware()).Post("/scrape", ingestHandler.TriggerScrape)
	})

	return r
}
