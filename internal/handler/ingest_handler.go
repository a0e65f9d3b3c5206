package handler

import (
	"net/http"
	"time"

	"github.com/hitoshi/licitaciones/internal/ingest"
)

// IngestController は手動実行と状態照会のためのコーディネーター操作。
type IngestController interface {
	TriggerSync()
	TriggerScrape()
	Status() ingest.StatusSnapshot
}

// IngestHandler は同期・スクレイピングの手動実行ハンドラー。
type IngestHandler struct {
	controller IngestController
}

// NewIngestHandler はIngestHandlerを生成する。
func NewIngestHandler(controller IngestController) *IngestHandler {
	return &IngestHandler{controller: controller}
}

type acceptedResponse struct {
	Status string `json:"status"`
	Job    string `json:"job"`
}

type syncSummary struct {
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	TotalParsed   int       `json:"total_parsed"`
	NewlyInserted int       `json:"newly_inserted"`
	Skipped       int       `json:"skipped"`
}

type cycleSummary struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Selected    int       `json:"selected"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	RateLimited int       `json:"rate_limited"`
}

// syncStatusResponse は同期状態のレスポンス。
type syncStatusResponse struct {
	LastSyncAt       *time.Time    `json:"last_sync_at"`
	LastSync         *syncSummary  `json:"last_sync"`
	LastSyncError    string        `json:"last_sync_error,omitempty"`
	ScrapeInProgress bool          `json:"scrape_in_progress"`
	LastCycle        *cycleSummary `json:"last_cycle"`
	LastCycleError   string        `json:"last_cycle_error,omitempty"`
}

// TriggerSync はフィード同期をバックグラウンドで開始し、完了を待たずに202を返す。
// POST /api/sync
func (h *IngestHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	h.controller.TriggerSync()
	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", Job: "sync"})
}

// TriggerScrape はスクレイピングサイクルをバックグラウンドで開始し、完了を待たずに202を返す。
// 実行中のサイクルがある場合は単一実行ガードにより見送られる。
// POST /api/scrape
func (h *IngestHandler) TriggerScrape(w http.ResponseWriter, r *http.Request) {
	h.controller.TriggerScrape()
	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", Job: "scrape"})
}

// SyncStatus は直近の同期・スクレイピングの状態を返す。
// GET /api/sync/status
func (h *IngestHandler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.controller.Status()

	resp := syncStatusResponse{
		LastSyncAt:       snap.LastSyncAt,
		LastSyncError:    snap.LastSyncError,
		ScrapeInProgress: snap.ScrapeInProgress,
		LastCycleError:   snap.LastCycleError,
	}
	if s := snap.LastSync; s != nil {
		resp.LastSync = &syncSummary{
			StartedAt:     s.StartedAt,
			FinishedAt:    s.FinishedAt,
			TotalParsed:   s.TotalParsed,
			NewlyInserted: s.NewlyInserted,
			Skipped:       s.Skipped,
		}
	}
	if c := snap.LastCycle; c != nil {
		resp.LastCycle = &cycleSummary{
			ID:          c.ID,
			StartedAt:   c.StartedAt,
			FinishedAt:  c.FinishedAt,
			Selected:    c.Selected,
			Succeeded:   c.Succeeded,
			Failed:      c.Failed,
			RateLimited: c.RateLimited,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
