package handler

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/licitaciones/internal/model"
	"github.com/hitoshi/licitaciones/internal/repository"
)

// dateLayout は検索条件の日付形式。
const dateLayout = "2006-01-02"

// defaultNewLimit は新着一覧の既定件数。
const defaultNewLimit = 100

// NoticeReader は公告ハンドラーが必要とする読み取り専用のストア。
type NoticeReader interface {
	FindByID(ctx context.Context, id string) (*model.Notice, error)
	List(ctx context.Context, filter model.NoticeFilter) ([]*model.Notice, int, error)
	NewSince(ctx context.Context, since time.Time, limit int) ([]*model.Notice, error)
	Stats(ctx context.Context) (*model.NoticeStats, error)
}

// LatestSyncRunFinder は最新の同期記録を返す。
type LatestSyncRunFinder interface {
	Latest(ctx context.Context) (*model.SyncRun, error)
}

// CategoryLister は分類カテゴリの一覧を返す。
type CategoryLister interface {
	Categories() []string
	IsKnown(name string) bool
}

// NoticeHandler は公告照会のHTTPハンドラー。
type NoticeHandler struct {
	notices    NoticeReader
	syncRuns   LatestSyncRunFinder
	categories CategoryLister
}

// NewNoticeHandler はNoticeHandlerを生成する。
func NewNoticeHandler(notices NoticeReader, syncRuns LatestSyncRunFinder, categories CategoryLister) *NoticeHandler {
	return &NoticeHandler{
		notices:    notices,
		syncRuns:   syncRuns,
		categories: categories,
	}
}

// --- レスポンス型 ---

// noticeResponse は公告1件のレスポンス。未抽出の項目はnullになる。
type noticeResponse struct {
	ID          string    `json:"id"`
	Identifier  string    `json:"identifier"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	PublishedAt time.Time `json:"published_at"`
	SourceLink  string    `json:"source_link"`

	Organization          *string    `json:"organization"`
	SubUnit               *string    `json:"sub_unit"`
	NoticeType            *string    `json:"notice_type"`
	OpeningAt             *time.Time `json:"opening_at"`
	OpeningLocation       *string    `json:"opening_location"`
	DeliveryLocation      *string    `json:"delivery_location"`
	DocumentPrice         *string    `json:"document_price"`
	ExtensionDeadline     *time.Time `json:"extension_deadline"`
	ClarificationDeadline *time.Time `json:"clarification_deadline"`
	ResolutionState       *string    `json:"resolution_state"`
	ResolutionNumber      *string    `json:"resolution_number"`
	ResolutionAt          *time.Time `json:"resolution_at"`
	TotalAmount           *float64   `json:"total_amount"`
	RevolvingFunds        *bool      `json:"revolving_funds"`
	ContactName           *string    `json:"contact_name"`
	ContactEmail          *string    `json:"contact_email"`
	ContactPhone          *string    `json:"contact_phone"`
	AttachmentURL         *string    `json:"attachment_url"`

	Category        *string    `json:"category"`
	Classified      bool       `json:"classified"`
	ScrapeStatus    string     `json:"scrape_status"`
	ScrapeAttempts  int        `json:"scrape_attempts"`
	LastScrapeError string     `json:"last_scrape_error,omitempty"`
	ScrapedAt       *time.Time `json:"scraped_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

// noticeListResponse は公告一覧のレスポンス。
type noticeListResponse struct {
	Notices []noticeResponse `json:"notices"`
	Total   int              `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

// newNoticesResponse は新着公告のレスポンス。
type newNoticesResponse struct {
	Since   *time.Time       `json:"since"`
	Notices []noticeResponse `json:"notices"`
}

// statsResponse は件数集計のレスポンス。
type statsResponse struct {
	Total         int            `json:"total"`
	PendingScrape int            `json:"pending_scrape"`
	Unclassified  int            `json:"unclassified"`
	ByCategory    map[string]int `json:"by_category"`
	ByNoticeType  map[string]int `json:"by_notice_type"`
}

func toNoticeResponse(n *model.Notice) noticeResponse {
	e := n.Enrichment
	return noticeResponse{
		ID:                    n.ID,
		Identifier:            n.Identifier,
		Title:                 n.Title,
		Description:           n.Description,
		PublishedAt:           n.PublishedAt,
		SourceLink:            n.SourceLink,
		Organization:          e.Organization,
		SubUnit:               e.SubUnit,
		NoticeType:            e.NoticeType,
		OpeningAt:             e.OpeningAt,
		OpeningLocation:       e.OpeningLocation,
		DeliveryLocation:      e.DeliveryLocation,
		DocumentPrice:         e.DocumentPrice,
		ExtensionDeadline:     e.ExtensionDeadline,
		ClarificationDeadline: e.ClarificationDeadline,
		ResolutionState:       e.ResolutionState,
		ResolutionNumber:      e.ResolutionNumber,
		ResolutionAt:          e.ResolutionAt,
		TotalAmount:           e.TotalAmount,
		RevolvingFunds:        e.RevolvingFunds,
		ContactName:           e.ContactName,
		ContactEmail:          e.ContactEmail,
		ContactPhone:          e.ContactPhone,
		AttachmentURL:         e.AttachmentURL,
		Category:              n.Category,
		Classified:            n.Classified,
		ScrapeStatus:          string(n.ScrapeStatus),
		ScrapeAttempts:        n.ScrapeAttempts,
		LastScrapeError:       n.LastScrapeError,
		ScrapedAt:             n.ScrapedAt,
		CreatedAt:             n.CreatedAt,
	}
}

func toNoticeResponses(notices []*model.Notice) []noticeResponse {
	out := make([]noticeResponse, 0, len(notices))
	for _, n := range notices {
		out = append(out, toNoticeResponse(n))
	}
	return out
}

// ListNotices は検索条件に一致する公告を返す。
// GET /api/notices?category=&organization=&type=&from=YYYY-MM-DD&to=YYYY-MM-DD&q=&limit=&offset=
func (h *NoticeHandler) ListNotices(w http.ResponseWriter, r *http.Request) {
	filter, apiErr := h.parseFilter(r.URL.Query())
	if apiErr != nil {
		handleServiceError(w, r, apiErr)
		return
	}

	notices, total, err := h.notices.List(r.Context(), filter)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, noticeListResponse{
		Notices: toNoticeResponses(notices),
		Total:   total,
		Limit:   effectiveLimit(filter.Limit),
		Offset:  filter.Offset,
	})
}

// GetNotice は公告詳細を返す。
// GET /api/notices/{id}
func (h *NoticeHandler) GetNotice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := uuid.Validate(id); err != nil {
		handleServiceError(w, r, model.NewNoticeNotFoundError(id))
		return
	}

	notice, err := h.notices.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if notice == nil {
		handleServiceError(w, r, model.NewNoticeNotFoundError(id))
		return
	}

	writeJSON(w, http.StatusOK, toNoticeResponse(notice))
}

// ListNew は最新の同期開始以降に取り込まれた公告を返す。
// sinceパラメータ（RFC3339）を指定した場合はその時刻を基準にする。
// GET /api/notices/new?since=
func (h *NoticeHandler) ListNew(w http.ResponseWriter, r *http.Request) {
	var since *time.Time

	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			handleServiceError(w, r, model.NewInvalidFilterError("sinceはRFC3339形式で指定してください"))
			return
		}
		since = &t
	} else {
		run, err := h.syncRuns.Latest(r.Context())
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		if run != nil {
			since = &run.StartedAt
		}
	}

	resp := newNoticesResponse{Since: since, Notices: []noticeResponse{}}
	if since != nil {
		notices, err := h.notices.NewSince(r.Context(), *since, defaultNewLimit)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		resp.Notices = toNoticeResponses(notices)
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListCategories は分類カテゴリをフォールバックを含めて宣言順に返す。
// GET /api/categories
func (h *NoticeHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"categories": h.categories.Categories(),
	})
}

// Stats はカテゴリ別・種別ごとの件数を返す。
// GET /api/stats
func (h *NoticeHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.notices.Stats(r.Context())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		PendingScrape: stats.PendingScrape,
		Unclassified:  stats.Unclassified,
		ByCategory:    stats.ByCategory,
		ByNoticeType:  stats.ByNoticeType,
	})
}

// parseFilter はクエリパラメータを検索条件に変換する。
// 日付はウルグアイ時間の暦日として扱い、toはその日の終わりまでを含む。
func (h *NoticeHandler) parseFilter(q url.Values) (model.NoticeFilter, *model.APIError) {
	filter := model.NoticeFilter{
		Category:     q.Get("category"),
		Organization: q.Get("organization"),
		NoticeType:   q.Get("type"),
		Query:        q.Get("q"),
	}

	if filter.Category != "" && !h.categories.IsKnown(filter.Category) {
		return filter, model.NewInvalidFilterError("未知のカテゴリです: " + filter.Category)
	}

	if raw := q.Get("from"); raw != "" {
		from, err := time.ParseInLocation(dateLayout, raw, model.UruguayTime)
		if err != nil {
			return filter, model.NewInvalidFilterError("fromの形式が不正です")
		}
		filter.From = &from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.ParseInLocation(dateLayout, raw, model.UruguayTime)
		if err != nil {
			return filter, model.NewInvalidFilterError("toの形式が不正です")
		}
		end := to.AddDate(0, 0, 1)
		filter.To = &end
	}
	if filter.From != nil && filter.To != nil && !filter.From.Before(*filter.To) {
		return filter, model.NewInvalidFilterError("fromはto以前の日付を指定してください")
	}

	var err error
	if filter.Limit, err = nonNegativeInt(q.Get("limit")); err != nil {
		return filter, model.NewInvalidFilterError("limitが不正です")
	}
	if filter.Offset, err = nonNegativeInt(q.Get("offset")); err != nil {
		return filter, model.NewInvalidFilterError("offsetが不正です")
	}
	return filter, nil
}

func nonNegativeInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}

// effectiveLimit はリポジトリが実際に適用する件数上限を返す。
func effectiveLimit(limit int) int {
	switch {
	case limit <= 0:
		return repository.DefaultListLimit
	case limit > repository.MaxListLimit:
		return repository.MaxListLimit
	default:
		return limit
	}
}
