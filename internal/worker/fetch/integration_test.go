package fetch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/licitaciones/internal/classify"
	"github.com/hitoshi/licitaciones/internal/ingest"
	"github.com/hitoshi/licitaciones/internal/metrics"
	"github.com/hitoshi/licitaciones/internal/model"
	"github.com/hitoshi/licitaciones/internal/scrape"
	"github.com/hitoshi/licitaciones/internal/upstream"
)

// memoryNoticeRepo はフィード挿入とスクレイピング状態更新をまとめて扱うインメモリストア。
type memoryNoticeRepo struct {
	mu      sync.Mutex
	byID    map[string]*model.Notice
	ordered []string
}

func newMemoryNoticeRepo() *memoryNoticeRepo {
	return &memoryNoticeRepo{byID: make(map[string]*model.Notice)}
}

func (r *memoryNoticeRepo) InsertIfAbsent(_ context.Context, p *model.ParsedNotice) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.byID {
		if n.Identifier == p.Identifier {
			return false, nil
		}
	}
	id := fmt.Sprintf("n-%d", len(r.ordered)+1)
	r.byID[id] = &model.Notice{
		ID:           id,
		Identifier:   p.Identifier,
		Title:        p.Title,
		Description:  p.Description,
		PublishedAt:  p.PublishedAt,
		SourceLink:   p.Link,
		ScrapeStatus: model.ScrapeStatusNotScraped,
	}
	r.ordered = append(r.ordered, id)
	return true, nil
}

func (r *memoryNoticeRepo) ListPendingScrape(_ context.Context, limit, maxAttempts int) ([]*model.Notice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Notice
	for _, id := range r.ordered {
		n := r.byID[id]
		if n.ScrapeStatus != model.ScrapeStatusNotScraped {
			continue
		}
		if maxAttempts > 0 && n.ScrapeAttempts >= maxAttempts {
			continue
		}
		out = append(out, n)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryNoticeRepo) MarkScraped(_ context.Context, id string, e *model.Enrichment, category string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.byID[id]
	if n.ScrapeStatus != model.ScrapeStatusNotScraped {
		return nil
	}
	n.Enrichment = *e
	n.Category = &category
	n.Classified = true
	n.ScrapeStatus = model.ScrapeStatusScraped
	n.ScrapedAt = &at
	return nil
}

func (r *memoryNoticeRepo) MarkScrapeFailed(_ context.Context, id, message string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.byID[id]
	if n.ScrapeStatus != model.ScrapeStatusNotScraped {
		return nil
	}
	n.ScrapeAttempts++
	n.LastScrapeError = message
	n.LastScrapeAttemptAt = &at
	return nil
}

func (r *memoryNoticeRepo) byIdentifier(identifier string) *model.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.byID {
		if n.Identifier == identifier {
			copied := *n
			return &copied
		}
	}
	return nil
}

type discardSyncRuns struct{}

func (discardSyncRuns) Record(context.Context, *model.SyncRun) error { return nil }

// TestIntegration_SyncThenScrape はフィード同期から詳細取得・分類・保存までの流れを検証する。
// フィード取得 → 重複排除挿入 → 詳細ページ取得 → ラベル抽出 → 分類 → scraped
func TestIntegration_SyncThenScrape(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []string
	)
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/rss/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, rssWithItems(
			fmt.Sprintf(`<item><title>Servicio de limpieza</title><link>%s/detalle/1</link><guid>g-1</guid>
<pubDate>Mon, 10 Mar 2025 09:00:00 -0300</pubDate><description>Hipoclorito y detergente</description></item>`, server.URL),
			fmt.Sprintf(`<item><title>Llamado 3/2025</title><link>%s/detalle/2</link><guid>g-2</guid>
<pubDate>Mon, 10 Mar 2025 10:00:00 -0300</pubDate><description>Adquisición de medicamento y jeringa</description></item>`, server.URL),
			fmt.Sprintf(`<item><title>Compra directa</title><link>%s/detalle/3</link><guid>g-3</guid>
<pubDate>Mon, 10 Mar 2025 11:00:00 -0300</pubDate><description>Ver detalle</description></item>`, server.URL),
		))
	})
	mux.HandleFunc("/detalle/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, r.URL.Path)
		mu.Unlock()
		switch r.URL.Path {
		case "/detalle/1":
			fmt.Fprint(w, `<html><body><p>Organismo: Intendencia de Montevideo</p><p>Tipo de compra: Compra Directa</p></body></html>`)
		case "/detalle/2":
			fmt.Fprint(w, `<html><body><p>Organismo: ASSE</p><p>Objeto: insumos varios</p></body></html>`)
		default:
			w.WriteHeader(http.StatusTooManyRequests)
		}
	})

	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	repo := newMemoryNoticeRepo()
	client := upstream.NewClient(passthroughGuard{}, 5*time.Second, 1024*1024)

	fetcher := NewFetcher(client, repo, logger, server.URL+"/rss")
	extractor, err := scrape.NewDefaultExtractor()
	if err != nil {
		t.Fatalf("NewDefaultExtractor() がエラーを返した: %v", err)
	}
	classifier, err := classify.NewDefault()
	if err != nil {
		t.Fatalf("classify.NewDefault() がエラーを返した: %v", err)
	}

	policy := ingest.DefaultPolicy()
	policy.MinDelay, policy.MaxDelay, policy.RateLimitDelay = 0, 0, 0
	coord := ingest.NewCoordinator(
		fetcher,
		scrape.NewScraper(client, extractor, logger),
		classifier,
		repo,
		discardSyncRuns{},
		metrics.NewCollector(prometheus.NewRegistry()),
		logger,
		policy,
		10,
	)

	s := NewScheduler(coord, logger, time.Hour, time.Hour, 10)
	if !s.RunSyncOnce(context.Background()) {
		t.Fatal("RunSyncOnce() = false, want true (new notices)")
	}
	s.RunScrapeOnce(context.Background())

	first := repo.byIdentifier("g-1")
	if first.ScrapeStatus != model.ScrapeStatusScraped || first.Category == nil || *first.Category != "Limpieza" {
		t.Errorf("g-1 = status %s category %v, want scraped / Limpieza", first.ScrapeStatus, first.Category)
	}
	if first.Organization == nil || *first.Organization != "Intendencia de Montevideo" {
		t.Errorf("g-1 Organization = %v", first.Organization)
	}

	second := repo.byIdentifier("g-2")
	if second.Category == nil || *second.Category != "Salud" {
		t.Errorf("g-2 category = %v, want Salud", second.Category)
	}

	third := repo.byIdentifier("g-3")
	if third.ScrapeStatus != model.ScrapeStatusNotScraped {
		t.Errorf("g-3 status = %s, want not_scraped", third.ScrapeStatus)
	}
	if third.ScrapeAttempts != 1 || third.LastScrapeError == "" {
		t.Errorf("g-3 attempts=%d error=%q, want recorded failure", third.ScrapeAttempts, third.LastScrapeError)
	}
	if third.Category != nil {
		t.Errorf("g-3 category = %q, want nil", *third.Category)
	}

	// 2回目の同期では何も挿入されず、次のサイクルは失敗した公告だけを再試行する
	if s.RunSyncOnce(context.Background()) {
		t.Error("2回目のRunSyncOnce() = true, want false")
	}
	mu.Lock()
	requests = nil
	mu.Unlock()
	s.RunScrapeOnce(context.Background())

	mu.Lock()
	defer mu.Unlock()
	sort.Strings(requests)
	if strings.Join(requests, ",") != "/detalle/3" {
		t.Errorf("retried = %v, want [/detalle/3]", requests)
	}
}
