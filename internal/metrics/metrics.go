// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 失敗理由のラベル値
const (
	ReasonFetch       = "fetch"
	ReasonParse       = "parse"
	ReasonRateLimit   = "rate_limit"
	ReasonPersistence = "persistence"
	ReasonOther       = "other"
)

// Collector はPrometheusメトリクスを収集する実装。
// ingest.MetricsCollectorを満たす。
type Collector struct {
	syncSuccess    prometheus.Counter
	syncFail       *prometheus.CounterVec
	noticesNew     prometheus.Counter
	scrapeSuccess  prometheus.Counter
	scrapeFail     *prometheus.CounterVec
	scrapeLatency  prometheus.Histogram
	classified     *prometheus.CounterVec
	scrapeSkipped  prometheus.Counter
	lastSyncUnixTS prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "licitaciones_sync_success_total",
			Help: "フィード同期成功の合計数",
		}),
		syncFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "licitaciones_sync_fail_total",
			Help: "フィード同期失敗の合計数（理由別）",
		}, []string{"reason"}),
		noticesNew: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "licitaciones_notices_inserted_total",
			Help: "新規に保存された公告の合計数",
		}),
		scrapeSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "licitaciones_scrape_success_total",
			Help: "詳細ページ取得成功の合計数",
		}),
		scrapeFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "licitaciones_scrape_fail_total",
			Help: "詳細ページ取得失敗の合計数（理由別）",
		}, []string{"reason"}),
		scrapeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "licitaciones_scrape_latency_seconds",
			Help:    "詳細ページ取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		classified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "licitaciones_classified_total",
			Help: "カテゴリ別の分類件数",
		}, []string{"category"}),
		scrapeSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "licitaciones_scrape_cycle_skipped_total",
			Help: "実行中のため見送られたスクレイピングサイクルの数",
		}),
		lastSyncUnixTS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "licitaciones_last_sync_timestamp_seconds",
			Help: "最後に成功したフィード同期の時刻（Unix秒）",
		}),
	}

	reg.MustRegister(
		c.syncSuccess,
		c.syncFail,
		c.noticesNew,
		c.scrapeSuccess,
		c.scrapeFail,
		c.scrapeLatency,
		c.classified,
		c.scrapeSkipped,
		c.lastSyncUnixTS,
	)

	return c
}

// RecordSyncSuccess はフィード同期成功と新規件数を記録する。
func (c *Collector) RecordSyncSuccess(newlyInserted int, at time.Time) {
	c.syncSuccess.Inc()
	c.noticesNew.Add(float64(newlyInserted))
	c.lastSyncUnixTS.Set(float64(at.Unix()))
}

// RecordSyncFailure はフィード同期失敗を記録する。
func (c *Collector) RecordSyncFailure(reason string) {
	c.syncFail.WithLabelValues(reason).Inc()
}

// RecordScrapeSuccess は詳細ページ取得成功と分類結果を記録する。
func (c *Collector) RecordScrapeSuccess(category string, duration time.Duration) {
	c.scrapeSuccess.Inc()
	c.classified.WithLabelValues(category).Inc()
	c.scrapeLatency.Observe(duration.Seconds())
}

// RecordScrapeFailure は詳細ページ取得失敗を記録する。
func (c *Collector) RecordScrapeFailure(reason string, duration time.Duration) {
	c.scrapeFail.WithLabelValues(reason).Inc()
	c.scrapeLatency.Observe(duration.Seconds())
}

// RecordCycleSkipped は単一実行ガードにより見送られたサイクルを記録する。
func (c *Collector) RecordCycleSkipped() {
	c.scrapeSkipped.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
