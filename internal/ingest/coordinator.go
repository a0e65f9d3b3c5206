// Package ingest はフィード同期と詳細スクレイピングのサイクルを統括する。
// スクレイピングはプロセス内で常に1サイクルのみ実行され、
// 項目間には上流サイトへの配慮として待機を挟む。
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/licitaciones/internal/metrics"
	"github.com/hitoshi/licitaciones/internal/model"
)

// FeedSyncer はフィード同期のインターフェース。
type FeedSyncer interface {
	Sync(ctx context.Context, windowDays int) (model.SyncResult, error)
}

// DetailScraper は詳細ページ取得のインターフェース。
type DetailScraper interface {
	Scrape(ctx context.Context, link string) (*model.Enrichment, error)
}

// Classifier はカテゴリ分類のインターフェース。
type Classifier interface {
	Classify(fields ...string) string
}

// NoticeRepository はスクレイピングサイクルが使う公告ストアのインターフェース。
type NoticeRepository interface {
	ListPendingScrape(ctx context.Context, limit, maxAttempts int) ([]*model.Notice, error)
	MarkScraped(ctx context.Context, id string, enrichment *model.Enrichment, category string, at time.Time) error
	MarkScrapeFailed(ctx context.Context, id, message string, at time.Time) error
}

// SyncRunRepository はフィード同期の実行記録のストア。
type SyncRunRepository interface {
	Record(ctx context.Context, run *model.SyncRun) error
}

// MetricsCollector はメトリクス記録のインターフェース。
type MetricsCollector interface {
	RecordSyncSuccess(newlyInserted int, at time.Time)
	RecordSyncFailure(reason string)
	RecordScrapeSuccess(category string, duration time.Duration)
	RecordScrapeFailure(reason string, duration time.Duration)
	RecordCycleSkipped()
}

// 分類器への入力フィールドの範囲
const (
	// FieldSetFeed はフィードのタイトルと説明のみを使う。
	FieldSetFeed = "feed"
	// FieldSetFull はフィードの値に加えて詳細ページの全テキストフィールドを使う。
	FieldSetFull = "full"
)

// Policy はスクレイピングサイクルの待機と再試行の設定。
type Policy struct {
	MinDelay       time.Duration // 項目間の待機の下限
	MaxDelay       time.Duration // 項目間の待機の上限
	RateLimitDelay time.Duration // RateLimitError直後の待機
	MaxAttempts    int           // 再試行の上限。0は無制限
	WindowDays     int           // フィードの取得対象期間
	FieldSet       string        // FieldSetFeed または FieldSetFull
}

// DefaultPolicy は既定のPolicyを返す。
func DefaultPolicy() Policy {
	return Policy{
		MinDelay:       3 * time.Second,
		MaxDelay:       5 * time.Second,
		RateLimitDelay: 60 * time.Second,
		MaxAttempts:    10,
		WindowDays:     7,
		FieldSet:       FieldSetFull,
	}
}

// CycleResult はスクレイピングサイクル1回分の集計。
type CycleResult struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	Skipped     bool // 他のサイクルが実行中のため見送った
	Selected    int
	Succeeded   int
	Failed      int
	RateLimited int
}

// Coordinator はフィード同期とスクレイピングサイクルを実行する。
// スクレイピングは単一実行ガードで保護され、同時に1サイクルしか走らない。
type Coordinator struct {
	fetcher    FeedSyncer
	scraper    DetailScraper
	classifier Classifier
	notices    NoticeRepository
	syncRuns   SyncRunRepository
	metrics    MetricsCollector
	logger     *slog.Logger
	policy     Policy
	batchSize  int

	running atomic.Bool
	status  *Status
	bg      sync.WaitGroup

	// テストで差し替える
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(n int64) int64
}

// NewCoordinator はCoordinatorの新しいインスタンスを生成する。
func NewCoordinator(
	fetcher FeedSyncer,
	scraper DetailScraper,
	classifier Classifier,
	notices NoticeRepository,
	syncRuns SyncRunRepository,
	collector MetricsCollector,
	logger *slog.Logger,
	policy Policy,
	batchSize int,
) *Coordinator {
	if policy.MaxDelay < policy.MinDelay {
		policy.MaxDelay = policy.MinDelay
	}
	if policy.FieldSet == "" {
		policy.FieldSet = FieldSetFull
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	return &Coordinator{
		fetcher:    fetcher,
		scraper:    scraper,
		classifier: classifier,
		notices:    notices,
		syncRuns:   syncRuns,
		metrics:    collector,
		logger:     logger,
		policy:     policy,
		status:     &Status{},
		now:        time.Now,
		sleep:      sleepContext,
		jitter:     rand.Int64N,
		batchSize:  batchSize,
	}
}

// Status は現在の同期状態を返す。
func (c *Coordinator) Status() StatusSnapshot {
	return c.status.Snapshot(c.running.Load())
}

// RunFeedSync はフィード同期を1回実行し、実行記録を保存する。
func (c *Coordinator) RunFeedSync(ctx context.Context) (model.SyncResult, error) {
	started := c.now()
	result, err := c.fetcher.Sync(ctx, c.policy.WindowDays)
	if result.StartedAt.IsZero() {
		result.StartedAt = started
	}
	if result.FinishedAt.IsZero() {
		result.FinishedAt = c.now()
	}

	run := &model.SyncRun{
		ID:            uuid.NewString(),
		StartedAt:     result.StartedAt,
		FinishedAt:    result.FinishedAt,
		TotalParsed:   result.TotalParsed,
		NewlyInserted: result.NewlyInserted,
	}
	if err != nil {
		run.Error = err.Error()
	}
	if recErr := c.syncRuns.Record(ctx, run); recErr != nil {
		c.logger.Error("同期記録の保存に失敗しました", slog.String("error", recErr.Error()))
		if err == nil {
			err = &model.PersistenceError{Op: "record sync run", Err: recErr}
		}
	}

	c.status.recordSync(result, err)
	if err != nil {
		c.metrics.RecordSyncFailure(failureReason(err))
		c.logger.Error("フィード同期に失敗しました",
			slog.String("sync_run_id", run.ID),
			slog.String("error", err.Error()),
		)
		return result, err
	}

	c.metrics.RecordSyncSuccess(result.NewlyInserted, result.StartedAt)
	return result, nil
}

// RunScrapeCycle は未取得の公告を最大batchSize件、順番に処理する。
// 他のサイクルが実行中の場合は何もせずSkipped=trueを返す。
// 個々の公告の取得失敗はサイクルを止めない。ストアへの書き込み失敗のみサイクルを中断する。
func (c *Coordinator) RunScrapeCycle(ctx context.Context, batchSize int) (CycleResult, error) {
	if !c.running.CompareAndSwap(false, true) {
		c.metrics.RecordCycleSkipped()
		return CycleResult{Skipped: true}, nil
	}
	defer c.running.Store(false)

	if batchSize <= 0 {
		batchSize = c.batchSize
	}
	result := CycleResult{ID: uuid.NewString(), StartedAt: c.now()}
	logger := c.logger.With(slog.String("cycle_id", result.ID))

	err := c.scrapeBatch(ctx, logger, batchSize, &result)
	result.FinishedAt = c.now()
	c.status.recordCycle(result, err)

	if err != nil {
		logger.Error("スクレイピングサイクルを中断しました", slog.String("error", err.Error()))
		return result, err
	}
	logger.Info("スクレイピングサイクルが完了しました",
		slog.Int("selected", result.Selected),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
		slog.Int("rate_limited", result.RateLimited),
		slog.Duration("duration", result.FinishedAt.Sub(result.StartedAt)),
	)
	return result, nil
}

// outcome は公告1件の処理結果。
type outcome int

const (
	outcomeScraped outcome = iota
	outcomeFailed
	outcomeRateLimited
)

func (c *Coordinator) scrapeBatch(ctx context.Context, logger *slog.Logger, batchSize int, result *CycleResult) error {
	pending, err := c.notices.ListPendingScrape(ctx, batchSize, c.policy.MaxAttempts)
	if err != nil {
		return &model.PersistenceError{Op: "list pending notices", Err: err}
	}
	result.Selected = len(pending)

	prev := outcomeScraped
	for i, notice := range pending {
		if i > 0 {
			// 中断要求は項目の間でのみ受け付ける
			if err := c.sleep(ctx, c.delayAfter(prev)); err != nil {
				return err
			}
		}

		out, err := c.processNotice(ctx, logger, notice)
		if err != nil {
			return err
		}
		switch out {
		case outcomeScraped:
			result.Succeeded++
		case outcomeRateLimited:
			result.RateLimited++
			result.Failed++
		default:
			result.Failed++
		}
		prev = out
	}
	return nil
}

// delayAfter は直前の項目の結果に応じた待機時間を返す。
// レート制限を受けた直後は長めに待つ。
func (c *Coordinator) delayAfter(prev outcome) time.Duration {
	if prev == outcomeRateLimited {
		return c.policy.RateLimitDelay
	}
	spread := int64(c.policy.MaxDelay - c.policy.MinDelay)
	if spread <= 0 {
		return c.policy.MinDelay
	}
	return c.policy.MinDelay + time.Duration(c.jitter(spread+1))
}

// processNotice は1件の公告を取得・分類・保存する。
// 取得失敗は記録して継続する。返すエラーは永続化失敗のみ。
func (c *Coordinator) processNotice(ctx context.Context, logger *slog.Logger, notice *model.Notice) (outcome, error) {
	start := c.now()
	enrichment, scrapeErr := c.scraper.Scrape(ctx, notice.SourceLink)
	elapsed := c.now().Sub(start)

	if scrapeErr != nil {
		var rlErr *model.RateLimitError
		rateLimited := errors.As(scrapeErr, &rlErr)

		if err := c.notices.MarkScrapeFailed(ctx, notice.ID, scrapeErr.Error(), c.now()); err != nil {
			return outcomeFailed, &model.PersistenceError{Op: "mark scrape failed", Err: err}
		}
		c.metrics.RecordScrapeFailure(failureReason(scrapeErr), elapsed)
		logger.Warn("詳細ページの取得に失敗しました",
			slog.String("notice_id", notice.ID),
			slog.String("link", notice.SourceLink),
			slog.Int("attempts", notice.ScrapeAttempts+1),
			slog.Bool("rate_limited", rateLimited),
			slog.String("error", scrapeErr.Error()),
		)
		if rateLimited {
			return outcomeRateLimited, nil
		}
		return outcomeFailed, nil
	}
	if enrichment == nil {
		enrichment = &model.Enrichment{}
	}

	category := c.classifier.Classify(c.classifierInput(notice, enrichment)...)
	if err := c.notices.MarkScraped(ctx, notice.ID, enrichment, category, c.now()); err != nil {
		return outcomeFailed, &model.PersistenceError{Op: "mark scraped", Err: err}
	}

	c.metrics.RecordScrapeSuccess(category, elapsed)
	logger.Info("公告を取得・分類しました",
		slog.String("notice_id", notice.ID),
		slog.String("category", category),
		slog.Bool("empty_page", enrichment.IsEmpty()),
	)
	return outcomeScraped, nil
}

// classifierInput は分類器に渡すテキストを組み立てる。
func (c *Coordinator) classifierInput(notice *model.Notice, e *model.Enrichment) []string {
	fields := []string{notice.Title, notice.Description}
	if c.policy.FieldSet == FieldSetFull {
		fields = append(fields, e.TextFields()...)
	}
	return fields
}

// TriggerSync はフィード同期をバックグラウンドで開始し、すぐに戻る。
// 新規公告があればスクレイピングサイクルも続けて開始する。
func (c *Coordinator) TriggerSync() {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx := context.Background()
		result, err := c.RunFeedSync(ctx)
		if err != nil || result.NewlyInserted == 0 {
			return
		}
		c.runScrapeInBackground(ctx)
	}()
}

// TriggerScrape はスクレイピングサイクルをバックグラウンドで開始し、すぐに戻る。
// 実行中のサイクルがあれば単一実行ガードで見送られる。
func (c *Coordinator) TriggerScrape() {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.runScrapeInBackground(context.Background())
	}()
}

func (c *Coordinator) runScrapeInBackground(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("スクレイピングサイクルでpanicが発生しました", slog.Any("panic", r))
		}
	}()
	if _, err := c.RunScrapeCycle(ctx, c.batchSize); err != nil {
		c.logger.Error("バックグラウンドのスクレイピングに失敗しました", slog.String("error", err.Error()))
	}
}

// Wait はTriggerSync/TriggerScrapeで開始したバックグラウンド処理の完了を待つ。
func (c *Coordinator) Wait() {
	c.bg.Wait()
}

// failureReason はエラーをメトリクスの理由ラベルに変換する。
func failureReason(err error) string {
	var (
		rlErr    *model.RateLimitError
		fetchErr *model.FetchError
		parseErr *model.ParseError
		perErr   *model.PersistenceError
	)
	switch {
	case errors.As(err, &rlErr):
		return metrics.ReasonRateLimit
	case errors.As(err, &parseErr):
		return metrics.ReasonParse
	case errors.As(err, &perErr):
		return metrics.ReasonPersistence
	case errors.As(err, &fetchErr):
		return metrics.ReasonFetch
	default:
		return metrics.ReasonOther
	}
}

// sleepContext はdだけ待機する。コンテキストがキャンセルされた場合はその時点で戻る。
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("待機中に中断されました: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
