// Package fetch はARCEフィードのバックグラウンド同期処理を提供する。
// フィード取得・パースを行うFetcherと、同期・スクレイピングを定期実行するSchedulerを含む。
package fetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/licitaciones/internal/ingest"
	"github.com/hitoshi/licitaciones/internal/model"
)

// CycleRunner はスケジューラから呼び出すサイクル実行のインターフェース。
// ingest.Coordinatorが実装する。
type CycleRunner interface {
	RunFeedSync(ctx context.Context) (model.SyncResult, error)
	RunScrapeCycle(ctx context.Context, batchSize int) (ingest.CycleResult, error)
}

// Scheduler はフィード同期とスクレイピングサイクルを別々の間隔で定期実行する。
// 同期で新規公告が入った場合は、スクレイピングの次回ティックを待たずに即時実行を要求する。
type Scheduler struct {
	runner         CycleRunner
	logger         *slog.Logger
	syncInterval   time.Duration
	scrapeInterval time.Duration
	batchSize      int
	scrapeNow      chan struct{}
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// 0以下の値にはデフォルト（同期15分、スクレイピング5分、バッチ20件）を使用する。
func NewScheduler(
	runner CycleRunner,
	logger *slog.Logger,
	syncInterval time.Duration,
	scrapeInterval time.Duration,
	batchSize int,
) *Scheduler {
	if syncInterval <= 0 {
		syncInterval = 15 * time.Minute
	}
	if scrapeInterval <= 0 {
		scrapeInterval = 5 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	return &Scheduler{
		runner:         runner,
		logger:         logger,
		syncInterval:   syncInterval,
		scrapeInterval: scrapeInterval,
		batchSize:      batchSize,
		scrapeNow:      make(chan struct{}, 1),
	}
}

// Start は同期ループとスクレイピングループを起動し、コンテキストがキャンセルされるまでブロックする。
// 起動直後にそれぞれ1回実行する。
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("スケジューラを開始しました",
		slog.Duration("sync_interval", s.syncInterval),
		slog.Duration("scrape_interval", s.scrapeInterval),
		slog.Int("batch_size", s.batchSize),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.syncLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.scrapeLoop(ctx)
	}()
	wg.Wait()

	s.logger.Info("スケジューラを停止しました")
}

func (s *Scheduler) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	s.RunSyncOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunSyncOnce(ctx)
		}
	}
}

func (s *Scheduler) scrapeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.scrapeInterval)
	defer ticker.Stop()

	s.RunScrapeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunScrapeOnce(ctx)
		case <-s.scrapeNow:
			s.RunScrapeOnce(ctx)
		}
	}
}

// RunSyncOnce はフィード同期を1回実行する。
// 新規公告があればスクレイピングの即時実行を要求し、trueを返す。
func (s *Scheduler) RunSyncOnce(ctx context.Context) bool {
	result, err := s.runner.RunFeedSync(ctx)
	if err != nil {
		s.logger.Error("フィード同期に失敗しました", slog.String("error", err.Error()))
		return false
	}
	if result.NewlyInserted == 0 {
		return false
	}
	s.RequestScrape()
	return true
}

// RunScrapeOnce はスクレイピングサイクルを1回実行する。
// 他のサイクルが実行中の場合はコーディネーター側でスキップされる。
func (s *Scheduler) RunScrapeOnce(ctx context.Context) {
	result, err := s.runner.RunScrapeCycle(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("スクレイピングサイクルに失敗しました", slog.String("error", err.Error()))
		return
	}
	if result.Skipped {
		s.logger.Debug("スクレイピングサイクルは実行中のためスキップしました")
	}
}

// RequestScrape はスクレイピングループに即時実行を要求する。
// 既に要求が保留中であれば何もしない。
func (s *Scheduler) RequestScrape() {
	select {
	case s.scrapeNow <- struct{}{}:
	default:
	}
}
