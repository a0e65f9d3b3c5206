package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/licitaciones/internal/classify"
	"github.com/hitoshi/licitaciones/internal/config"
	"github.com/hitoshi/licitaciones/internal/database"
	"github.com/hitoshi/licitaciones/internal/handler"
	"github.com/hitoshi/licitaciones/internal/ingest"
	"github.com/hitoshi/licitaciones/internal/logger"
	"github.com/hitoshi/licitaciones/internal/metrics"
	"github.com/hitoshi/licitaciones/internal/middleware"
	"github.com/hitoshi/licitaciones/internal/repository"
	"github.com/hitoshi/licitaciones/internal/scrape"
	"github.com/hitoshi/licitaciones/internal/security"
	"github.com/hitoshi/licitaciones/internal/upstream"
	"github.com/hitoshi/licitaciones/internal/worker/cleanup"
	fetchpkg "github.com/hitoshi/licitaciones/internal/worker/fetch"
)

// cleanupInterval は同期記録クリーンアップの実行間隔。
const cleanupInterval = 24 * time.Hour

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでロガーを作り直す
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if !cmd.NeedsConfig() {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	attrs := []any{slog.String("command", string(cmd))}
	if cmd.RunsPipeline() {
		attrs = append(attrs,
			slog.String("feed_base_url", feedBaseURL(cfg)),
			slog.Int("feed_window_days", cfg.FeedWindowDays),
		)
	}
	if cmd == CommandServe {
		attrs = append(attrs, slog.String("port", cfg.ServerPort))
	}
	slog.Info("starting application", attrs...)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// pipeline は取り込み処理一式。serveとworkerで共有する。
type pipeline struct {
	notices     *repository.PostgresNoticeRepo
	syncRuns    *repository.PostgresSyncRunRepo
	classifier  *classify.Classifier
	coordinator *ingest.Coordinator
	scheduler   *fetchpkg.Scheduler
	cleanup     *cleanup.CleanupJob
}

// buildPipeline はDB接続とメトリクスレジストリから取り込み処理の依存関係をワイヤリングする。
func buildPipeline(cfg *config.Config, db *sql.DB, reg prometheus.Registerer, log *slog.Logger) (*pipeline, error) {
	// 1. リポジトリ
	notices := repository.NewPostgresNoticeRepo(db)
	syncRuns := repository.NewPostgresSyncRunRepo(db)

	// 2. 上流HTTP（フィードと詳細ページは同一ホストに限定する）
	allowedHosts := cfg.UpstreamAllowedHosts
	if len(allowedHosts) == 0 {
		allowedHosts = []string{security.HostOf(feedBaseURL(cfg))}
	}
	client := upstream.NewClient(security.NewSSRFGuard(allowedHosts...), cfg.FetchTimeout, cfg.FetchMaxSize)

	// 3. 抽出と分類
	extractor, err := newExtractor(cfg.ScrapeLabelsFile)
	if err != nil {
		return nil, err
	}
	classifier, err := newClassifier(cfg.ClassifyCategoriesFile)
	if err != nil {
		return nil, err
	}

	// 4. コーディネーターとスケジューラ
	fetcher := fetchpkg.NewFetcher(client, notices, log, cfg.FeedBaseURL)
	scraper := scrape.NewScraper(client, extractor, log)

	policy := ingest.Policy{
		MinDelay:       cfg.ScrapeMinDelay,
		MaxDelay:       cfg.ScrapeMaxDelay,
		RateLimitDelay: cfg.ScrapeRateLimitDelay,
		MaxAttempts:    cfg.ScrapeMaxAttempts,
		WindowDays:     cfg.FeedWindowDays,
		FieldSet:       cfg.ClassifyFields,
	}
	coordinator := ingest.NewCoordinator(
		fetcher, scraper, classifier, notices, syncRuns,
		metrics.NewCollector(reg), log, policy, cfg.ScrapeBatchSize,
	)
	scheduler := fetchpkg.NewScheduler(
		coordinator, log, cfg.SyncInterval, cfg.ScrapeInterval, cfg.ScrapeBatchSize,
	)

	return &pipeline{
		notices:     notices,
		syncRuns:    syncRuns,
		classifier:  classifier,
		coordinator: coordinator,
		scheduler:   scheduler,
		cleanup:     cleanup.NewCleanupJob(syncRuns, log, cfg.SyncRunRetentionDays),
	}, nil
}

// startBackground はスケジューラとクリーンアップジョブを起動し、終了待ち用の関数を返す。
func (p *pipeline) startBackground(ctx context.Context) (wait func()) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.scheduler.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		p.cleanup.Start(ctx, cleanupInterval)
	}()
	return func() {
		wg.Wait()
		p.coordinator.Wait()
	}
}

func newExtractor(labelsFile string) (*scrape.LabelExtractor, error) {
	if labelsFile == "" {
		return scrape.NewDefaultExtractor()
	}
	labels, err := scrape.LoadLabels(labelsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load scrape labels: %w", err)
	}
	return scrape.NewLabelExtractor(labels, security.NewTextSanitizer())
}

func newClassifier(categoriesFile string) (*classify.Classifier, error) {
	if categoriesFile == "" {
		return classify.NewDefault()
	}
	c, err := classify.Load(categoriesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load categories: %w", err)
	}
	return c, nil
}

func feedBaseURL(cfg *config.Config) string {
	if cfg.FeedBaseURL != "" {
		return cfg.FeedBaseURL
	}
	return fetchpkg.DefaultFeedBaseURL
}

// newRegistry はプロセス・Goランタイムのコレクタを登録したレジストリを返す。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// runServe はAPIサーバーモードで起動する。
// 手動実行をプロセス内のコーディネーターに届けるため、スケジューラも同じプロセスで動かす。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. DB接続（疎通できなければ起動を中止する）
	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. 取り込み処理の構築
	reg := newRegistry()
	p, err := buildPipeline(cfg, db, reg, slog.Default())
	if err != nil {
		return err
	}

	// 3. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		Notices:           p.notices,
		SyncRuns:          p.syncRuns,
		Categories:        p.classifier,
		Ingest:            p.coordinator,
		DB:                db,
		Gatherer:          reg,
	})

	// 4. HTTPサーバーとバックグラウンド処理の起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	bgCtx, cancelBg := context.WithCancel(ctx)
	waitBg := p.startBackground(bgCtx)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var listenErr error
	select {
	case <-ctx.Done():
	case listenErr = <-serverErr:
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	shutdownErr := server.Shutdown(shutdownCtx)
	cancelBg()
	waitBg()

	if listenErr != nil {
		return fmt.Errorf("server listen failed: %w", listenErr)
	}
	if shutdownErr != nil {
		return fmt.Errorf("server shutdown failed: %w", shutdownErr)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// APIを公開せず、同期・スクレイピングのスケジューラとクリーンアップジョブのみを動かす。
func runWorker(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	p, err := buildPipeline(cfg, db, newRegistry(), slog.Default())
	if err != nil {
		return err
	}

	slog.Info("worker starting",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Duration("scrape_interval", cfg.ScrapeInterval),
		slog.Int("batch_size", cfg.ScrapeBatchSize),
	)

	wait := p.startBackground(ctx)
	<-ctx.Done()
	slog.Info("shutting down worker...")
	wait()

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
