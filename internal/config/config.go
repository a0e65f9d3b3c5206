package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Feed
	FeedBaseURL    string // 空の場合はARCEの既定URL
	FeedWindowDays int

	// Upstream HTTP
	FetchTimeout         time.Duration
	FetchMaxSize         int64
	UpstreamAllowedHosts []string // 空の場合はフィードURLのホストのみ許可

	// Scheduling
	SyncInterval   time.Duration
	ScrapeInterval time.Duration

	// Scrape
	ScrapeBatchSize      int
	ScrapeMinDelay       time.Duration
	ScrapeMaxDelay       time.Duration
	ScrapeRateLimitDelay time.Duration
	ScrapeMaxAttempts    int // 0は無制限
	ScrapeLabelsFile     string

	// Classify
	ClassifyCategoriesFile string
	ClassifyFields         string // "feed" または "full"

	// Housekeeping
	SyncRunRetentionDays int

	// Rate Limit
	RateLimitGeneral int // req/min

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定、または値の組み合わせが不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("required environment variables are not set: %v", []string{"DATABASE_URL"})
	}

	// Optional fields with defaults
	cfg.FeedBaseURL = getEnvString("FEED_BASE_URL", "")
	cfg.FeedWindowDays = getEnvInt("FEED_WINDOW_DAYS", 7)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 20*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 5242880)
	cfg.UpstreamAllowedHosts = getEnvList("UPSTREAM_ALLOWED_HOSTS")
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", 15*time.Minute)
	cfg.ScrapeInterval = getEnvDuration("SCRAPE_INTERVAL", 5*time.Minute)
	cfg.ScrapeBatchSize = getEnvInt("SCRAPE_BATCH_SIZE", 20)
	cfg.ScrapeMinDelay = getEnvDuration("SCRAPE_MIN_DELAY", 3*time.Second)
	cfg.ScrapeMaxDelay = getEnvDuration("SCRAPE_MAX_DELAY", 5*time.Second)
	cfg.ScrapeRateLimitDelay = getEnvDuration("SCRAPE_RATE_LIMIT_DELAY", 60*time.Second)
	cfg.ScrapeMaxAttempts = getEnvInt("SCRAPE_MAX_ATTEMPTS", 10)
	cfg.ScrapeLabelsFile = getEnvString("SCRAPE_LABELS_FILE", "")
	cfg.ClassifyCategoriesFile = getEnvString("CLASSIFY_CATEGORIES_FILE", "")
	cfg.ClassifyFields = strings.ToLower(getEnvString("CLASSIFY_FIELDS", "full"))
	cfg.SyncRunRetentionDays = getEnvInt("SYNC_RUN_RETENTION_DAYS", 30)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var problems []string

	if c.ClassifyFields != "feed" && c.ClassifyFields != "full" {
		problems = append(problems, fmt.Sprintf("CLASSIFY_FIELDS must be feed or full, got %q", c.ClassifyFields))
	}
	if c.ScrapeMinDelay < 0 || c.ScrapeMaxDelay < c.ScrapeMinDelay {
		problems = append(problems, "SCRAPE_MAX_DELAY must be >= SCRAPE_MIN_DELAY >= 0")
	}
	if c.ScrapeMaxAttempts < 0 {
		problems = append(problems, "SCRAPE_MAX_ATTEMPTS must be >= 0")
	}
	if c.FeedWindowDays <= 0 {
		problems = append(problems, "FEED_WINDOW_DAYS must be positive")
	}
	if c.ScrapeBatchSize <= 0 {
		problems = append(problems, "SCRAPE_BATCH_SIZE must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
