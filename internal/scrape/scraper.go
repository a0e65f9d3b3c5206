// Package scrape は公告詳細ページの取得と構造化フィールドの抽出を行う。
package scrape

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/PuerkitoBio/goquery"

	"github.com/hitoshi/licitaciones/internal/model"
	"github.com/hitoshi/licitaciones/internal/upstream"
)

// PageGetter は詳細ページのHTTP取得を抽象化する。
type PageGetter interface {
	Get(ctx context.Context, rawURL, accept string) (*upstream.Response, error)
}

// Scraper は詳細ページを取得し、Extractorで抽出したEnrichmentを返す。
type Scraper struct {
	client    PageGetter
	extractor Extractor
	logger    *slog.Logger
}

// NewScraper はScraperの新しいインスタンスを生成する。
func NewScraper(client PageGetter, extractor Extractor, logger *slog.Logger) *Scraper {
	return &Scraper{
		client:    client,
		extractor: extractor,
		logger:    logger,
	}
}

// Scrape はlinkの詳細ページを取得してフィールドを抽出する。
// 取得失敗は*model.FetchError、429/503は*model.RateLimitErrorをそのまま返す。
// 解析できないページや構造が空のページは失敗ではなく、全フィールドnilのEnrichmentを返す。
func (s *Scraper) Scrape(ctx context.Context, link string) (*model.Enrichment, error) {
	resp, err := s.client.Get(ctx, link, upstream.AcceptHTML)
	if err != nil {
		return nil, err
	}

	body := resp.UTF8Body()
	if len(bytes.TrimSpace(body)) == 0 {
		s.logger.Warn("detail page is empty", slog.String("url", link))
		return &model.Enrichment{}, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("detail page could not be parsed",
			slog.String("url", link),
			slog.String("error", err.Error()),
		)
		return &model.Enrichment{}, nil
	}

	enrichment := s.extractor.Extract(doc, link)
	if enrichment.IsEmpty() {
		s.logger.Info("no labelled fields found on detail page", slog.String("url", link))
	}

	s.logger.Debug("detail page scraped",
		slog.String("url", link),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", resp.Duration),
	)
	return &enrichment, nil
}
