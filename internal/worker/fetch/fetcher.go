package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/licitaciones/internal/model"
	"github.com/hitoshi/licitaciones/internal/upstream"
)

// DefaultFeedBaseURL はARCEの公告RSSのベースURL（更新日時の降順、全種別）。
const DefaultFeedBaseURL = "https://www.comprasestatales.gub.uy/consultas/rss/tipo-pub/ALL/tipo-fecha/MOD/orden/ORD_MOD/tipo-orden/DESC"

// DefaultWindowDays はフィードの取得対象期間（日数）。
const DefaultWindowDays = 7

// pubDateLayouts はgofeedが日時を解釈できなかった場合に試すレイアウト。
// タイムゾーンを含まないものはウルグアイ時刻として扱う。
var pubDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
}

// FeedGetter はフィード取得のHTTPアクセスを抽象化する。
type FeedGetter interface {
	Get(ctx context.Context, rawURL, accept string) (*upstream.Response, error)
}

// NoticeInserter は公告の重複排除付き挿入のインターフェース。
type NoticeInserter interface {
	// InsertIfAbsent は識別子が未登録の場合のみ挿入し、挿入した場合にtrueを返す。
	InsertIfAbsent(ctx context.Context, notice *model.ParsedNotice) (bool, error)
}

// Fetcher はARCEの公告RSSを取得・パースし、新規公告を保存する。
type Fetcher struct {
	client  FeedGetter
	store   NoticeInserter
	logger  *slog.Logger
	baseURL string
	now     func() time.Time
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
// baseURLが空の場合はDefaultFeedBaseURLを使用する。
func NewFetcher(client FeedGetter, store NoticeInserter, logger *slog.Logger, baseURL string) *Fetcher {
	if baseURL == "" {
		baseURL = DefaultFeedBaseURL
	}
	return &Fetcher{
		client:  client,
		store:   store,
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

// BuildFeedURL は [to-windowDays, to] の日付範囲（ウルグアイ時刻）を指定したフィードURLを組み立てる。
func BuildFeedURL(baseURL string, to time.Time, windowDays int) string {
	local := to.In(model.UruguayTime)
	from := local.AddDate(0, 0, -windowDays)
	return fmt.Sprintf("%s/rango-fecha/%s+00%%3A00%%3A00_%s+23%%3A59%%3A59",
		strings.TrimRight(baseURL, "/"),
		from.Format("2006-01-02"),
		local.Format("2006-01-02"),
	)
}

// Sync はフィードを1回取得し、未登録の公告を保存する。
// 取得失敗は*model.FetchError、フィード構造の不正は*model.ParseError、
// 保存失敗は*model.PersistenceErrorを返す。保存失敗時は残りの項目を処理しない。
func (f *Fetcher) Sync(ctx context.Context, windowDays int) (model.SyncResult, error) {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	result := model.SyncResult{StartedAt: f.now()}
	feedURL := BuildFeedURL(f.baseURL, result.StartedAt, windowDays)

	resp, err := f.client.Get(ctx, feedURL, upstream.AcceptFeed)
	if err != nil {
		return result, asFetchError(feedURL, err)
	}

	parsed, err := parseFeed(feedURL, resp.Body)
	if err != nil {
		return result, err
	}

	result.TotalParsed = len(parsed.Items)
	seen := make(map[string]bool, len(parsed.Items))

	for _, item := range parsed.Items {
		notice, reason := toParsedNotice(item)
		if notice == nil {
			result.Skipped++
			f.logger.Warn("フィード項目をスキップしました",
				slog.String("reason", reason),
				slog.String("title", itemTitle(item)),
			)
			continue
		}
		// 同一ペイロード内の重複はストアに問い合わせない
		if seen[notice.Identifier] {
			continue
		}
		seen[notice.Identifier] = true

		inserted, err := f.store.InsertIfAbsent(ctx, notice)
		if err != nil {
			return result, &model.PersistenceError{Op: "insert notice", Err: err}
		}
		if inserted {
			result.NewlyInserted++
		}
	}

	result.FinishedAt = f.now()
	f.logger.Info("フィード同期が完了しました",
		slog.String("feed_url", feedURL),
		slog.Int("total_parsed", result.TotalParsed),
		slog.Int("newly_inserted", result.NewlyInserted),
		slog.Int("skipped", result.Skipped),
		slog.Duration("duration", resp.Duration),
	)
	return result, nil
}

// parseFeed はRSS本文をパースする。channel要素を持たない応答はParseErrorとする。
// 文字コードはXML宣言に従ってパーサー側で解釈させる。
func parseFeed(feedURL string, body []byte) (*gofeed.Feed, error) {
	if !bytes.Contains(bytes.ToLower(body), []byte("<channel")) {
		return nil, &model.ParseError{URL: feedURL, Reason: "channel要素がありません"}
	}
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &model.ParseError{URL: feedURL, Reason: "RSSのパースに失敗しました", Err: err}
	}
	return parsed, nil
}

// toParsedNotice はフィード項目を保存用の公告に変換する。
// 識別子（guid、なければlink）または公開日時が得られない場合はnilと理由を返す。
func toParsedNotice(item *gofeed.Item) (*model.ParsedNotice, string) {
	if item == nil {
		return nil, "空の項目"
	}

	identifier := strings.TrimSpace(item.GUID)
	if identifier == "" {
		identifier = strings.TrimSpace(item.Link)
	}
	if identifier == "" {
		return nil, "guidとlinkがありません"
	}

	publishedAt, ok := publishedTime(item)
	if !ok {
		return nil, "公開日時を解釈できません"
	}

	link := strings.TrimSpace(item.Link)
	if link == "" && (strings.HasPrefix(identifier, "http://") || strings.HasPrefix(identifier, "https://")) {
		link = identifier
	}

	return &model.ParsedNotice{
		Identifier:  identifier,
		Title:       strings.TrimSpace(item.Title),
		Link:        link,
		Description: strings.TrimSpace(item.Description),
		PublishedAt: publishedAt,
	}, ""
}

func publishedTime(item *gofeed.Item) (time.Time, bool) {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed, true
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed, true
	}
	raw := strings.TrimSpace(item.Published)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range pubDateLayouts {
		if t, err := time.ParseInLocation(layout, raw, model.UruguayTime); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func itemTitle(item *gofeed.Item) string {
	if item == nil {
		return ""
	}
	return item.Title
}

// asFetchError はフィード取得の失敗をFetchErrorにそろえる。
// 429/503もフィードでは非2xxの一種として扱い、原因はErrに残す。
func asFetchError(feedURL string, err error) error {
	var rlErr *model.RateLimitError
	if errors.As(err, &rlErr) {
		return &model.FetchError{URL: feedURL, StatusCode: rlErr.StatusCode, Err: rlErr}
	}
	return err
}
