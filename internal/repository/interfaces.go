// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/licitaciones/internal/model"
)

// NoticeRepository は公告データの永続化インターフェース。
type NoticeRepository interface {
	// InsertIfAbsent は識別子が未登録の場合のみ公告を挿入し、挿入した場合にtrueを返す。
	// 登録済みの識別子に対しては何もしない。
	InsertIfAbsent(ctx context.Context, notice *model.ParsedNotice) (bool, error)

	// ListPendingScrape はscrape_status = 'not_scraped' の公告を公開日時の降順で最大limit件返す。
	// maxAttemptsが正の場合、試行回数がそれ以上の公告は対象外とする。
	ListPendingScrape(ctx context.Context, limit, maxAttempts int) ([]*model.Notice, error)

	// MarkScraped は抽出結果とカテゴリを書き込み、scrapedに遷移させる。
	// 既にscrapedの公告は更新しない。
	MarkScraped(ctx context.Context, id string, enrichment *model.Enrichment, category string, at time.Time) error

	// MarkScrapeFailed は失敗メッセージと試行日時を記録し、試行回数を加算する。
	// scrape_statusはnot_scrapedのまま変えない。
	MarkScrapeFailed(ctx context.Context, id, message string, at time.Time) error

	// FindByID は指定IDの公告を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Notice, error)

	// List は検索条件に一致する公告と、ページングを除いた総件数を返す。
	List(ctx context.Context, filter model.NoticeFilter) ([]*model.Notice, int, error)

	// NewSince はsince以降に取り込まれた公告を新しい順に最大limit件返す。
	NewSince(ctx context.Context, since time.Time, limit int) ([]*model.Notice, error)

	// Stats はカテゴリ別・種別ごとの件数と未取得件数を返す。
	Stats(ctx context.Context) (*model.NoticeStats, error)
}

// SyncRunRepository はフィード同期の実行記録の永続化インターフェース。
type SyncRunRepository interface {
	// Record は同期1回分の実行記録を保存する。
	Record(ctx context.Context, run *model.SyncRun) error

	// Latest は成功した（Errorが空の）最新の実行記録を返す。該当する記録が無い場合はnilを返す。
	Latest(ctx context.Context) (*model.SyncRun, error)

	// DeleteOlderThan はcutoffより前に開始した実行記録を削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
