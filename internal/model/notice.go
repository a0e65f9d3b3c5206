// Package model はドメインモデルを定義する。
package model

import "time"

// Notice は調達公告（licitación）1件を表す。
// フィードから初回取得時に作成され、詳細ページのスクレイピング成功時に
// Enrichment と Category が一度だけ書き込まれる。
type Notice struct {
	ID          string
	Identifier  string // 重複排除キー（guid、なければlink）
	Title       string
	Description string
	PublishedAt time.Time
	SourceLink  string

	Enrichment

	Category   *string
	Classified bool

	ScrapeStatus        ScrapeStatus
	ScrapeAttempts      int
	LastScrapeError     string
	LastScrapeAttemptAt *time.Time
	ScrapedAt           *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScrapeStatus は詳細ページのスクレイピング状態を表す。
// not_scraped → scraped の一方向にのみ遷移する。
type ScrapeStatus string

const (
	// ScrapeStatusNotScraped は未取得（失敗後の再試行待ちを含む）。
	ScrapeStatusNotScraped ScrapeStatus = "not_scraped"
	// ScrapeStatusScraped は取得・分類済み。終端状態。
	ScrapeStatusScraped ScrapeStatus = "scraped"
)

// Enrichment は詳細ページから抽出したフィールド群。
// ラベルが見つからない項目はnilのまま残る。
type Enrichment struct {
	Organization          *string
	SubUnit               *string
	NoticeType            *string
	OpeningAt             *time.Time
	OpeningLocation       *string
	DeliveryLocation      *string
	DocumentPrice         *string
	ExtensionDeadline     *time.Time
	ClarificationDeadline *time.Time
	ResolutionState       *string
	ResolutionNumber      *string
	ResolutionAt          *time.Time
	TotalAmount           *float64
	RevolvingFunds        *bool
	ContactName           *string
	ContactEmail          *string
	ContactPhone          *string
	AttachmentURL         *string
}

// TextFields は分類器に渡すテキスト系フィールドを宣言順で返す。
// nilのフィールドは含めない。決議番号・連絡先メール・電話・添付URLは
// 識別子なので対象外とする。
func (e *Enrichment) TextFields() []string {
	candidates := []*string{
		e.Organization,
		e.SubUnit,
		e.NoticeType,
		e.OpeningLocation,
		e.DeliveryLocation,
		e.DocumentPrice,
		e.ResolutionState,
		e.ContactName,
	}
	fields := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c != nil && *c != "" {
			fields = append(fields, *c)
		}
	}
	return fields
}

// IsEmpty は抽出フィールドが1つも得られなかった場合にtrueを返す。
func (e *Enrichment) IsEmpty() bool {
	return *e == Enrichment{}
}

// ParsedNotice はフィードから取得した未保存の公告データを表す。
type ParsedNotice struct {
	Identifier  string
	Title       string
	Link        string
	Description string
	PublishedAt time.Time
}

// NoticeFilter は公告一覧の検索条件を表す。ゼロ値の項目は条件に含めない。
type NoticeFilter struct {
	Category     string
	Organization string
	NoticeType   string
	From         *time.Time
	To           *time.Time
	Query        string
	Limit        int
	Offset       int
}

// NoticeStats はカテゴリ別・種別ごとの件数集計。
type NoticeStats struct {
	Total         int
	PendingScrape int
	Unclassified  int
	ByCategory    map[string]int
	ByNoticeType  map[string]int
}

// SyncRun はフィード同期1回分の実行記録。
type SyncRun struct {
	ID            string
	StartedAt     time.Time
	FinishedAt    time.Time
	TotalParsed   int
	NewlyInserted int
	Error         string
}

// SyncResult はフィード同期の結果サマリー。
type SyncResult struct {
	StartedAt     time.Time
	FinishedAt    time.Time
	TotalParsed   int
	NewlyInserted int
	Skipped       int
}

// UruguayTime は調達ポータルの日時表記に用いられるタイムゾーン（UTC-3、夏時間なし）。
var UruguayTime = time.FixedZone("UYT", -3*60*60)
