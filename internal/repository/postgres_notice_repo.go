package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/hitoshi/licitaciones/internal/model"
)

// 一覧取得の件数上限
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var noticeColumns = []string{
	"id", "identifier", "title", "description", "published_at", "source_link",
	"organization", "sub_unit", "notice_type", "opening_at", "opening_location",
	"delivery_location", "document_price", "extension_deadline", "clarification_deadline",
	"resolution_state", "resolution_number", "resolution_at", "total_amount", "revolving_funds",
	"contact_name", "contact_email", "contact_phone", "attachment_url",
	"category", "classified",
	"scrape_status", "scrape_attempts", "last_scrape_error", "last_scrape_attempt_at", "scraped_at",
	"created_at", "updated_at",
}

// PostgresNoticeRepo はPostgreSQLを使用した公告リポジトリ。
type PostgresNoticeRepo struct {
	db *sql.DB
}

// NewPostgresNoticeRepo はPostgresNoticeRepoを生成する。
func NewPostgresNoticeRepo(db *sql.DB) *PostgresNoticeRepo {
	return &PostgresNoticeRepo{db: db}
}

// InsertIfAbsent は識別子が未登録の場合のみ公告を挿入する。
func (r *PostgresNoticeRepo) InsertIfAbsent(ctx context.Context, notice *model.ParsedNotice) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO notices (id, identifier, title, description, published_at, source_link)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (identifier) DO NOTHING`,
		uuid.NewString(),
		notice.Identifier,
		notice.Title,
		notice.Description,
		notice.PublishedAt,
		notice.Link,
	)
	if err != nil {
		return false, fmt.Errorf("公告の挿入に失敗しました: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("挿入件数の取得に失敗しました: %w", err)
	}
	return n == 1, nil
}

// pendingQuery は未取得公告の選択クエリを組み立てる。
func pendingQuery(limit, maxAttempts int) sq.SelectBuilder {
	q := psql.Select(noticeColumns...).
		From("notices").
		Where(sq.Eq{"scrape_status": string(model.ScrapeStatusNotScraped)})
	if maxAttempts > 0 {
		q = q.Where(sq.Lt{"scrape_attempts": maxAttempts})
	}
	return q.OrderBy("published_at DESC", "id").Limit(uint64(limit))
}

// ListPendingScrape はスクレイピング待ちの公告を新しい順に返す。
func (r *PostgresNoticeRepo) ListPendingScrape(ctx context.Context, limit, maxAttempts int) ([]*model.Notice, error) {
	if limit <= 0 {
		return nil, nil
	}
	query, args, err := pendingQuery(limit, maxAttempts).ToSql()
	if err != nil {
		return nil, fmt.Errorf("クエリの組み立てに失敗しました: %w", err)
	}
	return r.queryNotices(ctx, "スクレイピング待ち公告", query, args...)
}

// MarkScraped は抽出結果・カテゴリを書き込み、scrapedに遷移させる。
// 前回までの失敗メッセージは消去する。
func (r *PostgresNoticeRepo) MarkScraped(ctx context.Context, id string, e *model.Enrichment, category string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notices SET
		    organization = $2,
		    sub_unit = $3,
		    notice_type = $4,
		    opening_at = $5,
		    opening_location = $6,
		    delivery_location = $7,
		    document_price = $8,
		    extension_deadline = $9,
		    clarification_deadline = $10,
		    resolution_state = $11,
		    resolution_number = $12,
		    resolution_at = $13,
		    total_amount = $14,
		    revolving_funds = $15,
		    contact_name = $16,
		    contact_email = $17,
		    contact_phone = $18,
		    attachment_url = $19,
		    category = $20,
		    classified = TRUE,
		    scrape_status = 'scraped',
		    last_scrape_error = '',
		    scraped_at = $21,
		    updated_at = now()
		 WHERE id = $1 AND scrape_status = 'not_scraped'`,
		id,
		e.Organization,
		e.SubUnit,
		e.NoticeType,
		e.OpeningAt,
		e.OpeningLocation,
		e.DeliveryLocation,
		e.DocumentPrice,
		e.ExtensionDeadline,
		e.ClarificationDeadline,
		e.ResolutionState,
		e.ResolutionNumber,
		e.ResolutionAt,
		e.TotalAmount,
		e.RevolvingFunds,
		e.ContactName,
		e.ContactEmail,
		e.ContactPhone,
		e.AttachmentURL,
		category,
		at,
	)
	if err != nil {
		return fmt.Errorf("公告の更新に失敗しました: %w", err)
	}
	return nil
}

// MarkScrapeFailed はスクレイピング失敗を記録する。
func (r *PostgresNoticeRepo) MarkScrapeFailed(ctx context.Context, id, message string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notices SET
		    last_scrape_error = $2,
		    last_scrape_attempt_at = $3,
		    scrape_attempts = scrape_attempts + 1,
		    updated_at = now()
		 WHERE id = $1 AND scrape_status = 'not_scraped'`,
		id, message, at,
	)
	if err != nil {
		return fmt.Errorf("失敗記録の更新に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDの公告を取得する。見つからない場合はnilを返す。
func (r *PostgresNoticeRepo) FindByID(ctx context.Context, id string) (*model.Notice, error) {
	query, args, err := psql.Select(noticeColumns...).From("notices").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("クエリの組み立てに失敗しました: %w", err)
	}

	notice, err := scanNotice(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("公告の取得に失敗しました: %w", err)
	}
	return notice, nil
}

// List は検索条件に一致する公告を公開日時の降順で返す。
func (r *PostgresNoticeRepo) List(ctx context.Context, filter model.NoticeFilter) ([]*model.Notice, int, error) {
	countSQL, countArgs, err := countQuery(filter).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("クエリの組み立てに失敗しました: %w", err)
	}
	var total int
	if err := r.db.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("公告件数の取得に失敗しました: %w", err)
	}

	listSQL, listArgs, err := listQuery(filter).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("クエリの組み立てに失敗しました: %w", err)
	}
	notices, err := r.queryNotices(ctx, "公告一覧", listSQL, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	return notices, total, nil
}

// NewSince はsince以降に取り込まれた公告を返す。
func (r *PostgresNoticeRepo) NewSince(ctx context.Context, since time.Time, limit int) ([]*model.Notice, error) {
	query, args, err := psql.Select(noticeColumns...).
		From("notices").
		Where(sq.GtOrEq{"created_at": since}).
		OrderBy("created_at DESC", "id").
		Limit(uint64(clampLimit(limit))).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("クエリの組み立てに失敗しました: %w", err)
	}
	return r.queryNotices(ctx, "新着公告", query, args...)
}

// Stats は件数の集計を返す。
func (r *PostgresNoticeRepo) Stats(ctx context.Context) (*model.NoticeStats, error) {
	stats := &model.NoticeStats{
		ByCategory:   make(map[string]int),
		ByNoticeType: make(map[string]int),
	}

	err := r.db.QueryRowContext(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE scrape_status = 'not_scraped'),
		        count(*) FILTER (WHERE NOT classified)
		 FROM notices`,
	).Scan(&stats.Total, &stats.PendingScrape, &stats.Unclassified)
	if err != nil {
		return nil, fmt.Errorf("公告件数の集計に失敗しました: %w", err)
	}

	if err := r.countBy(ctx, "category", stats.ByCategory); err != nil {
		return nil, err
	}
	if err := r.countBy(ctx, "notice_type", stats.ByNoticeType); err != nil {
		return nil, err
	}
	return stats, nil
}

// countBy はcolumnの値ごとの件数をdstに書き込む。NULLは数えない。
func (r *PostgresNoticeRepo) countBy(ctx context.Context, column string, dst map[string]int) error {
	query, args, err := psql.Select(column, "count(*)").
		From("notices").
		Where(sq.NotEq{column: nil}).
		GroupBy(column).
		ToSql()
	if err != nil {
		return fmt.Errorf("クエリの組み立てに失敗しました: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s別の集計に失敗しました: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("%s別の集計の読み取りに失敗しました: %w", column, err)
		}
		dst[key] = n
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%s別の集計の走査に失敗しました: %w", column, err)
	}
	return nil
}

func (r *PostgresNoticeRepo) queryNotices(ctx context.Context, what, query string, args ...any) ([]*model.Notice, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%sの取得に失敗しました: %w", what, err)
	}
	defer rows.Close()

	var notices []*model.Notice
	for rows.Next() {
		n, err := scanNotice(rows)
		if err != nil {
			return nil, fmt.Errorf("%sの読み取りに失敗しました: %w", what, err)
		}
		notices = append(notices, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%sの走査に失敗しました: %w", what, err)
	}
	return notices, nil
}

// applyFilter は検索条件をWHERE句に変換する。ゼロ値の条件は無視する。
func applyFilter(q sq.SelectBuilder, f model.NoticeFilter) sq.SelectBuilder {
	if f.Category != "" {
		q = q.Where(sq.Eq{"category": f.Category})
	}
	if f.Organization != "" {
		q = q.Where(sq.Expr("organization ILIKE ?", containsPattern(f.Organization)))
	}
	if f.NoticeType != "" {
		q = q.Where(sq.Expr("notice_type ILIKE ?", containsPattern(f.NoticeType)))
	}
	if f.From != nil {
		q = q.Where(sq.GtOrEq{"published_at": *f.From})
	}
	if f.To != nil {
		q = q.Where(sq.Lt{"published_at": *f.To})
	}
	if f.Query != "" {
		p := containsPattern(f.Query)
		q = q.Where(sq.Or{
			sq.Expr("title ILIKE ?", p),
			sq.Expr("description ILIKE ?", p),
			sq.Expr("organization ILIKE ?", p),
		})
	}
	return q
}

func listQuery(f model.NoticeFilter) sq.SelectBuilder {
	q := applyFilter(psql.Select(noticeColumns...).From("notices"), f)
	q = q.OrderBy("published_at DESC", "id").Limit(uint64(clampLimit(f.Limit)))
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}
	return q
}

func countQuery(f model.NoticeFilter) sq.SelectBuilder {
	return applyFilter(psql.Select("count(*)").From("notices"), f)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

// containsPattern は部分一致用のLIKEパターンを返す。ワイルドカード文字はエスケープする。
func containsPattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotice(s rowScanner) (*model.Notice, error) {
	n := &model.Notice{}
	var (
		organization, subUnit, noticeType, openingLocation, deliveryLocation sql.NullString
		documentPrice, resolutionState, resolutionNumber                     sql.NullString
		contactName, contactEmail, contactPhone, attachmentURL, category     sql.NullString
		openingAt, extensionDeadline, clarificationDeadline, resolutionAt    sql.NullTime
		lastAttemptAt, scrapedAt                                             sql.NullTime
		totalAmount                                                          sql.NullFloat64
		revolvingFunds                                                       sql.NullBool
	)

	err := s.Scan(
		&n.ID, &n.Identifier, &n.Title, &n.Description, &n.PublishedAt, &n.SourceLink,
		&organization, &subUnit, &noticeType, &openingAt, &openingLocation,
		&deliveryLocation, &documentPrice, &extensionDeadline, &clarificationDeadline,
		&resolutionState, &resolutionNumber, &resolutionAt, &totalAmount, &revolvingFunds,
		&contactName, &contactEmail, &contactPhone, &attachmentURL,
		&category, &n.Classified,
		&n.ScrapeStatus, &n.ScrapeAttempts, &n.LastScrapeError, &lastAttemptAt, &scrapedAt,
		&n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	n.Organization = stringPtr(organization)
	n.SubUnit = stringPtr(subUnit)
	n.NoticeType = stringPtr(noticeType)
	n.OpeningAt = timePtr(openingAt)
	n.OpeningLocation = stringPtr(openingLocation)
	n.DeliveryLocation = stringPtr(deliveryLocation)
	n.DocumentPrice = stringPtr(documentPrice)
	n.ExtensionDeadline = timePtr(extensionDeadline)
	n.ClarificationDeadline = timePtr(clarificationDeadline)
	n.ResolutionState = stringPtr(resolutionState)
	n.ResolutionNumber = stringPtr(resolutionNumber)
	n.ResolutionAt = timePtr(resolutionAt)
	if totalAmount.Valid {
		n.TotalAmount = &totalAmount.Float64
	}
	if revolvingFunds.Valid {
		n.RevolvingFunds = &revolvingFunds.Bool
	}
	n.ContactName = stringPtr(contactName)
	n.ContactEmail = stringPtr(contactEmail)
	n.ContactPhone = stringPtr(contactPhone)
	n.AttachmentURL = stringPtr(attachmentURL)
	n.Category = stringPtr(category)
	n.LastScrapeAttemptAt = timePtr(lastAttemptAt)
	n.ScrapedAt = timePtr(scrapedAt)

	return n, nil
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	return &nt.Time
}
