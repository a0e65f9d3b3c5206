// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// FetchError はネットワーク障害・タイムアウト・非2xxレスポンスを表す。
// 次回のスケジュール実行で再試行される。
type FetchError struct {
	URL        string
	StatusCode int // HTTPレスポンスを受信できなかった場合は0
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("取得に失敗しました (HTTP %d): %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("取得に失敗しました: %s: %v", e.URL, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *FetchError) Unwrap() error {
	return e.Err
}

// ParseError はフィード構造の不正など、解析不能な応答を表す。
type ParseError struct {
	URL    string
	Reason string
	Err    error
}

// Error はerrorインターフェースを実装する。
func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("解析に失敗しました: %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("解析に失敗しました: %s: %s", e.URL, e.Reason)
}

// Unwrap は原因エラーを返す。
func (e *ParseError) Unwrap() error {
	return e.Err
}

// RateLimitError は上流サイトのレート制限（HTTP 429/503）を表す。
// 致命的ではなく、呼び出し側は長めの待機を挟んで処理を継続する。
type RateLimitError struct {
	URL        string
	StatusCode int
	RetryAfter time.Duration // Retry-Afterヘッダーが無い場合は0
}

// Error はerrorインターフェースを実装する。
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("レート制限を受けました (HTTP %d): %s", e.StatusCode, e.URL)
}

// PersistenceError はストアへの書き込み・読み込み失敗を表す。
// 実行中のサイクルを中断して呼び出し元に伝播する。
type PersistenceError struct {
	Op  string
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("永続化に失敗しました (%s): %v", e.Op, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// APIError は統一エラーフォーマットを表す。
// APIクライアントには内部のエラー分類を返さず、カテゴリと対処方法のみを返す。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, notice, system
	Action   string // クライアント向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeNoticeNotFound = "NOTICE_NOT_FOUND"
	ErrCodeInvalidFilter  = "INVALID_FILTER"
	ErrCodeInternal       = "INTERNAL_ERROR"
	ErrCodeRateLimited    = "RATE_LIMIT_EXCEEDED"
)

// NewNoticeNotFoundError は公告未検出エラーを生成する。
func NewNoticeNotFoundError(noticeID string) *APIError {
	return &APIError{
		Code:     ErrCodeNoticeNotFound,
		Message:  fmt.Sprintf("指定された公告が見つかりません: %s", noticeID),
		Category: "notice",
		Action:   "公告IDを確認してください。",
	}
}

// NewInvalidFilterError は無効な検索条件エラーを生成する。
func NewInvalidFilterError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFilter,
		Message:  fmt.Sprintf("無効な検索条件です: %s", reason),
		Category: "validation",
		Action:   "日付はYYYY-MM-DD形式、limitとoffsetは0以上の整数で指定してください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRateLimitedError はAPIレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}
