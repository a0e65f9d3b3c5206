// Package upstream は調達ポータル（ARCE）へのHTTPアクセスの共通処理を提供する。
// ブラウザ相当のリクエストヘッダー、SSRF検証付きクライアント、
// ステータスコードによるエラー分類、文字コード変換を含む。
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/hitoshi/licitaciones/internal/model"
)

// 上流サイトはブラウザ以外のUser-Agentを拒否することがあるため、固定のブラウザヘッダーを送る。
const (
	BrowserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	AcceptFeed       = "application/rss+xml, application/xml, text/xml, */*"
	AcceptHTML       = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	AcceptLanguage   = "es-UY,es;q=0.9,en;q=0.5"
)

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// StatusClass はHTTPステータスコードの分類。
type StatusClass int

const (
	// StatusOK は2xx。
	StatusOK StatusClass = iota
	// StatusRateLimited は429/503。長めの待機を挟んで継続する。
	StatusRateLimited
	// StatusFailed はその他の非2xx。
	StatusFailed
)

// ClassifyHTTPStatus はHTTPステータスコードを分類する。
func ClassifyHTTPStatus(statusCode int) StatusClass {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusOK
	case statusCode == http.StatusTooManyRequests:
		return StatusRateLimited
	case statusCode == http.StatusServiceUnavailable:
		return StatusRateLimited
	default:
		return StatusFailed
	}
}

// Response は取得結果。Bodyは受信したバイト列そのまま。
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
}

// Client は上流サイト用のHTTPクライアント。
type Client struct {
	ssrfGuard   SSRFValidator
	timeout     time.Duration
	maxBodySize int64
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(ssrfGuard SSRFValidator, timeout time.Duration, maxBodySize int64) *Client {
	return &Client{
		ssrfGuard:   ssrfGuard,
		timeout:     timeout,
		maxBodySize: maxBodySize,
	}
}

// Get はrawURLをGETし、2xxの場合に本文を返す。
// ネットワーク障害・タイムアウト・非2xxは*model.FetchError、
// 429/503は*model.RateLimitErrorを返す。
func (c *Client) Get(ctx context.Context, rawURL, accept string) (*Response, error) {
	start := time.Now()

	if err := c.ssrfGuard.ValidateURL(rawURL); err != nil {
		return nil, &model.FetchError{URL: rawURL, Err: fmt.Errorf("SSRF検証に失敗: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &model.FetchError{URL: rawURL, Err: fmt.Errorf("リクエスト作成に失敗: %w", err)}
	}
	req.Header.Set("User-Agent", BrowserUserAgent)
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", AcceptLanguage)

	client := c.ssrfGuard.NewSafeClient(c.timeout)
	resp, err := client.Do(req)
	if err != nil {
		return nil, &model.FetchError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case StatusRateLimited:
		return nil, &model.RateLimitError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case StatusFailed:
		return nil, &model.FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize))
	if err != nil {
		return nil, &model.FetchError{URL: rawURL, Err: fmt.Errorf("レスポンス読み取り失敗: %w", err)}
	}

	contentType := resp.Header.Get("Content-Type")
	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Body:        raw,
		Duration:    time.Since(start),
	}, nil
}

// UTF8Body はContent-TypeやHTMLのmeta宣言に従って本文をUTF-8に変換して返す。
// 判定できない場合は元のバイト列をそのまま返す。
// XMLフィードはプロローグのencoding宣言をパーサー側が解釈するため、変換せずBodyを使う。
func (r *Response) UTF8Body() []byte {
	reader, err := charset.NewReader(bytes.NewReader(r.Body), r.ContentType)
	if err != nil {
		return r.Body
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return r.Body
	}
	return decoded
}

// parseRetryAfter は秒数形式のRetry-Afterヘッダーを解釈する。
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
