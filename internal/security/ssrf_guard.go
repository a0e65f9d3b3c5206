// Package security は上流サイトへのアクセス制御とテキスト無害化を提供する。
package security

import (
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// blockedPrefixes は接続を拒否するアドレス範囲。
// safeurlはDNS解決後のIPも検証するため、ここでは静的なIPリテラルのみを対象とする。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// SSRFGuard は上流URLの事前検証とSSRF防止付きHTTPクライアントの生成を行う。
// allowedHostsが空でなければ、そのホスト（およびサブドメイン）以外への取得を拒否する。
// フィードのlinkは外部入力なので、公告ページ以外へ誘導されないよう制限する。
type SSRFGuard struct {
	allowedHosts []string
}

// NewSSRFGuard はSSRFGuardを生成する。ホスト名は小文字に正規化する。
func NewSSRFGuard(allowedHosts ...string) *SSRFGuard {
	hosts := make([]string, 0, len(allowedHosts))
	for _, h := range allowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hosts = append(hosts, h)
		}
	}
	return &SSRFGuard{allowedHosts: hosts}
}

// maxRedirects はリダイレクトを追う上限。
const maxRedirects = 5

// NewSafeClient はsafeurlでラップしたHTTPクライアントを返す。
// プライベート・ループバック・リンクローカル宛ての接続はDialer段階で拒否される。
// リダイレクト先もValidateURLで検証し、許可ホスト以外へは追わない。
// 本文サイズの上限は呼び出し側で読み取り時に適用する。
func (g *SSRFGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		SetCheckRedirect(g.checkRedirect).
		Build()

	return safeurl.Client(config).Client
}

// checkRedirect はリダイレクト先のURLを検証する。
func (g *SSRFGuard) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("リダイレクトが多すぎます: %d回", len(via))
	}
	if err := g.ValidateURL(req.URL.String()); err != nil {
		return fmt.Errorf("リダイレクト先が許可されていません: %w", err)
	}
	return nil
}

// ValidateURL はDNS解決を伴わない静的検証を行う。
func (g *SSRFGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URLが空です")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("URLが不正です: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("許可されていないスキームです: %q", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("ホストが空です: %s", rawURL)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if isBlockedAddr(addr) {
			return fmt.Errorf("ブロック対象のIPアドレスです: %s", addr)
		}
	} else if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("ブロック対象のホストです: %s", host)
	}

	if !g.hostAllowed(host) {
		return fmt.Errorf("許可されていないホストです: %s", host)
	}
	return nil
}

func (g *SSRFGuard) hostAllowed(host string) bool {
	if len(g.allowedHosts) == 0 {
		return true
	}
	for _, allowed := range g.allowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func isBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// HostOf はURLのホスト名を返す。パースできない場合は空文字列。
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
