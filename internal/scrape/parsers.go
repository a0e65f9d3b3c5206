package scrape

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"

	"github.com/hitoshi/licitaciones/internal/model"
)

var (
	dateTimeExpr = regexp.MustCompile(`(\d{2})/(\d{2})/(\d{4})\s+(\d{2}):(\d{2})`)
	amountExpr   = regexp.MustCompile(`\d[\d.,]*`)
	emailExpr    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phoneExpr    = regexp.MustCompile(`\+?\d[\d\s\-()/]{5,}\d`)

	// 空白・NBSPで区切られた3桁グループ（"1 234 567"）
	digitGroupExpr = regexp.MustCompile(`(\d)[ \t\x{00A0}\x{202F}]+(\d{3})\b`)
)

// ParseDate は "DD/MM/YYYY HH:MM" 形式の最初の出現をウルグアイ時刻として解釈する。
// 該当する表記が無い、または暦として不正な場合はnilを返す。
func ParseDate(s string) *time.Time {
	m := dateTimeExpr.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	t, err := time.ParseInLocation("02/01/2006 15:04", m[1]+"/"+m[2]+"/"+m[3]+" "+m[4]+":"+m[5], model.UruguayTime)
	if err != nil {
		return nil
	}
	return &t
}

// ParseAmount は "." を桁区切り、"," を小数点とする金額表記を数値に変換する。
// 通貨記号や前後の文字は無視する。空白区切りの3桁グループは連結してから読む。
// 数字を含まない場合はnilを返す。
func ParseAmount(s string) *float64 {
	token := amountExpr.FindString(joinDigitGroups(s))
	if token == "" {
		return nil
	}
	normalized := strings.ReplaceAll(token, ".", "")
	normalized = strings.ReplaceAll(normalized, ",", ".")
	normalized = strings.TrimRight(normalized, ".")

	v, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return nil
	}
	return &v
}

// joinDigitGroups は空白で区切られた桁グループを連結する。
// 置換は重ならない一致にしか適用されないため、変化がなくなるまで繰り返す。
func joinDigitGroups(s string) string {
	for {
		joined := digitGroupExpr.ReplaceAllString(s, "${1}${2}")
		if joined == s {
			return s
		}
		s = joined
	}
}

// ParseFlag は "sí" / "si" / "no" を真偽値に変換する。それ以外はnil。
func ParseFlag(s string) *bool {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	if len(words) == 0 {
		return nil
	}
	var v bool
	switch words[0] {
	case "sí", "si":
		v = true
	case "no":
		v = false
	default:
		return nil
	}
	return &v
}

// Contact は連絡先セクションから抽出した値。各項目は独立して省略されうる。
type Contact struct {
	Name  *string
	Email *string
	Phone *string
}

// ParseContact は連絡先セクションのテキストからメールアドレスを探し、
// 同じ行のメールアドレスより前を氏名、後ろの数字列を電話番号として取り出す。
// 氏名が定型語を含む場合は採用しない。boilerplateは小文字で渡す。
func ParseContact(section string, boilerplate []string) Contact {
	loc := emailExpr.FindStringIndex(section)
	if loc == nil {
		return Contact{}
	}

	email := section[loc[0]:loc[1]]
	contact := Contact{Email: &email}

	lineStart := strings.LastIndex(section[:loc[0]], "\n") + 1
	lineEnd := len(section)
	if i := strings.Index(section[loc[1]:], "\n"); i >= 0 {
		lineEnd = loc[1] + i
	}

	if name := cleanContactName(section[lineStart:loc[0]]); name != "" && !looksLikeBoilerplate(name, boilerplate) {
		contact.Name = &name
	}

	if m := phoneExpr.FindString(section[loc[1]:lineEnd]); m != "" && countDigits(m) >= 7 {
		phone := strings.Join(strings.Fields(m), " ")
		contact.Phone = &phone
	}
	return contact
}

func cleanContactName(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, " :-–—|,;()<>[]")
	if s == "" || strings.Contains(s, "@") || len([]rune(s)) > 80 {
		return ""
	}
	if strings.IndexFunc(s, unicode.IsLetter) < 0 {
		return ""
	}
	return s
}

func looksLikeBoilerplate(s string, boilerplate []string) bool {
	lower := strings.ToLower(s)
	for _, b := range boilerplate {
		if b != "" && strings.Contains(lower, b) {
			return true
		}
	}
	return false
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

// FindAttachment はhrefがpatternに一致する最初のリンクを絶対URLで返す。
// 相対パスはページのオリジン（scheme://host/）を基準に解決する。
func FindAttachment(doc *goquery.Document, pageURL string, pattern *regexp.Regexp) *string {
	if doc == nil || pattern == nil {
		return nil
	}
	origin := originOf(pageURL)

	var found *string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || !pattern.MatchString(href) {
			return true
		}
		ref, err := url.Parse(href)
		if err != nil {
			return true
		}
		resolved := ref
		if origin != nil {
			resolved = origin.ResolveReference(ref)
		}
		if resolved.Scheme != "http" && resolved.Scheme != "https" {
			return true
		}
		abs := resolved.String()
		found = &abs
		return false
	})
	return found
}

func originOf(pageURL string) *url.URL {
	u, err := url.Parse(pageURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
}
