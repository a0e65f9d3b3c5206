package scrape

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"gopkg.in/yaml.v3"

	"github.com/hitoshi/licitaciones/internal/model"
	"github.com/hitoshi/licitaciones/internal/security"
)

// フィールドキー。labels.yaml の fields のキーと対応する。
const (
	FieldOrganization          = "organization"
	FieldSubUnit               = "sub_unit"
	FieldNoticeType            = "notice_type"
	FieldOpeningAt             = "opening_at"
	FieldOpeningLocation       = "opening_location"
	FieldDeliveryLocation      = "delivery_location"
	FieldDocumentPrice         = "document_price"
	FieldExtensionDeadline     = "extension_deadline"
	FieldClarificationDeadline = "clarification_deadline"
	FieldResolutionState       = "resolution_state"
	FieldResolutionNumber      = "resolution_number"
	FieldResolutionAt          = "resolution_at"
	FieldTotalAmount           = "total_amount"
	FieldRevolvingFunds        = "revolving_funds"
)

//go:embed labels.yaml
var defaultLabelsYAML []byte

// Labels はラベル位置特定に使う外部データ。
type Labels struct {
	MaxValueLength    int                 `yaml:"max_value_length"`
	ContactWindow     int                 `yaml:"contact_window"`
	Fields            map[string][]string `yaml:"fields"`
	StopLabels        []string            `yaml:"stop_labels"`
	ContactLabels     []string            `yaml:"contact_labels"`
	Artifacts         []string            `yaml:"artifacts"`
	Boilerplate       []string            `yaml:"boilerplate"`
	AttachmentPattern string              `yaml:"attachment_pattern"`
}

// ParseLabels はYAMLからラベル定義を読み込む。
func ParseLabels(data []byte) (Labels, error) {
	var l Labels
	if err := yaml.Unmarshal(data, &l); err != nil {
		return Labels{}, fmt.Errorf("ラベル定義のパースに失敗しました: %w", err)
	}
	return l, nil
}

// DefaultLabels は組み込みのラベル定義を返す。
func DefaultLabels() (Labels, error) {
	return ParseLabels(defaultLabelsYAML)
}

// LoadLabels はpathが空なら組み込み定義を、そうでなければファイルを読み込む。
func LoadLabels(path string) (Labels, error) {
	if path == "" {
		return DefaultLabels()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Labels{}, fmt.Errorf("ラベル定義の読み込みに失敗しました: %w", err)
	}
	return ParseLabels(data)
}

// fieldAssigners はフィールドキーごとの値の格納方法。
// 日時・金額・フラグは専用パーサーを通し、解釈できなければnilのまま残す。
var fieldAssigners = map[string]func(e *model.Enrichment, v string){
	FieldOrganization:          func(e *model.Enrichment, v string) { e.Organization = &v },
	FieldSubUnit:               func(e *model.Enrichment, v string) { e.SubUnit = &v },
	FieldNoticeType:            func(e *model.Enrichment, v string) { e.NoticeType = &v },
	FieldOpeningAt:             func(e *model.Enrichment, v string) { e.OpeningAt = ParseDate(v) },
	FieldOpeningLocation:       func(e *model.Enrichment, v string) { e.OpeningLocation = &v },
	FieldDeliveryLocation:      func(e *model.Enrichment, v string) { e.DeliveryLocation = &v },
	FieldDocumentPrice:         func(e *model.Enrichment, v string) { e.DocumentPrice = &v },
	FieldExtensionDeadline:     func(e *model.Enrichment, v string) { e.ExtensionDeadline = ParseDate(v) },
	FieldClarificationDeadline: func(e *model.Enrichment, v string) { e.ClarificationDeadline = ParseDate(v) },
	FieldResolutionState:       func(e *model.Enrichment, v string) { e.ResolutionState = &v },
	FieldResolutionNumber:      func(e *model.Enrichment, v string) { e.ResolutionNumber = &v },
	FieldResolutionAt:          func(e *model.Enrichment, v string) { e.ResolutionAt = ParseDate(v) },
	FieldTotalAmount:           func(e *model.Enrichment, v string) { e.TotalAmount = ParseAmount(v) },
	FieldRevolvingFunds:        func(e *model.Enrichment, v string) { e.RevolvingFunds = ParseFlag(v) },
}

// Extractor は解析済みの詳細ページから構造化フィールドを取り出す。
type Extractor interface {
	Extract(doc *goquery.Document, pageURL string) model.Enrichment
}

type fieldMatcher struct {
	key    string
	expr   *regexp.Regexp
	assign func(e *model.Enrichment, v string)
}

// LabelExtractor はページ全体を平文化し、ラベルの直後から
// 次の停止ラベルまたは最大文字数までを値として切り出す。
type LabelExtractor struct {
	fields      []fieldMatcher
	stopExpr    *regexp.Regexp
	contactExpr *regexp.Regexp
	attachExpr  *regexp.Regexp
	maxValueLen int
	contactWin  int
	artifacts   []string
	boilerplate []string
	sanitizer   *security.TextSanitizer
}

// NewLabelExtractor はラベル定義から正規表現を組み立てる。
// 未知のフィールドキーや不正なパターンはエラーにする。
func NewLabelExtractor(labels Labels, sanitizer *security.TextSanitizer) (*LabelExtractor, error) {
	if labels.MaxValueLength <= 0 {
		return nil, fmt.Errorf("max_value_length は1以上である必要があります: %d", labels.MaxValueLength)
	}
	if labels.ContactWindow <= 0 {
		return nil, fmt.Errorf("contact_window は1以上である必要があります: %d", labels.ContactWindow)
	}
	if sanitizer == nil {
		sanitizer = security.NewTextSanitizer()
	}

	keys := make([]string, 0, len(labels.Fields))
	for key := range labels.Fields {
		if _, ok := fieldAssigners[key]; !ok {
			return nil, fmt.Errorf("未知のフィールドキーです: %s", key)
		}
		keys = append(keys, key)
	}
	// マップの反復順に依存しないよう固定順で処理する
	sort.Strings(keys)

	var allLabels []string
	fields := make([]fieldMatcher, 0, len(keys))
	for _, key := range keys {
		expr := alternation(labels.Fields[key])
		if expr == nil {
			continue
		}
		fields = append(fields, fieldMatcher{key: key, expr: expr, assign: fieldAssigners[key]})
		allLabels = append(allLabels, labels.Fields[key]...)
	}
	allLabels = append(allLabels, labels.StopLabels...)
	allLabels = append(allLabels, labels.ContactLabels...)

	e := &LabelExtractor{
		fields:      fields,
		stopExpr:    alternation(allLabels),
		contactExpr: alternation(labels.ContactLabels),
		maxValueLen: labels.MaxValueLength,
		contactWin:  labels.ContactWindow,
		artifacts:   labels.Artifacts,
		sanitizer:   sanitizer,
	}
	for _, b := range labels.Boilerplate {
		if b = strings.ToLower(strings.TrimSpace(b)); b != "" {
			e.boilerplate = append(e.boilerplate, b)
		}
	}
	if labels.AttachmentPattern != "" {
		expr, err := regexp.Compile(labels.AttachmentPattern)
		if err != nil {
			return nil, fmt.Errorf("attachment_pattern が不正です: %w", err)
		}
		e.attachExpr = expr
	}
	return e, nil
}

// NewDefaultExtractor は組み込みのラベル定義でLabelExtractorを生成する。
func NewDefaultExtractor() (*LabelExtractor, error) {
	labels, err := DefaultLabels()
	if err != nil {
		return nil, err
	}
	return NewLabelExtractor(labels, nil)
}

// alternation はラベル群を大文字小文字を区別しない選択パターンにまとめる。
// 同じ位置で短いラベルが先に一致しないよう、長い順に並べる。
// 前後が文字・数字に接する出現（"Organismos" の中の "Organismo" など）は一致させない。
// ラベル本体はサブマッチ1に入る。
func alternation(labels []string) *regexp.Regexp {
	quoted := make([]string, 0, len(labels))
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" || seen[strings.ToLower(l)] {
			continue
		}
		seen[strings.ToLower(l)] = true
		quoted = append(quoted, l)
	}
	if len(quoted) == 0 {
		return nil
	}
	sort.SliceStable(quoted, func(i, j int) bool {
		return utf8.RuneCountInString(quoted[i]) > utf8.RuneCountInString(quoted[j])
	})
	for i, q := range quoted {
		quoted[i] = regexp.QuoteMeta(q)
	}
	return regexp.MustCompile(`(?i)(?:^|[^\pL\pN])(` + strings.Join(quoted, "|") + `)(?:[^\pL\pN]|$)`)
}

// labelSpans はラベル本体の出現位置を先頭から順に返す。
func labelSpans(expr *regexp.Regexp, text string) [][2]int {
	all := expr.FindAllStringSubmatchIndex(text, -1)
	spans := make([][2]int, 0, len(all))
	for _, m := range all {
		spans = append(spans, [2]int{m[2], m[3]})
	}
	return spans
}

// firstLabelStart は最初のラベル出現の開始位置を返す。無ければ-1。
func firstLabelStart(expr *regexp.Regexp, text string) int {
	m := expr.FindStringSubmatchIndex(text)
	if m == nil {
		return -1
	}
	return m[2]
}

// hasSeparator はラベル直後が ":" で区切られているかを返す。
func hasSeparator(text string, end int) bool {
	return strings.HasPrefix(strings.TrimLeft(text[end:], " \t"), ":")
}

// Extract はドキュメントからEnrichmentを組み立てる。
// ラベルが1つも見つからないページでは全フィールドがnilになる。
func (e *LabelExtractor) Extract(doc *goquery.Document, pageURL string) model.Enrichment {
	var out model.Enrichment
	if doc == nil {
		return out
	}

	lines := flattenText(doc)
	flat := strings.Join(strings.Fields(lines), " ")

	for _, f := range e.fields {
		if v := e.valueAfter(flat, f.expr); v != "" {
			f.assign(&out, v)
		}
	}

	if section := e.contactSection(lines); section != "" {
		c := ParseContact(section, e.boilerplate)
		out.ContactName, out.ContactEmail, out.ContactPhone = c.Name, c.Email, c.Phone
	}

	out.AttachmentURL = FindAttachment(doc, pageURL, e.attachExpr)
	return out
}

// valueAfter はラベルの出現を先頭から順に試し、最初に空でない値が得られたものを返す。
// ":" で区切られた出現を優先し、メニューや見出し中のラベル語より項目行を採る。
func (e *LabelExtractor) valueAfter(text string, label *regexp.Regexp) string {
	spans := labelSpans(label, text)
	for _, separated := range []bool{true, false} {
		for _, sp := range spans {
			if hasSeparator(text, sp[1]) != separated {
				continue
			}
			if v := e.sliceValue(text[sp[1]:]); v != "" {
				return v
			}
		}
	}
	return ""
}

// sliceValue はラベル直後のテキストから、次の停止ラベルまたは最大文字数までを値として返す。
func (e *LabelExtractor) sliceValue(rest string) string {
	rest = truncateRunes(rest, e.maxValueLen)
	if e.stopExpr != nil {
		if stop := firstLabelStart(e.stopExpr, rest); stop >= 0 {
			rest = rest[:stop]
		}
	}
	return e.clean(rest)
}

func (e *LabelExtractor) clean(v string) string {
	v = e.sanitizer.Sanitize(v)
	for _, a := range e.artifacts {
		if a != "" {
			v = strings.ReplaceAll(v, a, " ")
		}
	}
	v = strings.Join(strings.Fields(v), " ")
	return strings.TrimLeft(v, ":-–—| ")
}

// contactSection は連絡先ラベル以降の行テキストを返す。ラベルが無ければ空文字列。
func (e *LabelExtractor) contactSection(lines string) string {
	if e.contactExpr == nil {
		return ""
	}
	spans := labelSpans(e.contactExpr, lines)
	if len(spans) == 0 {
		return ""
	}
	// メールアドレスを含む最初のセクションを採る
	for _, sp := range spans {
		section := truncateRunes(lines[sp[1]:], e.contactWin)
		if emailExpr.MatchString(section) {
			return section
		}
	}
	return truncateRunes(lines[spans[0][1]:], e.contactWin)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// skippedElements は本文として扱わない要素。
const skippedElements = "head, script, style, noscript, iframe, svg, template"

// blockElements は前後で改行を入れる要素。
var blockElements = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true,
	"br": true, "dd": true, "div": true, "dl": true, "dt": true,
	"fieldset": true, "footer": true, "form": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"header": true, "hr": true, "li": true, "main": true, "nav": true,
	"ol": true, "p": true, "pre": true, "section": true, "table": true,
	"tbody": true, "thead": true, "tr": true, "ul": true,
}

// flattenText はドキュメントを行単位のテキストに変換する。
// ブロック要素の境界で改行し、表のセルは空白で区切る。空行は除く。
func flattenText(doc *goquery.Document) string {
	doc.Find(skippedElements).Remove()

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			switch {
			case blockElements[n.Data]:
				b.WriteByte('\n')
				defer b.WriteByte('\n')
			case n.Data == "td" || n.Data == "th":
				b.WriteByte(' ')
				defer b.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range doc.Nodes {
		walk(n)
	}

	raw := strings.Split(b.String(), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			lines = append(lines, l)
		}
	}
	return strings.Join(lines, "\n")
}
