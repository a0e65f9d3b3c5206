// Package classify は公告テキストのカテゴリ（rubro）分類を提供する。
// 重み付きキーワード辞書によるスコアリングのみを行い、I/Oを伴わない。
package classify

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFallback は全カテゴリのスコアが0の場合に返すカテゴリ。
const DefaultFallback = "Other"

//go:embed categories.yaml
var defaultCategoriesYAML []byte

// Category は分類カテゴリ1件の定義。
type Category struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Weight   int      `yaml:"weight"`
}

// Dictionary はカテゴリの順序付きリストとフォールバック名。
// Categoriesの並び順がそのまま同点時の優先順位になる。
type Dictionary struct {
	Fallback   string     `yaml:"fallback"`
	Categories []Category `yaml:"categories"`
}

// Classifier はカテゴリ辞書を保持する分類器。
// 生成後は不変であり、複数goroutineから同時に利用できる。
type Classifier struct {
	categories []Category
	fallback   string
}

// New は辞書から分類器を生成する。
// キーワードは小文字化し、カテゴリ内の重複キーワードは1つにまとめる。
func New(dict Dictionary) (*Classifier, error) {
	if len(dict.Categories) == 0 {
		return nil, fmt.Errorf("カテゴリが1件も定義されていません")
	}

	fallback := strings.TrimSpace(dict.Fallback)
	if fallback == "" {
		fallback = DefaultFallback
	}

	seenNames := make(map[string]bool, len(dict.Categories))
	categories := make([]Category, 0, len(dict.Categories))
	for i, c := range dict.Categories {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, fmt.Errorf("カテゴリ名が空です (index=%d)", i)
		}
		if name == fallback {
			return nil, fmt.Errorf("カテゴリ名がフォールバックと重複しています: %s", name)
		}
		if seenNames[name] {
			return nil, fmt.Errorf("カテゴリ名が重複しています: %s", name)
		}
		seenNames[name] = true

		if c.Weight <= 0 {
			return nil, fmt.Errorf("カテゴリ %s の重みは1以上である必要があります: %d", name, c.Weight)
		}

		keywords := make([]string, 0, len(c.Keywords))
		seenKw := make(map[string]bool, len(c.Keywords))
		for _, kw := range c.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" || seenKw[kw] {
				continue
			}
			seenKw[kw] = true
			keywords = append(keywords, kw)
		}

		categories = append(categories, Category{Name: name, Keywords: keywords, Weight: c.Weight})
	}

	return &Classifier{categories: categories, fallback: fallback}, nil
}

// ParseDictionary はYAMLバイト列から辞書を読み込む。
func ParseDictionary(data []byte) (Dictionary, error) {
	var dict Dictionary
	if err := yaml.Unmarshal(data, &dict); err != nil {
		return Dictionary{}, fmt.Errorf("カテゴリ辞書のパースに失敗しました: %w", err)
	}
	return dict, nil
}

// NewDefault は組み込みのカテゴリ辞書で分類器を生成する。
func NewDefault() (*Classifier, error) {
	dict, err := ParseDictionary(defaultCategoriesYAML)
	if err != nil {
		return nil, err
	}
	return New(dict)
}

// Load はpathが指定されていればそのファイルから、空の場合は組み込み辞書から分類器を生成する。
func Load(path string) (*Classifier, error) {
	if path == "" {
		return NewDefault()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("カテゴリ辞書の読み込みに失敗しました: %w", err)
	}
	dict, err := ParseDictionary(data)
	if err != nil {
		return nil, err
	}
	return New(dict)
}

// Score はカテゴリ名とスコアの組。
type Score struct {
	Name  string
	Score int
}

// Scores は各カテゴリのスコアを宣言順で返す。
// スコアは含まれる異なるキーワードの数 × 重み（出現回数は数えない）。
func (c *Classifier) Scores(fields ...string) []Score {
	text := strings.ToLower(strings.Join(fields, " "))

	scores := make([]Score, len(c.categories))
	for i, cat := range c.categories {
		total := 0
		for _, kw := range cat.Keywords {
			if strings.Contains(text, kw) {
				total += cat.Weight
			}
		}
		scores[i] = Score{Name: cat.Name, Score: total}
	}
	return scores
}

// Classify は与えられたテキスト群を連結して最もスコアの高いカテゴリを返す。
// 同点の場合は先に宣言されたカテゴリを優先し、全て0の場合はフォールバックを返す。
func (c *Classifier) Classify(fields ...string) string {
	best := c.fallback
	bestScore := 0
	for _, s := range c.Scores(fields...) {
		// 厳密に上回った場合のみ更新するため、同点は先勝ちになる
		if s.Score > bestScore {
			best = s.Name
			bestScore = s.Score
		}
	}
	return best
}

// Categories はフォールバックを含む全カテゴリ名を宣言順で返す。
func (c *Classifier) Categories() []string {
	names := make([]string, 0, len(c.categories)+1)
	for _, cat := range c.categories {
		names = append(names, cat.Name)
	}
	return append(names, c.fallback)
}

// Fallback はフォールバックカテゴリ名を返す。
func (c *Classifier) Fallback() string {
	return c.fallback
}

// IsKnown はnameが固定カテゴリまたはフォールバックに含まれるかを返す。
func (c *Classifier) IsKnown(name string) bool {
	if name == c.fallback {
		return true
	}
	for _, cat := range c.categories {
		if cat.Name == name {
			return true
		}
	}
	return false
}
