package classify

import (
	"os"
	"path/filepath"
	"testing"
)

func newDefaultClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := NewDefault()
	if err != nil {
		t.Fatalf("NewDefault() がエラーを返した: %v", err)
	}
	return c
}

func scoreOf(scores []Score, name string) int {
	for _, s := range scores {
		if s.Name == name {
			return s.Score
		}
	}
	return -1
}

func TestNewDefault_LoadsEmbeddedDictionary(t *testing.T) {
	c := newDefaultClassifier(t)

	want := []string{
		"Seguridad", "Informática", "Oficina", "Limpieza",
		"Salud", "Construcción", "Vehículos", "Alimentos", "Other",
	}
	got := c.Categories()
	if len(got) != len(want) {
		t.Fatalf("Categories() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Categories()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if c.Fallback() != DefaultFallback {
		t.Errorf("Fallback() = %q, want %q", c.Fallback(), DefaultFallback)
	}
}

// 「Compra de hipoclorito」「Limpieza de oficinas」はLimpieza（4点）がOficina（1点）を上回る
func TestClassify_HypochloriteCleaningNotice(t *testing.T) {
	c := newDefaultClassifier(t)

	scores := c.Scores("Compra de hipoclorito", "Limpieza de oficinas")
	if got := scoreOf(scores, "Limpieza"); got != 4 {
		t.Errorf("Limpieza score = %d, want 4", got)
	}
	if got := scoreOf(scores, "Oficina"); got != 1 {
		t.Errorf("Oficina score = %d, want 1", got)
	}

	if got := c.Classify("Compra de hipoclorito", "Limpieza de oficinas"); got != "Limpieza" {
		t.Errorf("Classify() = %q, want %q", got, "Limpieza")
	}
}

func TestClassify_NoKeywordsReturnsFallback(t *testing.T) {
	c := newDefaultClassifier(t)

	if got := c.Classify("Llamado a expresiones de interés", ""); got != "Other" {
		t.Errorf("Classify() = %q, want %q", got, "Other")
	}
	if got := c.Classify(); got != "Other" {
		t.Errorf("Classify() with no fields = %q, want %q", got, "Other")
	}
}

// 同一キーワードの複数出現は1回として数える
func TestScores_CountsDistinctKeywordsOnce(t *testing.T) {
	c := newDefaultClassifier(t)

	scores := c.Scores("limpieza limpieza limpieza", "LIMPIEZA")
	if got := scoreOf(scores, "Limpieza"); got != 2 {
		t.Errorf("Limpieza score = %d, want 2", got)
	}
}

// 同点の場合は先に宣言されたカテゴリが常に選ばれる
func TestClassify_TieBreaksOnDeclarationOrder(t *testing.T) {
	c := newDefaultClassifier(t)

	// Seguridad（alarma=2）とInformática（impresora=2）が同点
	for i := 0; i < 50; i++ {
		if got := c.Classify("alarma e impresora"); got != "Seguridad" {
			t.Fatalf("Classify() = %q, want %q (iteration %d)", got, "Seguridad", i)
		}
	}

	// 宣言順を入れ替えると結果も入れ替わる
	reversed, err := New(Dictionary{Categories: []Category{
		{Name: "B", Keywords: []string{"impresora"}, Weight: 2},
		{Name: "A", Keywords: []string{"alarma"}, Weight: 2},
	}})
	if err != nil {
		t.Fatalf("New() がエラーを返した: %v", err)
	}
	if got := reversed.Classify("alarma e impresora"); got != "B" {
		t.Errorf("Classify() = %q, want %q", got, "B")
	}
}

func TestClassify_OnlyOwnKeywordsNeverYieldOtherCategory(t *testing.T) {
	c := newDefaultClassifier(t)

	tests := []struct {
		text string
		want string
	}{
		{"cemento y pintura", "Construcción"},
		{"jeringa y suero", "Salud"},
		{"camioneta nueva", "Vehículos"},
		{"carne y verdura", "Alimentos"},
		{"resma", "Oficina"},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			first := c.Classify(tt.text)
			if first != tt.want {
				t.Errorf("Classify(%q) = %q, want %q", tt.text, first, tt.want)
			}
			// 同一入力は常に同一結果
			if second := c.Classify(tt.text); second != first {
				t.Errorf("Classify(%q) is not deterministic: %q then %q", tt.text, first, second)
			}
		})
	}
}

func TestClassify_ResultIsAlwaysKnownCategory(t *testing.T) {
	c := newDefaultClassifier(t)

	inputs := []string{"", "obra", "xyz", "Servidor y router para hospital", "vigilancia"}
	for _, in := range inputs {
		got := c.Classify(in)
		if got == "" || !c.IsKnown(got) {
			t.Errorf("Classify(%q) = %q, want a known category", in, got)
		}
	}
}

func TestNew_ValidatesDictionary(t *testing.T) {
	tests := []struct {
		name string
		dict Dictionary
	}{
		{"empty", Dictionary{}},
		{"blank name", Dictionary{Categories: []Category{{Name: " ", Weight: 1}}}},
		{"duplicate", Dictionary{Categories: []Category{{Name: "A", Weight: 1}, {Name: "A", Weight: 1}}}},
		{"zero weight", Dictionary{Categories: []Category{{Name: "A", Weight: 0}}}},
		{"fallback clash", Dictionary{Fallback: "A", Categories: []Category{{Name: "A", Weight: 1}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.dict); err == nil {
				t.Error("New() はエラーを返すべき")
			}
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cats.yaml")
	content := `fallback: Otros
categories:
  - name: Papelería
    weight: 3
    keywords: [Resma, resma, lápiz]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() がエラーを返した: %v", err)
	}
	if c.Fallback() != "Otros" {
		t.Errorf("Fallback() = %q, want %q", c.Fallback(), "Otros")
	}
	// 大文字小文字違いの重複キーワードは1つにまとめられる
	if got := scoreOf(c.Scores("RESMA"), "Papelería"); got != 3 {
		t.Errorf("Papelería score = %d, want 3", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() は存在しないファイルでエラーを返すべき")
	}
}
