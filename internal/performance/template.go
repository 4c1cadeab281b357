package performance

import (
	"bytes"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"text/template"

	"github.com/google/uuid"
)

const alphanumerics = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// placeholderPattern matches the {{name}} variable form.
var placeholderPattern = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

var templateKeywords = map[string]bool{
	"block": true, "break": true, "continue": true, "define": true, "else": true,
	"end": true, "false": true, "if": true, "nil": true, "range": true,
	"template": true, "true": true, "with": true,
}

// TemplateEngine renders request bodies as text/template documents.
//
// A {{name}} placeholder that is neither a registered function nor a
// template keyword is a variable, not an action: it is emitted verbatim so
// variable substitution can fill it in after rendering.
//
// Parsed templates are cached by source text. The engine is safe for
// concurrent use by every VU of a scenario.
type TemplateEngine struct {
	cache   sync.Map // string -> *template.Template
	funcMap template.FuncMap
}

// NewTemplateEngine creates an engine with the built-in functions plus extra.
// Functions in extra override built-ins of the same name.
func NewTemplateEngine(extra template.FuncMap) *TemplateEngine {
	funcs := template.FuncMap{
		"randomString": RandomString,
		"randomInt":    randomInt,
		"uuid":         randomUUID,
		"randomUUID":   randomUUID,
	}
	for name, fn := range extra {
		funcs[name] = fn
	}
	return &TemplateEngine{funcMap: funcs}
}

// Render executes text with data. Text without template actions is returned
// unchanged.
func (e *TemplateEngine) Render(text string, data any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	t, err := e.parse(text)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Check reports whether text parses as a body template.
func (e *TemplateEngine) Check(text string) error {
	if !strings.Contains(text, "{{") {
		return nil
	}
	_, err := e.parse(text)
	return err
}

func (e *TemplateEngine) parse(text string) (*template.Template, error) {
	if cached, ok := e.cache.Load(text); ok {
		return cached.(*template.Template), nil
	}

	t, err := template.New("body").Funcs(e.funcMap).Option("missingkey=zero").Parse(e.quotePlaceholders(text))
	if err != nil {
		return nil, err
	}
	e.cache.Store(text, t)
	return t, nil
}

// quotePlaceholders rewrites variable placeholders as string constants.
func (e *TemplateEngine) quotePlaceholders(text string) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(m string) string {
		name := m[2 : len(m)-2]
		if _, ok := e.funcMap[name]; ok || templateKeywords[name] {
			return m
		}
		return `{{"` + m + `"}}`
	})
}

// RandomString returns n random ASCII letters and digits.
func RandomString(n int) string {
	return RandomStringFrom(rand.Intn, n)
}

// RandomStringFrom is RandomString drawing from intn, which must behave like
// rand.Intn.
func RandomStringFrom(intn func(int) int, n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = alphanumerics[intn(len(alphanumerics))]
	}
	return string(b)
}

// randomInt returns a value in [min, max).
func randomInt(min, max int) int {
	if max <= min {
		return min
	}
	return rand.Intn(max-min) + min
}

func randomUUID() string {
	return uuid.New().String()
}
