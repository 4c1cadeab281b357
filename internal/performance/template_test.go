package performance_test

import (
	"regexp"
	"strconv"
	"testing"
	"text/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/surge/internal/performance"
)

func TestTemplateEngine_Render(t *testing.T) {
	engine := performance.NewTemplateEngine(template.FuncMap{
		"answer": func() int { return 42 },
	})

	out, err := engine.Render(`{"n":{{answer}},"who":"{{.name}}"}`, map[string]any{"name": "surge"})
	require.NoError(t, err)
	assert.Equal(t, `{"n":42,"who":"surge"}`, out)

	out, err = engine.Render("plain text", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", out)
}

func TestTemplateEngine_BuiltIns(t *testing.T) {
	engine := performance.NewTemplateEngine(nil)

	out, err := engine.Render(`{{randomString 8}}`, nil)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[A-Za-z0-9]{8}$`), out)

	out, err = engine.Render(`{{randomInt 20 60}}`, nil)
	require.NoError(t, err)
	n, err := strconv.Atoi(out)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 20)
	assert.Less(t, n, 60)

	out, err = engine.Render(`{{uuid}}`, nil)
	require.NoError(t, err)
	assert.Len(t, out, 36)
}

func TestTemplateEngine_ParseError(t *testing.T) {
	engine := performance.NewTemplateEngine(nil)

	_, err := engine.Render(`{{notAFunction 1}}`, nil)
	assert.Error(t, err)
	assert.Error(t, engine.Check(`{{if .x}}unterminated`))
	assert.NoError(t, engine.Check(`{"id":"{{userId}}","n":{{randomInt 1 5}}}`))
}

func TestTemplateEngine_VariablePlaceholdersPassThrough(t *testing.T) {
	engine := performance.NewTemplateEngine(template.FuncMap{
		"answer": func() int { return 42 },
	})

	out, err := engine.Render(`{"token":"{{token}}","n":{{answer}},"vu":"{{__VU}}"}`, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"token":"{{token}}","n":42,"vu":"{{__VU}}"}`, out)

	out, err = engine.Render(`{{if .on}}{{token}}{{else}}off{{end}}`, map[string]any{"on": true})
	require.NoError(t, err)
	assert.Equal(t, `{{token}}`, out)
}

func TestRandomStringFrom(t *testing.T) {
	zero := func(int) int { return 0 }
	assert.Equal(t, "aaaa", performance.RandomStringFrom(zero, 4))
	assert.Equal(t, "", performance.RandomStringFrom(zero, 0))
}
