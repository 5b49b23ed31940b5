package browser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanHTMLRemovesScriptingAndHidden(t *testing.T) {
	input := `<html><head>
		<script>alert("x")</script>
		<style>.a{color:red}</style>
		<link rel="stylesheet" href="a.css">
	</head><body>
		<div hidden>invisible</div>
		<p id="msg" onclick="doThing()">visible text</p>
	</body></html>`

	cleaned, err := CleanHTML(input)
	require.NoError(t, err)

	assert.NotContains(t, cleaned, "alert")
	assert.NotContains(t, cleaned, "color:red")
	assert.NotContains(t, cleaned, "invisible")
	assert.NotContains(t, cleaned, "onclick")
	assert.Contains(t, cleaned, "visible text")
	assert.Contains(t, cleaned, `id="msg"`)
}

func TestCleanHTMLTrimsNoisyAttributes(t *testing.T) {
	input := `<html><body>
		<div class="a b c d e f">classy</div>
		<img src="data:image/png;base64,` + strings.Repeat("A", 200) + `" alt="logo">
	</body></html>`

	cleaned, err := CleanHTML(input)
	require.NoError(t, err)

	assert.Contains(t, cleaned, `class="a b c"`)
	assert.Contains(t, cleaned, `src="data:..."`)
	assert.Contains(t, cleaned, `alt="logo"`)
}

func TestCleanHTMLKeepsTestingHooks(t *testing.T) {
	input := `<html><body><button data-testid="submit" aria-label="Submit form" data-tracking="xyz">Go</button></body></html>`

	cleaned, err := CleanHTML(input)
	require.NoError(t, err)

	assert.Contains(t, cleaned, `data-testid="submit"`)
	assert.Contains(t, cleaned, `aria-label="Submit form"`)
	assert.NotContains(t, cleaned, "data-tracking")
}

func TestExtractTextCollapsesWhitespace(t *testing.T) {
	input := "<html><body><h1>Title</h1>\n\n  <p>first   line</p>\n<script>junk()</script></body></html>"

	text, err := ExtractText(input, 0)
	require.NoError(t, err)
	assert.Equal(t, "Title first line", text)
}

func TestExtractTextCapsLength(t *testing.T) {
	input := "<html><body><p>" + strings.Repeat("word ", 100) + "</p></body></html>"

	text, err := ExtractText(input, 20)
	require.NoError(t, err)
	assert.Len(t, text, 20)
}
