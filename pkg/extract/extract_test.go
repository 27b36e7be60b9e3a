package extract_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/kbase/internal/types"
	"github.com/xhad/kbase/pkg/extract"
)

func TestExtract_PlainText(t *testing.T) {
	e := extract.New()

	text, err := e.Extract([]byte("hello knowledge base\n"), "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello knowledge base", text)
}

func TestExtract_HTML(t *testing.T) {
	e := extract.New()

	raw := []byte(`<html><head><style>body{}</style><script>var x=1;</script></head>
		<body><h1>Title</h1><p>First  paragraph.</p><p>Second.</p></body></html>`)

	text, err := e.Extract(raw, "page.html")
	require.NoError(t, err)
	assert.Equal(t, "Title First paragraph. Second.", text)
}

func TestExtract_Markdown(t *testing.T) {
	e := extract.New()

	raw := []byte("# Heading\n\nSome *emphasized* text with a [link](https://example.com).\n")

	text, err := e.Extract(raw, "README.md")
	require.NoError(t, err)
	assert.Contains(t, text, "Heading")
	assert.Contains(t, text, "Some emphasized text with a link.")
	assert.NotContains(t, text, "https://example.com")
	assert.NotContains(t, text, "*")
}

func TestExtract_UnsupportedExtension(t *testing.T) {
	e := extract.New()

	_, err := e.Extract([]byte("binary"), "archive.zip")
	var parseErr *types.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "archive.zip", parseErr.Source)
}

func TestExtract_EmptyInput(t *testing.T) {
	e := extract.New()

	_, err := e.Extract(nil, "empty.txt")
	var parseErr *types.ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestExtract_WhitespaceOnly(t *testing.T) {
	e := extract.New()

	_, err := e.Extract([]byte("   \n\t  "), "blank.txt")
	var parseErr *types.ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestExtract_InvalidUTF8(t *testing.T) {
	e := extract.New()

	_, err := e.Extract([]byte{0xff, 0xfe, 0x00}, "garbage.txt")
	var parseErr *types.ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestExtract_CorruptPDF(t *testing.T) {
	e := extract.New()

	_, err := e.Extract([]byte("not a pdf at all"), "broken.pdf")
	var parseErr *types.ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestSupportedExtensions(t *testing.T) {
	assert.Contains(t, extract.SupportedExtensions(), ".pdf")
	assert.Contains(t, extract.SupportedExtensions(), ".txt")
	assert.Contains(t, extract.SupportedExtensions(), ".md")
}
