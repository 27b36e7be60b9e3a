package extract

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
	"github.com/xhad/kbase/internal/types"
	"github.com/yuin/goldmark"
)

// Extractor turns raw document bytes into plain text, dispatching on the
// file extension. Supported: .pdf, .html/.htm, .md/.markdown, .txt.
type Extractor struct{}

func New() *Extractor {
	return &Extractor{}
}

// SupportedExtensions lists the formats Extract can handle, in the form
// the upload layer validates against.
func SupportedExtensions() []string {
	return []string{".pdf", ".html", ".htm", ".md", ".markdown", ".txt"}
}

// Extract returns the plain text of raw. All failures, including unsupported
// extensions and byte streams that decode to nothing, surface as *ParseError.
func (e *Extractor) Extract(raw []byte, name string) (string, error) {
	if len(raw) == 0 {
		return "", &types.ParseError{Source: name, Err: errors.New("empty input")}
	}

	var (
		text string
		err  error
	)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		text, err = extractPDF(raw)
	case ".html", ".htm":
		text, err = extractHTML(raw)
	case ".md", ".markdown":
		text, err = extractMarkdown(raw)
	case ".txt", "":
		text, err = extractPlain(raw)
	default:
		err = errors.New("unsupported file type " + filepath.Ext(name))
	}
	if err != nil {
		return "", &types.ParseError{Source: name, Err: err}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", &types.ParseError{Source: name, Err: errors.New("no text content")}
	}
	return text, nil
}

func extractPDF(raw []byte) (string, error) {
	rdr, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", err
	}

	plain, err := rdr.GetPlainText()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func extractHTML(raw []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript").Remove()
	return collapseWhitespace(doc.Text()), nil
}

// extractMarkdown renders to HTML first so formatting markers and link
// targets do not leak into the indexed text.
func extractMarkdown(raw []byte) (string, error) {
	var html bytes.Buffer
	if err := goldmark.Convert(raw, &html); err != nil {
		return "", err
	}
	return extractHTML(html.Bytes())
}

func extractPlain(raw []byte) (string, error) {
	if !utf8.Valid(raw) {
		return "", errors.New("invalid utf-8 text")
	}
	return string(raw), nil
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
