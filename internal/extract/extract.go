// Package extract turns uploaded document bytes into plain text.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"pdfchat/internal/model"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrCorruptInput      = errors.New("corrupt document input")
)

var pdfMagic = []byte("%PDF-")

// Text is the extracted content plus the rune offset where each
// non-empty source page starts.
type Text struct {
	Content string
	Pages   []model.PageSpan
}

// Extract detects the format of raw and returns its text.
func Extract(ctx context.Context, filename string, raw []byte) (Text, error) {
	if err := ctx.Err(); err != nil {
		return Text{}, err
	}
	if len(raw) == 0 {
		return Text{}, fmt.Errorf("%w: empty upload", ErrCorruptInput)
	}

	var (
		text Text
		err  error
	)
	switch {
	case bytes.HasPrefix(raw, pdfMagic):
		text, err = extractPDF(raw)
	case isPlainText(filename, raw):
		text = Text{Content: string(raw), Pages: []model.PageSpan{{Page: 1, Start: 0}}}
	default:
		return Text{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}
	if err != nil {
		return Text{}, err
	}
	if strings.TrimSpace(text.Content) == "" {
		return Text{}, fmt.Errorf("%w: no extractable text", ErrCorruptInput)
	}
	return text, nil
}

func isPlainText(filename string, raw []byte) bool {
	if !utf8.Valid(raw) || bytes.IndexByte(raw, 0) >= 0 {
		return false
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".md", ".markdown", "":
		return true
	}
	return false
}

func extractPDF(raw []byte) (text Text, err error) {
	conf := pdfmodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfmodel.ValidationRelaxed
	if err := api.Validate(bytes.NewReader(raw), conf); err != nil {
		return Text{}, fmt.Errorf("%w: %v", ErrCorruptInput, err)
	}

	// ledongthuc/pdf panics on some malformed content streams.
	defer func() {
		if r := recover(); r != nil {
			text, err = Text{}, fmt.Errorf("%w: %v", ErrCorruptInput, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return Text{}, fmt.Errorf("%w: %v", ErrCorruptInput, err)
	}

	var b strings.Builder
	offset := 0
	pages := make([]model.PageSpan, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		p := reader.Page(i)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return Text{}, fmt.Errorf("%w: page %d: %v", ErrCorruptInput, i, err)
		}
		content = strings.ToValidUTF8(content, "\uFFFD")
		if content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
			offset += 2
		}
		pages = append(pages, model.PageSpan{Page: i, Start: offset})
		b.WriteString(content)
		offset += utf8.RuneCountInString(content)
	}
	return Text{Content: b.String(), Pages: pages}, nil
}
