// Package pdf parses PDF documents into plain text with page spans.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/loader"
	"github.com/magpie-ai/magpie/pkg/logger"

	pdfreader "github.com/ledongthuc/pdf"
	"golang.org/x/sync/singleflight"
)

// Parser extracts text from PDF documents. Parsed results are cached;
// concurrent parses of the same document collapse into one.
type Parser struct {
	cache   map[string]*loader.ParsedDocument
	cacheMu sync.RWMutex
	group   singleflight.Group
}

// NewParser creates a PDF parser that extracts text directly from PDF
// content.
func NewParser() *Parser {
	return &Parser{
		cache: make(map[string]*loader.ParsedDocument),
	}
}

// Parse loads the document bytes from its source and extracts text with
// per-page spans.
func (p *Parser) Parse(ctx context.Context, doc loader.Document) (*loader.ParsedDocument, error) {
	key := loader.CacheKey(doc)

	p.cacheMu.RLock()
	if cached, ok := p.cache[key]; ok {
		p.cacheMu.RUnlock()
		return cached, nil
	}
	p.cacheMu.RUnlock()

	result, err, _ := p.group.Do(key, func() (any, error) {
		p.cacheMu.RLock()
		if cached, ok := p.cache[key]; ok {
			p.cacheMu.RUnlock()
			return cached, nil
		}
		p.cacheMu.RUnlock()

		content, err := doc.GetBytes(ctx)
		if err != nil {
			return nil, err
		}

		parsed, err := ParseBytes(content)
		if err != nil {
			return nil, &common.InvalidDocumentError{
				DocumentID: doc.ID,
				Reason:     err.Error(),
			}
		}
		if err := loader.ValidateParsed(doc.ID, parsed.Text); err != nil {
			return nil, err
		}

		p.cacheMu.Lock()
		p.cache[key] = parsed
		p.cacheMu.Unlock()

		return parsed, nil
	})
	if err != nil {
		return nil, err
	}

	return result.(*loader.ParsedDocument), nil
}

// ParseBytes extracts plain text and page spans from raw PDF content.
// Pages that fail to decode are skipped with a warning; a document where
// every page fails is an error.
func ParseBytes(content []byte) (*loader.ParsedDocument, error) {
	if !loader.IsPDF(content) {
		return nil, fmt.Errorf("not a pdf: missing %%PDF header")
	}

	r, err := pdfreader.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("pdf reader: %w", err)
	}

	var sb strings.Builder
	pages := make([]loader.PageSpan, 0, r.NumPage())
	offset := 0

	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			logger.Warn("[Loader] Failed to extract pdf page", "page", i, "error", err)
			continue
		}

		text = loader.TidyText(text)
		if text == "" {
			continue
		}

		start := offset
		offset += utf8.RuneCountInString(text)
		sb.WriteString(text)
		pages = append(pages, loader.PageSpan{Number: i, Start: start, End: offset})
	}

	if sb.Len() == 0 {
		return nil, fmt.Errorf("no extractable text in %d pages", r.NumPage())
	}

	return &loader.ParsedDocument{
		Text:  sb.String(),
		Pages: pages,
	}, nil
}
