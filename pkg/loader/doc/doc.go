// Package doc parses Word documents (.docx) into plain text.
package doc

import (
	"context"
	"io"
	"sync"

	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/loader"

	"golang.org/x/sync/singleflight"
)

// Parser extracts text from Word documents. Parsed results are cached;
// concurrent parses of the same document collapse into one.
type Parser struct {
	cache   map[string]*loader.ParsedDocument
	cacheMu sync.RWMutex
	group   singleflight.Group
}

// NewParser creates a document parser that extracts text directly from
// the docx XML body.
func NewParser() *Parser {
	return &Parser{
		cache: make(map[string]*loader.ParsedDocument),
	}
}

// Parse loads the document bytes from its source and extracts the text
// content. Word documents carry no usable page layout, so the parsed
// result has no page spans.
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

		text, err := parseDocx(content)
		if err != nil {
			return nil, &common.InvalidDocumentError{
				DocumentID: doc.ID,
				Reason:     err.Error(),
			}
		}
		if err := loader.ValidateParsed(doc.ID, text); err != nil {
			return nil, err
		}

		parsed := &loader.ParsedDocument{Text: text}

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

// ParseReader extracts text content from a Word document provided as an
// io.Reader.
func ParseReader(input io.Reader) (string, error) {
	content, err := io.ReadAll(input)
	if err != nil {
		return "", err
	}

	return parseDocx(content)
}
