// Package web fetches URLs and extracts readable text content.
package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/loader"
	"github.com/magpie-ai/magpie/pkg/loader/pdf"

	"codeberg.org/readeck/go-readability/v2"
	"golang.org/x/sync/singleflight"
)

const maxFetchBytes = 32 << 20

// Parser loads content from web URLs and extracts readable text. HTML
// pages go through readability to isolate the main article content;
// responses that sniff as PDF fall back to the PDF parser.
type Parser struct {
	client *http.Client

	cache   map[string]*loader.ParsedDocument
	cacheMu sync.RWMutex
	group   singleflight.Group
}

// NewParser creates a new web parser using the default HTTP client.
func NewParser() *Parser {
	return NewParserWithClient(http.DefaultClient)
}

// NewParserWithClient creates a web parser with a custom HTTP client.
func NewParserWithClient(client *http.Client) *Parser {
	return &Parser{
		client: client,
		cache:  make(map[string]*loader.ParsedDocument),
	}
}

// Parse fetches the document's URL (its storage key) and extracts
// readable text. Page spans are not available for web content.
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

		parsed, err := p.fetch(ctx, doc)
		if err != nil {
			return nil, err
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

func (p *Parser) fetch(ctx context.Context, doc loader.Document) (*loader.ParsedDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, doc.StorageKey, nil)
	if err != nil {
		return nil, &common.InvalidDocumentError{
			DocumentID: doc.ID,
			Reason:     fmt.Sprintf("invalid url: %v", err),
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("failed to fetch url: status %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxFetchBytes)
	contentType := resp.Header.Get("Content-Type")

	if strings.Contains(contentType, "text/html") {
		pageURL, err := url.Parse(doc.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse url: %w", err)
		}
		article, err := readability.FromReader(body, pageURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse html: %w", err)
		}
		var builder strings.Builder
		if err := article.RenderText(&builder); err != nil {
			return nil, fmt.Errorf("failed to render article text: %w", err)
		}
		return &loader.ParsedDocument{Text: loader.TidyText(builder.String())}, nil
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}

	if loader.IsPDF(raw) {
		parsed, err := pdf.ParseBytes(raw)
		if err != nil {
			return nil, &common.InvalidDocumentError{
				DocumentID: doc.ID,
				Reason:     err.Error(),
			}
		}
		return parsed, nil
	}

	return &loader.ParsedDocument{Text: loader.TidyText(string(raw))}, nil
}
