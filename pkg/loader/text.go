package loader

import (
	"context"
)

// TextParser parses plain text documents. The source bytes are used
// verbatim after whitespace normalization; no layout hints exist.
type TextParser struct{}

// NewTextParser creates a parser for plain text documents.
func NewTextParser() *TextParser {
	return &TextParser{}
}

// Parse loads the document bytes and validates them as UTF-8 text.
func (p *TextParser) Parse(ctx context.Context, doc Document) (*ParsedDocument, error) {
	content, err := doc.GetBytes(ctx)
	if err != nil {
		return nil, err
	}

	text := TidyText(string(content))
	if err := ValidateParsed(doc.ID, text); err != nil {
		return nil, err
	}

	return &ParsedDocument{Text: text}, nil
}
