// Package loader resolves raw document bytes from a storage backend and
// parses them into plain text with layout hints for the chunker.
package loader

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/magpie-ai/magpie/pkg/common"
)

// Kind identifies the parse path for a document.
type Kind string

const (
	KindPDF  Kind = "pdf"
	KindDocx Kind = "docx"
	KindWeb  Kind = "web"
	KindText Kind = "text"
)

// Document describes one ingestable document: where its raw bytes live
// and how they should be parsed. The actual content is retrieved via the
// associated Source.
type Document struct {
	ID         string
	Name       string
	StorageKey string
	Kind       Kind
	Source     Source
}

// NewDocumentParams defines the input parameters for creating a new
// Document value. It is used by the constructor functions to initialize
// documents with consistent metadata and source configuration.
type NewDocumentParams struct {
	ID         string
	Name       string
	StorageKey string
	Source     Source
}

// NewPDFDocument creates a Document of KindPDF using the provided
// parameters.
func NewPDFDocument(params NewDocumentParams) Document {
	return Document{
		ID:         params.ID,
		Name:       params.Name,
		StorageKey: params.StorageKey,
		Kind:       KindPDF,
		Source:     params.Source,
	}
}

// NewDocxDocument creates a Document of KindDocx using the provided
// parameters.
func NewDocxDocument(params NewDocumentParams) Document {
	return Document{
		ID:         params.ID,
		Name:       params.Name,
		StorageKey: params.StorageKey,
		Kind:       KindDocx,
		Source:     params.Source,
	}
}

// NewWebDocument creates a Document of KindWeb. The storage key is the
// URL; the web parser fetches it directly, so no Source is required.
func NewWebDocument(params NewDocumentParams) Document {
	return Document{
		ID:         params.ID,
		Name:       params.Name,
		StorageKey: params.StorageKey,
		Kind:       KindWeb,
		Source:     params.Source,
	}
}

// NewTextDocument creates a Document of KindText using the provided
// parameters.
func NewTextDocument(params NewDocumentParams) Document {
	return Document{
		ID:         params.ID,
		Name:       params.Name,
		StorageKey: params.StorageKey,
		Kind:       KindText,
		Source:     params.Source,
	}
}

// KindForName infers the parse kind from a filename or URL.
func KindForName(name string) Kind {
	if strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://") {
		return KindWeb
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return KindPDF
	case ".docx", ".doc":
		return KindDocx
	default:
		return KindText
	}
}

// GetBytes retrieves the raw content of the document from its Source.
//
// Example:
//
//	raw, err := doc.GetBytes(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println(len(raw))
func (d *Document) GetBytes(ctx context.Context) ([]byte, error) {
	if d.Source == nil {
		return nil, &common.InvalidDocumentError{
			DocumentID: d.ID,
			Reason:     "document has no source",
		}
	}
	return d.Source.GetDocumentBytes(ctx, *d)
}

// PageSpan marks the rune-offset range of one source page inside the
// parsed text. Parsers without page information return no spans.
type PageSpan struct {
	Number int
	Start  int
	End    int
}

// ParsedDocument is the plain-text form of a document plus layout hints
// used by the chunker.
type ParsedDocument struct {
	Text  string
	Pages []PageSpan
}

// Source defines the interface for loading the raw contents of a
// Document. Implementations may load from disk, object storage, or other
// backends.
type Source interface {
	GetDocumentBytes(ctx context.Context, doc Document) ([]byte, error)
}

// Parser turns a document's raw bytes into parsed text.
type Parser interface {
	Parse(ctx context.Context, doc Document) (*ParsedDocument, error)
}

// ParserSet routes a document to the parser registered for its kind.
type ParserSet struct {
	PDF  Parser
	Docx Parser
	Web  Parser
	Text Parser
}

// Parse dispatches to the parser for the document's kind.
func (s *ParserSet) Parse(ctx context.Context, doc Document) (*ParsedDocument, error) {
	var p Parser
	switch doc.Kind {
	case KindPDF:
		p = s.PDF
	case KindDocx:
		p = s.Docx
	case KindWeb:
		p = s.Web
	case KindText:
		p = s.Text
	}
	if p == nil {
		return nil, &common.InvalidDocumentError{
			DocumentID: doc.ID,
			Reason:     "no parser for kind " + string(doc.Kind),
		}
	}
	return p.Parse(ctx, doc)
}
