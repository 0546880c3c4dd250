package pdf

import (
	"context"
	"errors"
	"testing"

	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/loader"
)

type staticSource struct {
	data []byte
	err  error
}

func (s *staticSource) GetDocumentBytes(ctx context.Context, doc loader.Document) ([]byte, error) {
	return s.data, s.err
}

func TestParseBytesRejectsNonPDF(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{name: "empty", input: nil},
		{name: "plain text", input: []byte("just some text")},
		{name: "zip header", input: []byte{'P', 'K', 0x03, 0x04}},
		{name: "truncated header", input: []byte("%PD")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseBytes(tc.input); err == nil {
				t.Fatalf("ParseBytes() expected error")
			}
		})
	}
}

func TestParseBytesRejectsCorruptPDF(t *testing.T) {
	// valid magic header, garbage body
	if _, err := ParseBytes([]byte("%PDF-1.7\ngarbage")); err == nil {
		t.Fatalf("ParseBytes() expected error for corrupt pdf")
	}
}

func TestParseWrapsInvalidDocument(t *testing.T) {
	p := NewParser()
	doc := loader.Document{
		ID:         "doc1",
		StorageKey: "broken.pdf",
		Kind:       loader.KindPDF,
		Source:     &staticSource{data: []byte("not a pdf")},
	}

	_, err := p.Parse(context.Background(), doc)
	var invalid *common.InvalidDocumentError
	if !errors.As(err, &invalid) {
		t.Fatalf("Parse() error = %v, want InvalidDocumentError", err)
	}
	if invalid.DocumentID != "doc1" {
		t.Fatalf("Parse() document id = %q, want doc1", invalid.DocumentID)
	}
}

func TestParsePropagatesSourceError(t *testing.T) {
	p := NewParser()
	srcErr := errors.New("bucket unavailable")
	doc := loader.Document{
		ID:         "doc2",
		StorageKey: "missing.pdf",
		Kind:       loader.KindPDF,
		Source:     &staticSource{err: srcErr},
	}

	_, err := p.Parse(context.Background(), doc)
	if !errors.Is(err, srcErr) {
		t.Fatalf("Parse() error = %v, want wrapped source error", err)
	}
}
