package loader

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/magpie-ai/magpie/pkg/common"
)

// CacheKey generates a unique cache key for a Document based on its ID
// and storage key.
func CacheKey(doc Document) string {
	return doc.ID + ":" + doc.StorageKey
}

// IsPDF reports whether the bytes start with the PDF magic header.
func IsPDF(b []byte) bool {
	return len(b) >= 5 && string(b[:5]) == "%PDF-"
}

// IsZip reports whether the bytes start with the zip magic header.
// DOCX files are zip containers.
func IsZip(b []byte) bool {
	return len(b) >= 4 && b[0] == 'P' && b[1] == 'K' && b[2] == 0x03 && b[3] == 0x04
}

var excessiveNewlines = regexp.MustCompile(`\n{3,}`)

// TidyText trims surrounding whitespace, collapses runs of three or more
// newlines, and ensures a trailing newline on non-empty text.
func TidyText(text string) string {
	text = strings.TrimSpace(text)
	text = excessiveNewlines.ReplaceAllString(text, "\n\n")
	if text != "" && !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return text
}

// ValidateParsed checks that a parse produced usable UTF-8 text.
// Empty or undecodable output means the document cannot enter the
// pipeline.
func ValidateParsed(docID string, text string) error {
	if strings.TrimSpace(text) == "" {
		return &common.InvalidDocumentError{
			DocumentID: docID,
			Reason:     "no extractable text",
		}
	}
	if !utf8.ValidString(text) {
		return &common.InvalidDocumentError{
			DocumentID: docID,
			Reason:     "extracted text is not valid UTF-8",
		}
	}
	return nil
}
