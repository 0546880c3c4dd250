package doc

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"
)

func buildDocx(t *testing.T, documentXML string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("create document.xml: %v", err)
	}
	if _, err := w.Write([]byte(documentXML)); err != nil {
		t.Fatalf("write document.xml: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func TestParseDocxParagraphs(t *testing.T) {
	docx := buildDocx(t, `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>First paragraph.</w:t></w:r></w:p>
    <w:p><w:r><w:t>Second paragraph.</w:t></w:r></w:p>
  </w:body>
</w:document>`)

	text, err := parseDocx(docx)
	if err != nil {
		t.Fatalf("parseDocx() error = %v", err)
	}
	if !strings.Contains(text, "First paragraph.\n") {
		t.Fatalf("parseDocx() missing first paragraph, got %q", text)
	}
	if !strings.Contains(text, "Second paragraph.") {
		t.Fatalf("parseDocx() missing second paragraph, got %q", text)
	}
}

func TestParseDocxSkipsTrackedDeletions(t *testing.T) {
	docx := buildDocx(t, `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p>
      <w:r><w:t>kept</w:t></w:r>
      <w:del><w:r><w:t>deleted</w:t></w:r></w:del>
    </w:p>
  </w:body>
</w:document>`)

	text, err := parseDocx(docx)
	if err != nil {
		t.Fatalf("parseDocx() error = %v", err)
	}
	if !strings.Contains(text, "kept") {
		t.Fatalf("parseDocx() missing kept text, got %q", text)
	}
	if strings.Contains(text, "deleted") {
		t.Fatalf("parseDocx() kept deleted text, got %q", text)
	}
}

func TestParseDocxTableCells(t *testing.T) {
	docx := buildDocx(t, `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:tbl>
      <w:tr>
        <w:tc><w:p><w:r><w:t>Name</w:t></w:r></w:p></w:tc>
        <w:tc><w:p><w:r><w:t>Value</w:t></w:r></w:p></w:tc>
      </w:tr>
    </w:tbl>
  </w:body>
</w:document>`)

	text, err := parseDocx(docx)
	if err != nil {
		t.Fatalf("parseDocx() error = %v", err)
	}
	if !strings.Contains(text, "Name\t") {
		t.Fatalf("parseDocx() missing tab-separated cells, got %q", text)
	}
}

func TestParseDocxErrors(t *testing.T) {
	if _, err := parseDocx([]byte("not a zip")); err == nil {
		t.Fatalf("parseDocx() expected error for non-zip input")
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if _, err := zw.Create("word/other.xml"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := parseDocx(buf.Bytes()); err == nil {
		t.Fatalf("parseDocx() expected error for missing document.xml")
	}
}
