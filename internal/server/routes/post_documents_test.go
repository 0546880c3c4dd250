package routes

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/magpie-ai/magpie/internal/server/middleware"
	"github.com/magpie-ai/magpie/pkg/common"
	"github.com/magpie-ai/magpie/pkg/store/memory"
)

type createDocumentsTestResponse struct {
	Message   string `json:"message"`
	Documents []struct {
		Document  *common.Document `json:"document"`
		Duplicate bool             `json:"duplicate"`
	} `json:"documents"`
}

func multipartURLRequest(t *testing.T, urls ...string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, u := range urls {
		if err := w.WriteField("url", u); err != nil {
			t.Fatalf("WriteField returned error: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/documents", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func TestCreateDocumentsFromURL(t *testing.T) {
	st := memory.NewMemoryStorage()
	app := &middleware.App{Store: st}

	c, rec := newTestContext(app, multipartURLRequest(t, "https://example.com/page"))
	if err := CreateDocumentsHandler(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp createDocumentsTestResponse
	decodeBody(t, rec, &resp)
	if len(resp.Documents) != 1 {
		t.Fatalf("expected 1 document, got %+v", resp.Documents)
	}
	doc := resp.Documents[0].Document
	if doc == nil || doc.ID == "" {
		t.Fatalf("unexpected document %+v", doc)
	}
	if doc.Name != "https://example.com/page" || doc.State != common.StatePending {
		t.Errorf("unexpected document %+v", doc)
	}
	if doc.ContentHash == "" {
		t.Error("expected a content hash for the registered url")
	}
	if resp.Documents[0].Duplicate {
		t.Error("first registration must not be a duplicate")
	}

	// Registering the same url again returns the existing document.
	c, rec = newTestContext(app, multipartURLRequest(t, "https://example.com/page"))
	if err := CreateDocumentsHandler(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	var again createDocumentsTestResponse
	decodeBody(t, rec, &again)
	if len(again.Documents) != 1 || !again.Documents[0].Duplicate {
		t.Fatalf("expected a duplicate result, got %+v", again.Documents)
	}
	if again.Documents[0].Document.ID != doc.ID {
		t.Errorf("duplicate resolved to %s, want %s", again.Documents[0].Document.ID, doc.ID)
	}
}

func TestCreateDocumentsInvalidURL(t *testing.T) {
	st := memory.NewMemoryStorage()

	c, rec := newTestContext(&middleware.App{Store: st}, multipartURLRequest(t, "not-a-url"))
	if err := CreateDocumentsHandler(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var resp createDocumentsTestResponse
	decodeBody(t, rec, &resp)
	if resp.Message != "Invalid URL" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestCreateDocumentsEmptyForm(t *testing.T) {
	st := memory.NewMemoryStorage()

	c, rec := newTestContext(&middleware.App{Store: st}, multipartURLRequest(t))
	if err := CreateDocumentsHandler(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var resp createDocumentsTestResponse
	decodeBody(t, rec, &resp)
	if resp.Message != "No files provided" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestCreateDocumentsUploadWithoutObjectStore(t *testing.T) {
	st := memory.NewMemoryStorage()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("files", "report.pdf")
	if err != nil {
		t.Fatalf("CreateFormFile returned error: %v", err)
	}
	if _, err := fw.Write([]byte("%PDF-1.4 test")); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/documents", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())

	c, rec := newTestContext(&middleware.App{Store: st}, req)
	if err := CreateDocumentsHandler(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
