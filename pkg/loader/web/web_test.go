package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/magpie-ai/magpie/pkg/loader"
)

const articleHTML = `<!DOCTYPE html>
<html>
<head><title>Graph Databases</title></head>
<body>
<article>
<h1>Graph Databases</h1>
<p>Graph databases store entities as nodes and relationships as edges. They answer traversal questions efficiently.</p>
<p>Property graphs attach key-value pairs to both nodes and edges, which makes provenance tracking straightforward.</p>
</article>
</body>
</html>`

func TestParseExtractsArticleText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	p := NewParser()
	doc := loader.Document{ID: "web1", Name: srv.URL, StorageKey: srv.URL, Kind: loader.KindWeb}

	parsed, err := p.Parse(context.Background(), doc)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !strings.Contains(parsed.Text, "nodes and relationships as edges") {
		t.Fatalf("Parse() missing article body, got %q", parsed.Text)
	}
	if len(parsed.Pages) != 0 {
		t.Fatalf("Parse() pages = %d, want 0 for web content", len(parsed.Pages))
	}
}

func TestParsePlainTextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("plain body content"))
	}))
	defer srv.Close()

	p := NewParser()
	doc := loader.Document{ID: "web2", StorageKey: srv.URL, Kind: loader.KindWeb}

	parsed, err := p.Parse(context.Background(), doc)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !strings.Contains(parsed.Text, "plain body content") {
		t.Fatalf("Parse() got %q", parsed.Text)
	}
}

func TestParseRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewParser()
	doc := loader.Document{ID: "web3", StorageKey: srv.URL, Kind: loader.KindWeb}

	if _, err := p.Parse(context.Background(), doc); err == nil {
		t.Fatalf("Parse() expected error for 404 response")
	}
}

func TestParseCachesResult(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("cached content"))
	}))
	defer srv.Close()

	p := NewParser()
	doc := loader.Document{ID: "web4", StorageKey: srv.URL, Kind: loader.KindWeb}

	for i := 0; i < 2; i++ {
		if _, err := p.Parse(context.Background(), doc); err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
	}
	if hits != 1 {
		t.Fatalf("Parse() fetched %d times, want 1", hits)
	}
}
