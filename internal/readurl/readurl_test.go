// internal/readurl/readurl_test.go
package readurl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestQuoteConvertsHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body><h1>Release Notes</h1><p>Some <b>bold</b> text</p></body></html>"))
	}))
	defer srv.Close()

	f := New()
	md, err := f.Quote(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(md, "# Release Notes") {
		t.Errorf("expected heading conversion, got %q", md)
	}
	if !strings.Contains(md, "**bold**") {
		t.Errorf("expected bold conversion, got %q", md)
	}
}

func TestQuoteTruncatesLongPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body><p>" + strings.Repeat("a", 80000) + "</p></body></html>"))
	}))
	defer srv.Close()

	f := New()
	md, err := f.Quote(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if len(md) > maxQuoteChars+100 {
		t.Errorf("expected truncation near %d chars, got %d", maxQuoteChars, len(md))
	}
	if !strings.HasSuffix(md, "[Content truncated]") {
		t.Error("expected truncation marker")
	}
}

func TestQuoteHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := New()
	if _, err := f.Quote(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestQuoteEmptyURL(t *testing.T) {
	f := New()
	if _, err := f.Quote(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty url")
	}
}
