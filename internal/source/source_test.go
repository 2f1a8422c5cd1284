package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/yourusername/doc-forge/internal/storage"
)

func newFetcher(t *testing.T, maxSize int64) *Fetcher {
	t.Helper()
	ws, err := storage.NewWorkspaces(t.TempDir())
	if err != nil {
		t.Fatalf("NewWorkspaces failed: %v", err)
	}
	return NewFetcher(ws, maxSize, zerolog.Nop())
}

func TestSaveUpload(t *testing.T) {
	f := newFetcher(t, 1<<20)

	saved, err := f.SaveUpload("job-1", "../../etc/report.pdf", strings.NewReader("%PDF-1.7"))
	if err != nil {
		t.Fatalf("SaveUpload failed: %v", err)
	}
	if saved.Filename != "report.pdf" {
		t.Errorf("filename = %q, want sanitized report.pdf", saved.Filename)
	}
	if saved.Size != 8 {
		t.Errorf("size = %d, want 8", saved.Size)
	}
}

func TestSaveUploadRejectsEmptyName(t *testing.T) {
	f := newFetcher(t, 1<<20)
	if _, err := f.SaveUpload("job-1", "..", strings.NewReader("x")); err == nil {
		t.Fatal("expected error for path-only filename")
	}
}

func TestFetchURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="paper.pdf"`)
		w.Write([]byte("%PDF-1.7 body"))
	}))
	defer server.Close()

	f := newFetcher(t, 1<<20)
	saved, err := f.FetchURL(context.Background(), "job-1", server.URL+"/files/123")
	if err != nil {
		t.Fatalf("FetchURL failed: %v", err)
	}
	if saved.Filename != "paper.pdf" {
		t.Errorf("filename = %q, want paper.pdf from Content-Disposition", saved.Filename)
	}
}

func TestFetchURLFilenameFromPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("%PDF-1.7"))
	}))
	defer server.Close()

	f := newFetcher(t, 1<<20)
	saved, err := f.FetchURL(context.Background(), "job-1", server.URL+"/docs/manual.docx")
	if err != nil {
		t.Fatalf("FetchURL failed: %v", err)
	}
	if saved.Filename != "manual.docx" {
		t.Errorf("filename = %q, want manual.docx from URL path", saved.Filename)
	}
}

func TestFetchURLRejectsOversize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer server.Close()

	f := newFetcher(t, 16)
	if _, err := f.FetchURL(context.Background(), "job-1", server.URL+"/big.pdf"); err == nil {
		t.Fatal("expected error when download exceeds the size limit")
	}
}

func TestFetchURLRejectsBadScheme(t *testing.T) {
	f := newFetcher(t, 1<<20)
	if _, err := f.FetchURL(context.Background(), "job-1", "ftp://example.com/x.pdf"); err == nil {
		t.Fatal("expected error for non-http scheme")
	}
	if _, err := f.FetchURL(context.Background(), "job-1", "file:///etc/passwd"); err == nil {
		t.Fatal("expected error for file scheme")
	}
}

func TestFetchURLPropagatesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := newFetcher(t, 1<<20)
	if _, err := f.FetchURL(context.Background(), "job-1", server.URL+"/missing.pdf"); err == nil {
		t.Fatal("expected error on 404")
	}
}
