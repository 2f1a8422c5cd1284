package storage

import (
	"os"
	"strings"
	"testing"
)

func TestSaveSourceAndLookup(t *testing.T) {
	ws, err := NewWorkspaces(t.TempDir())
	if err != nil {
		t.Fatalf("NewWorkspaces: %v", err)
	}

	path, n, err := ws.SaveSource("job-1", "report.pdf", strings.NewReader("%PDF-1.4 data"), 0)
	if err != nil {
		t.Fatalf("SaveSource: %v", err)
	}
	if n != int64(len("%PDF-1.4 data")) {
		t.Fatalf("unexpected size: %d", n)
	}

	found, err := ws.SourcePath("job-1")
	if err != nil {
		t.Fatalf("SourcePath: %v", err)
	}
	if found != path {
		t.Fatalf("SourcePath = %s, want %s", found, path)
	}
}

func TestSaveSourceLimit(t *testing.T) {
	ws, err := NewWorkspaces(t.TempDir())
	if err != nil {
		t.Fatalf("NewWorkspaces: %v", err)
	}

	if _, _, err := ws.SaveSource("job-1", "big.pdf", strings.NewReader("0123456789"), 5); err == nil {
		t.Fatal("expected size limit error")
	}

	// 上限超過時はファイルを残さない
	if _, err := ws.SourcePath("job-1"); err == nil {
		t.Fatal("oversized source should have been removed")
	}
}

func TestRemoveCleansJobDir(t *testing.T) {
	ws, err := NewWorkspaces(t.TempDir())
	if err != nil {
		t.Fatalf("NewWorkspaces: %v", err)
	}

	if _, _, err := ws.SaveSource("job-1", "doc.pdf", strings.NewReader("x"), 0); err != nil {
		t.Fatalf("SaveSource: %v", err)
	}
	if err := ws.Remove("job-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(ws.JobDir("job-1")); !os.IsNotExist(err) {
		t.Fatalf("job dir should be gone, stat err=%v", err)
	}
}
