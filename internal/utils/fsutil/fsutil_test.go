package fsutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"lxmf_group/internal/utils/fsutil"
)

func TestWriteFileReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "data.cfg")

	if b, err := fsutil.ReadFile(path); err != nil || b != nil {
		t.Fatalf("missing file must read as nil, got %q %v", b, err)
	}
	if err := fsutil.WriteFile(path, []byte("one"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := fsutil.WriteFile(path, []byte("two"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	b, err := fsutil.ReadFile(path)
	if err != nil || string(b) != "two" {
		t.Fatalf("expected rewritten content, got %q %v", b, err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
	if !fsutil.Exists(path) {
		t.Fatalf("expected file to exist")
	}
}
