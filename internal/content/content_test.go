package content

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestFileResolverOpenAndDiscard(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.jpg"), []byte("payload"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := NewFileResolver(root)

	rc, err := r.Open("a.jpg")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil || string(b) != "payload" {
		t.Fatalf("read = %q, %v", b, err)
	}

	if err := r.Discard("a.jpg"); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, err := r.Open("a.jpg"); !errors.Is(err, ErrMissing) {
		t.Fatalf("Open after discard = %v, want ErrMissing", err)
	}
	// Discard is idempotent.
	if err := r.Discard("a.jpg"); err != nil {
		t.Fatalf("second Discard: %v", err)
	}
}

func TestFileResolverMissing(t *testing.T) {
	t.Parallel()
	r := NewFileResolver(t.TempDir())
	if _, err := r.Open("nope.jpg"); !errors.Is(err, ErrMissing) {
		t.Fatalf("Open missing = %v, want ErrMissing", err)
	}
	if r.Exists("nope.jpg") {
		t.Fatal("Exists should be false for missing content")
	}
}

func TestFileResolverRejectsEscape(t *testing.T) {
	t.Parallel()
	r := NewFileResolver(t.TempDir())
	if _, err := r.Open("../outside"); err == nil || errors.Is(err, ErrMissing) {
		t.Fatalf("Open escaping locator = %v, want rejection", err)
	}
}
