// Package content resolves queue locators to backing bytes. The queue
// never assumes a storage medium; this file-backed resolver is the
// default implementation.
package content

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrMissing reports that a locator no longer resolves to content.
// Callers treat it as an internal inconsistency and repair the queue.
var ErrMissing = errors.New("content: missing")

// Resolver turns an opaque locator into readable bytes and disposes of
// content that is no longer wanted.
type Resolver interface {
	// Open returns a reader for the locator's content, or ErrMissing.
	Open(locator string) (io.ReadCloser, error)
	// Discard removes the backing content. Discarding content that is
	// already gone is not an error.
	Discard(locator string) error
	// Exists reports whether the locator currently resolves.
	Exists(locator string) bool
}

// FileResolver resolves locators as paths under a root directory.
type FileResolver struct {
	root string
}

func NewFileResolver(root string) *FileResolver {
	return &FileResolver{root: root}
}

func (r *FileResolver) path(locator string) (string, error) {
	if filepath.IsAbs(locator) {
		return locator, nil
	}
	clean := filepath.Clean(locator)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.New("content: locator escapes root")
	}
	return filepath.Join(r.root, clean), nil
}

func (r *FileResolver) Open(locator string) (io.ReadCloser, error) {
	p, err := r.path(locator)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrMissing
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (r *FileResolver) Discard(locator string) error {
	p, err := r.path(locator)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Exists reports whether the locator currently resolves.
func (r *FileResolver) Exists(locator string) bool {
	p, err := r.path(locator)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}
