package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Filesystem implements Store against a local directory, the target named
// by the config's `file://` blob URL. No object-storage SDK appears
// anywhere in this service's dependency corpus for the URL scheme this
// deployment actually uses, so this stays on os/io rather than pulling in
// a cloud client nothing would exercise.
type Filesystem struct {
	root string
}

// NewFilesystem constructs a Filesystem rooted at url, which must be a
// `file://` URL (e.g. "file:///var/lib/expensecore/blobs").
func NewFilesystem(url string) (*Filesystem, error) {
	root, ok := strings.CutPrefix(url, "file://")
	if !ok {
		return nil, fmt.Errorf("blobstore: unsupported blob URL scheme: %s", url)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob root: %w", err)
	}

	return &Filesystem{root: root}, nil
}

func (f *Filesystem) path(key string) string {
	return filepath.Join(f.root, filepath.Clean(string(filepath.Separator)+key))
}

// Put implements Store.
func (f *Filesystem) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	path := f.path(key)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating blob directory: %w", err)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating blob file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, r); err != nil {
		return fmt.Errorf("writing blob: %w", err)
	}

	if err := os.WriteFile(path+".contenttype", []byte(contentType), 0o644); err != nil {
		return fmt.Errorf("writing blob content type: %w", err)
	}

	return nil
}

// Get implements Store.
func (f *Filesystem) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	path := f.path(key)

	file, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("opening blob: %w", err)
	}

	contentType, err := os.ReadFile(path + ".contenttype")
	if err != nil {
		contentType = []byte("application/octet-stream")
	}

	return file, string(contentType), nil
}

// Delete implements Store.
func (f *Filesystem) Delete(ctx context.Context, key string) error {
	path := f.path(key)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting blob: %w", err)
	}

	_ = os.Remove(path + ".contenttype")

	return nil
}
