// Package blobstore defines the external file-storage collaborator, kept
// deliberately narrow since it is consumed only by the receipt intake queue
// and the OCR pipeline.
package blobstore

import (
	"context"
	"io"
)

// Store puts and gets opaque blobs by key. Background jobs that accept
// file bytes must reference them by key, never carry them by value, so the
// background job queue never pins memory.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)
	Delete(ctx context.Context, key string) error
}
