package ocr

import (
	"context"
	"errors"
)

// ErrRasterizationUnavailable is returned by NoopRasterizer for every PDF:
// no PDF-to-image rendering library exists anywhere in this service's
// dependency corpus, so this stand-in fails closed rather than silently
// treating a PDF as an image.
var ErrRasterizationUnavailable = errors.New("ocr: pdf rasterization not configured")

// NoopRasterizer rejects every PDF. A production deployment that accepts
// PDF receipts must supply a real Rasterizer (a poppler/pdfium binding);
// non-PDF uploads never call it.
type NoopRasterizer struct{}

func (NoopRasterizer) Rasterize(ctx context.Context, pdf []byte, maxPages, maxDPI int) ([][]byte, error) {
	return nil, ErrRasterizationUnavailable
}
