package reconciler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fieldledger/expensecore/internal/blobstore"
	"github.com/fieldledger/expensecore/internal/llmgateway"
	"github.com/fieldledger/expensecore/internal/ocr"
)

// BlobAdapter adapts blobstore.Store to BlobFetcher, deriving isPDF from
// content type exactly as internal/intake's Process does.
type BlobAdapter struct {
	blobs blobstore.Store
}

// NewBlobAdapter constructs a BlobAdapter.
func NewBlobAdapter(blobs blobstore.Store) *BlobAdapter {
	return &BlobAdapter{blobs: blobs}
}

// FetchBlob implements BlobFetcher.
func (a *BlobAdapter) FetchBlob(ctx context.Context, storageKey string) ([]byte, string, bool, error) {
	reader, contentType, err := a.blobs.Get(ctx, storageKey)
	if err != nil {
		return nil, "", false, fmt.Errorf("fetching blob: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", false, fmt.Errorf("reading blob: %w", err)
	}

	return data, contentType, contentType == "application/pdf", nil
}

// GatewayReextractor re-reads a receipt via the LLM gateway's vision tier
// with a system prompt biased toward finding line items a prior pass
// missed, rather than the balanced extraction schema internal/ocr uses on
// first pass.
type GatewayReextractor struct {
	gateway    *llmgateway.Gateway
	rasterizer ocr.Rasterizer
	maxPages   int
	maxDPI     int
}

// NewGatewayReextractor constructs a GatewayReextractor.
func NewGatewayReextractor(gateway *llmgateway.Gateway, rasterizer ocr.Rasterizer, maxPages, maxDPI int) *GatewayReextractor {
	return &GatewayReextractor{gateway: gateway, rasterizer: rasterizer, maxPages: maxPages, maxDPI: maxDPI}
}

type reextractSchema struct {
	LineItems []struct {
		Description string `json:"description"`
		Amount      string `json:"amount"`
	} `json:"line_items"`
	CorrectedTotal string `json:"corrected_total"`
}

// ReExtractMissingItems implements Reextractor.
func (g *GatewayReextractor) ReExtractMissingItems(ctx context.Context, blob []byte, mimeType string, isPDF bool, knownDescriptions []string) ([]ReExtractedLine, string, error) {
	var pages [][]byte

	if isPDF {
		rasterized, err := g.rasterizer.Rasterize(ctx, blob, g.maxPages, g.maxDPI)
		if err != nil {
			return nil, "", fmt.Errorf("rasterizing pdf: %w", err)
		}

		pages = rasterized
	} else {
		pages = [][]byte{blob}
	}

	images := make([]llmgateway.Image, 0, len(pages))
	for _, page := range pages {
		images = append(images, llmgateway.Image{DataURL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(page)})
	}

	system := "You re-read a receipt/bill image that has already been processed once. " +
		"A first pass already accounted for the line items listed below; your job is to find " +
		"anything it missed or got wrong, not to repeat what it already found. " +
		"Return ONLY JSON matching: " +
		`{"line_items":[{"description":string,"amount":string}],"corrected_total":string}. ` +
		"line_items should contain ONLY items not already accounted for below. " +
		"corrected_total is your best re-read of the receipt's stated total, as a plain decimal string."

	user := "Already accounted for: " + joinOrNone(knownDescriptions) + ". Re-read the receipt."

	result, err := g.gateway.ExtractVision(ctx, system, user, images)
	if err != nil {
		return nil, "", fmt.Errorf("vision re-extraction: %w", err)
	}

	var parsed reextractSchema
	if err := json.Unmarshal(result.Value, &parsed); err != nil {
		return nil, "", fmt.Errorf("parsing re-extraction response: %w", err)
	}

	lines := make([]ReExtractedLine, 0, len(parsed.LineItems))
	for _, li := range parsed.LineItems {
		lines = append(lines, ReExtractedLine{Description: li.Description, Amount: li.Amount})
	}

	return lines, parsed.CorrectedTotal, nil
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "(none recorded)"
	}

	out := items[0]
	for _, s := range items[1:] {
		out += ", " + s
	}

	return out
}
