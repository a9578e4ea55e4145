// Package ocr extracts a normalized receipt/bill record from an uploaded
// file, choosing fast (text-bearing) or heavy (vision) mode automatically,
// and defines Metrics, the per-call observability row; Extract itself does
// not build one.
package ocr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fieldledger/expensecore/internal/encoding"
	"github.com/fieldledger/expensecore/internal/llmgateway"
	"github.com/fieldledger/expensecore/internal/money"
)

// LineItem is one parsed receipt/bill line.
type LineItem struct {
	Description string
	Quantity    decimal.Decimal
	UnitPrice   money.Amount
	LineTotal   money.Amount
	Confidence  int
}

// MatchType classifies how a receipt's declared totals reconcile against
// its line items.
type MatchType string

const (
	MatchTotal    MatchType = "total"
	MatchSubtotal MatchType = "subtotal"
	MatchMismatch MatchType = "mismatch"
)

// Record is the normalized output of one OCR call.
type Record struct {
	Vendor         string
	VendorConfidence int
	Date           time.Time
	Total          money.Amount
	Subtotal       money.Amount
	Tax            money.Amount
	LineItems      []LineItem
	TotalMatchType MatchType
	Method         string // "text" or "vision"
}

// Rasterizer turns a PDF blob into a bounded set of page images.
// Rasterization itself is abstracted behind this interface since it is an
// external collaborator; see DESIGN.md.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte, maxPages, maxDPI int) ([][]byte, error)
}

// VendorParser extracts vendor-specific structured fields from plain text,
// keyed by a detected vendor string.
type VendorParser interface {
	Detect(text string) (vendor string, ok bool)
	Parse(vendor, text string) (Record, bool)
}

// Pipeline runs the fast/heavy mode cascade.
type Pipeline struct {
	gateway    *llmgateway.Gateway
	rasterizer Rasterizer
	parsers    []VendorParser
	maxPages   int
	maxDPI     int
	toleranceAbs money.Amount
	toleranceRel decimal.Decimal
}

// New constructs a Pipeline.
func New(gateway *llmgateway.Gateway, rasterizer Rasterizer, parsers []VendorParser, maxPages, maxDPI int, toleranceAbs money.Amount, toleranceRel decimal.Decimal) *Pipeline {
	return &Pipeline{
		gateway:      gateway,
		rasterizer:   rasterizer,
		parsers:      parsers,
		maxPages:     maxPages,
		maxDPI:       maxDPI,
		toleranceAbs: toleranceAbs,
		toleranceRel: toleranceRel,
	}
}

// Input describes one file to extract.
type Input struct {
	Blob          []byte
	MIMEType      string
	Stage         string
	IsTextBearing bool // native PDF text layer, or image metadata declares OCR already performed
	IsPDF         bool
}

type visionSchema struct {
	Vendor     string  `json:"vendor"`
	Date       string  `json:"date"`
	Total      string  `json:"total"`
	Subtotal   string  `json:"subtotal"`
	Tax        string  `json:"tax"`
	LineItems  []struct {
		Description string `json:"description"`
		Quantity    string `json:"quantity"`
		UnitPrice   string `json:"unit_price"`
		LineTotal   string `json:"line_total"`
	} `json:"line_items"`
}

// Extract runs the fast/heavy cascade and returns a normalized Record. The
// caller is responsible for emitting the per-call metrics row (Metrics)
// once the record, or the error, is known.
func (p *Pipeline) Extract(ctx context.Context, in Input) (Record, error) {
	if in.IsTextBearing {
		text, err := p.decodeText(in.Blob)
		if err == nil {
			if rec, ok := p.fastMode(text); ok {
				rec.Method = "text"
				p.applyMatchCheck(&rec)

				return rec, nil
			}
		}
	}

	rec, err := p.heavyMode(ctx, in)
	if err != nil {
		return Record{}, err
	}

	rec.Method = "vision"
	p.applyMatchCheck(&rec)

	return rec, nil
}

func (p *Pipeline) decodeText(blob []byte) (string, error) {
	r, err := encoding.NewUTF8Reader(newByteReader(blob))
	if err != nil {
		return "", fmt.Errorf("decoding text: %w", err)
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading decoded text: %w", err)
	}

	return string(out), nil
}

// fastMode applies vendor-specific regex parsers. Falls through (ok=false)
// if no parser found a total, fewer than 1 line item resulted, or the
// vendor could not be identified.
func (p *Pipeline) fastMode(text string) (Record, bool) {
	for _, parser := range p.parsers {
		vendor, ok := parser.Detect(text)
		if !ok {
			continue
		}

		rec, ok := parser.Parse(vendor, text)
		if !ok {
			continue
		}

		if rec.Total.IsZero() || len(rec.LineItems) < 1 {
			continue
		}

		return rec, true
	}

	return Record{}, false
}

func (p *Pipeline) heavyMode(ctx context.Context, in Input) (Record, error) {
	var images [][]byte

	if in.IsPDF {
		pages, err := p.rasterizer.Rasterize(ctx, in.Blob, p.maxPages, p.maxDPI)
		if err != nil {
			return Record{}, fmt.Errorf("rasterizing pdf: %w", err)
		}

		images = pages
	} else {
		images = [][]byte{in.Blob}
	}

	// Drop this function's references to the rasterized images and the
	// blob when it returns. in is a copy, so the caller's own reference to
	// the blob buffer is unaffected.
	defer func() {
		in.Blob = nil
		images = nil
	}()

	gwImages := make([]llmgateway.Image, 0, len(images))
	for _, img := range images {
		gwImages = append(gwImages, llmgateway.Image{DataURL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(img)})
	}

	system := "You extract structured receipt/bill data. Return ONLY JSON matching: " +
		`{"vendor":string,"date":string,"total":string,"subtotal":string,"tax":string,` +
		`"line_items":[{"description":string,"quantity":string,"unit_price":string,"line_total":string}]}. ` +
		"Every scalar must be a plain decimal string with two fractional digits where applicable."

	result, err := p.gateway.ExtractVision(ctx, system, "Extract this receipt/bill.", gwImages)
	if err != nil {
		return Record{}, fmt.Errorf("vision extraction: %w", err)
	}

	var parsed visionSchema
	if err := json.Unmarshal(result.Value, &parsed); err != nil {
		return Record{}, fmt.Errorf("parsing vision response: %w", err)
	}

	return toRecord(parsed)
}

func toRecord(parsed visionSchema) (Record, error) {
	rec := Record{Vendor: parsed.Vendor}

	if parsed.Date != "" {
		if d, err := time.Parse("2006-01-02", parsed.Date); err == nil {
			rec.Date = d
		}
	}

	if parsed.Total != "" {
		if a, err := money.Parse(parsed.Total); err == nil {
			rec.Total = a
		}
	}

	if parsed.Subtotal != "" {
		if a, err := money.Parse(parsed.Subtotal); err == nil {
			rec.Subtotal = a
		}
	}

	if parsed.Tax != "" {
		if a, err := money.Parse(parsed.Tax); err == nil {
			rec.Tax = a
		}
	}

	for _, li := range parsed.LineItems {
		qty, _ := decimal.NewFromString(li.Quantity)

		unitPrice, _ := money.Parse(defaultZero(li.UnitPrice))
		lineTotal, _ := money.Parse(defaultZero(li.LineTotal))

		rec.LineItems = append(rec.LineItems, LineItem{
			Description: li.Description,
			Quantity:    qty,
			UnitPrice:   unitPrice,
			LineTotal:   lineTotal,
		})
	}

	return rec, nil
}

func defaultZero(s string) string {
	if s == "" {
		return "0.00"
	}

	return s
}

// applyMatchCheck compares sum of line totals against subtotal and total
// within tolerance (default $0.05 absolute or 0.5%, whichever is larger),
// setting TotalMatchType.
func (p *Pipeline) applyMatchCheck(rec *Record) {
	sum := money.Zero
	for _, li := range rec.LineItems {
		sum = sum.Add(li.LineTotal)
	}

	switch {
	case sum.WithinTolerance(rec.Total, p.toleranceAbs, p.toleranceRel):
		rec.TotalMatchType = MatchTotal
	case sum.WithinTolerance(rec.Subtotal, p.toleranceAbs, p.toleranceRel):
		rec.TotalMatchType = MatchSubtotal
	default:
		rec.TotalMatchType = MatchMismatch
	}
}

// Metrics is the per-call observability row.
type Metrics struct {
	AgentID        uuid.UUID
	Method         string
	ModelTier      string
	WallTimeMS     int64
	CharacterCount int
	ItemCount      int
	TaxDetected    bool
	TotalMatchType MatchType
	Success        bool
	ProjectID      uuid.UUID
}

// byteReader adapts a []byte to an io.Reader without an extra
// allocation for the common case.
type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(b []byte) *byteReader { return &byteReader{data: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}

	n := copy(p, r.data[r.pos:])
	r.pos += n

	return n, nil
}
