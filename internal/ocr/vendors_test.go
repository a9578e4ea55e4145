package ocr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldledger/expensecore/internal/ocr"
)

const homeDepotReceipt = `THE HOME DEPOT
STORE #4502
01/15/2026

2X4X8 STUD           4 @ $3.98 = $15.92
16D FRAMING NAIL 5LB 1 @ $22.50 = $22.50

SUBTOTAL    $38.42
SALES TAX   $2.69
TOTAL       $41.11
`

func TestDefaultVendorParsersDetectHomeDepot(t *testing.T) {
	parsers := ocr.DefaultVendorParsers()

	var found bool

	for _, p := range parsers {
		vendor, ok := p.Detect(homeDepotReceipt)
		if !ok {
			continue
		}

		found = true

		rec, ok := p.Parse(vendor, homeDepotReceipt)
		require.True(t, ok)
		assert.Equal(t, "Home Depot", rec.Vendor)
		assert.Len(t, rec.LineItems, 2)
		assert.Equal(t, "41.11", rec.Total.String())
		assert.Equal(t, "38.42", rec.Subtotal.String())
		assert.Equal(t, "2.69", rec.Tax.String())
	}

	assert.True(t, found, "expected a parser to detect the Home Depot receipt")
}

func TestDefaultVendorParsersNoMatch(t *testing.T) {
	parsers := ocr.DefaultVendorParsers()

	for _, p := range parsers {
		_, ok := p.Detect("some unrelated vendor banner")
		assert.False(t, ok)
	}
}
