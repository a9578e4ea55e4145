package ocr_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldledger/expensecore/internal/money"
	"github.com/fieldledger/expensecore/internal/ocr"
)

func TestExtractFastModeMatchesSubtotal(t *testing.T) {
	tolAbs, _ := money.Parse("0.05")
	tolRel := decimal.NewFromFloat(0.005)

	pipeline := ocr.New(nil, nil, ocr.DefaultVendorParsers(), 5, 150, tolAbs, tolRel)

	rec, err := pipeline.Extract(context.Background(), ocr.Input{
		Blob:          []byte(homeDepotReceipt),
		IsTextBearing: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "text", rec.Method)
	assert.Equal(t, ocr.MatchSubtotal, rec.TotalMatchType)
}
