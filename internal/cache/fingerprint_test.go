package cache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fieldledger/expensecore/internal/cache"
)

func TestNormalizeCollapsesWhitespaceAndPunctuation(t *testing.T) {
	assert.Equal(t, "2x4 lumber", cache.Normalize("  2x4   Lumber!! "))
	assert.Equal(t, "wood screws", cache.Normalize("...Wood Screws..."))
}

func TestFingerprintEqualIffNormalizedEqual(t *testing.T) {
	a := cache.Fingerprint("2x4 Lumber", "Framing")
	b := cache.Fingerprint("  2x4   lumber!!", "Framing")
	c := cache.Fingerprint("2x4 Lumber", "Roofing")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
