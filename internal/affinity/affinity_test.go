package affinity_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/fieldledger/expensecore/internal/affinity"
)

func TestRatio(t *testing.T) {
	r := affinity.Row{VendorID: uuid.New(), AccountID: uuid.New(), Count: 9, VendorTotal: 10}
	assert.InDelta(t, 0.9, r.Ratio(), 0.0001)

	zero := affinity.Row{}
	assert.Equal(t, float64(0), zero.Ratio())
}
