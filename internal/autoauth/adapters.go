package autoauth

import (
	"context"

	"github.com/fieldledger/expensecore/internal/expense"
)

// NoBillHintSource is the production default for BillHintSource. No
// upstream accounting system integration exists anywhere in this
// service's dependency corpus, so R2_BILL_HINT fails closed: every
// candidate reports no bill hint, and authorization falls through to
// R3-R6 rather than ever firing on a match this deployment cannot
// actually observe. A deployment that integrates a bill feed replaces
// this with a real BillHintSource rather than this package changing.
type NoBillHintSource struct{}

// FindBillHint implements BillHintSource.
func (NoBillHintSource) FindBillHint(ctx context.Context, e expense.Expense) (BillHint, bool, error) {
	return BillHint{}, false, nil
}
