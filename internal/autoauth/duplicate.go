package autoauth

import (
	"context"

	"github.com/fieldledger/expensecore/internal/expense"
)

// splitInvoiceException reports whether an R1 exact-field match (vendor,
// amount, date, description all identical) should nonetheless NOT be
// flagged a duplicate, because the two rows trace back to different,
// distinct receipt files — a legitimately split invoice rather than a
// re-scanned duplicate. Mirrors the original rule engine's R7a/R7b
// distinction: same receipt file hash is a duplicate, different hashes
// are separate invoices, and either hash being unknown falls back to
// flagging it a duplicate (R1's original, stricter behavior) since there
// is nothing to tell them apart by.
func (e *Engine) splitInvoiceException(ctx context.Context, cand, match expense.Expense) bool {
	if e.receiptHashes == nil {
		return false
	}

	if cand.BillID == nil || match.BillID == nil || *cand.BillID == *match.BillID {
		return false
	}

	candHash, ok, err := e.receiptHashes.ReceiptHashForExpense(ctx, cand.ID)
	if err != nil || !ok {
		return false
	}

	matchHash, ok, err := e.receiptHashes.ReceiptHashForExpense(ctx, match.ID)
	if err != nil || !ok {
		return false
	}

	return candHash != matchHash
}
