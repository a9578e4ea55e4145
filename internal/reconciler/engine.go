package reconciler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/shopspring/decimal"

	"github.com/fieldledger/expensecore/internal/expense"
	"github.com/fieldledger/expensecore/internal/intake"
	"github.com/fieldledger/expensecore/internal/money"
)

// defaultToleranceAbs/defaultToleranceRel match the OCR pipeline's own
// total-match tolerance (§4.8's "$0.05 absolute or 0.5%, whichever is
// larger"), so a mismatch the reconciler cares about is the same
// mismatch OCR flagged in the first place.
var (
	defaultToleranceAbs, _ = money.Parse("0.05")
	defaultToleranceRel    = decimal.NewFromFloat(0.005)
)

// CandidateSource lists linked intakes whose declared total may disagree
// with the sum of the expenses created from them.
type CandidateSource interface {
	LinkedIntakes(ctx context.Context) ([]intake.Intake, error)
}

// ExpenseFetcher fetches the expenses an intake created, by id.
type ExpenseFetcher interface {
	GetMany(ctx context.Context, ids []uuid.UUID) ([]expense.Expense, error)
}

// BlobFetcher re-fetches the original uploaded file for re-extraction.
type BlobFetcher interface {
	FetchBlob(ctx context.Context, storageKey string) ([]byte, string, bool, error) // bytes, mime type, isPDF
}

// Reextractor re-reads a receipt with a schema biased toward finding line
// items the first pass missed, given the descriptions already accounted
// for by created expenses.
type Reextractor interface {
	ReExtractMissingItems(ctx context.Context, blob []byte, mimeType string, isPDF bool, knownDescriptions []string) ([]ReExtractedLine, string, error)
}

// CorrectionStore persists suggestions and tracks which intakes already
// have one, so a repeated run never double-suggests.
type CorrectionStore interface {
	HasCorrection(ctx context.Context, intakeID uuid.UUID) (bool, error)
	SaveSuggestion(ctx context.Context, s Suggestion) error
}

// Engine scans linked intakes for a total mismatch and proposes a
// correction. It never mutates an expense or an intake; every output is a
// persisted Suggestion awaiting human review.
type Engine struct {
	candidates CandidateSource
	expenses   ExpenseFetcher
	blobs      BlobFetcher
	reextract  Reextractor
	store      CorrectionStore
}

// New constructs an Engine.
func New(candidates CandidateSource, expenses ExpenseFetcher, blobs BlobFetcher, reextract Reextractor, store CorrectionStore) *Engine {
	return &Engine{candidates: candidates, expenses: expenses, blobs: blobs, reextract: reextract, store: store}
}

// Run scans every linked intake and emits a Suggestion for each one whose
// total still disagrees with its created expenses and has no existing
// correction on file. Returns how many suggestions were written. One
// intake's failure (a bad blob, a gateway timeout) never aborts the
// batch; every error is collected and returned together so a caller can
// see the full picture of one run.
func (e *Engine) Run(ctx context.Context) (int, error) {
	candidates, err := e.candidates.LinkedIntakes(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing linked intakes: %w", err)
	}

	written := 0

	var errs *multierror.Error

	for _, in := range candidates {
		suggested, err := e.reconcileOne(ctx, in)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("reconciling intake %s: %w", in.ID, err))
			continue
		}

		if suggested {
			written++
		}
	}

	return written, errs.ErrorOrNil()
}

func (e *Engine) reconcileOne(ctx context.Context, in intake.Intake) (bool, error) {
	if already, err := e.store.HasCorrection(ctx, in.ID); err != nil {
		return false, err
	} else if already {
		return false, nil
	}

	declaredTotal, ok := parsedTotal(in)
	if !ok {
		return false, nil
	}

	created, err := e.expenses.GetMany(ctx, in.CreatedExpenseIDs)
	if err != nil {
		return false, fmt.Errorf("fetching created expenses: %w", err)
	}

	sumCreated := money.Zero
	for _, c := range created {
		sumCreated = sumCreated.Add(c.Amount)
	}

	mismatch := in.TotalMatchType != nil && *in.TotalMatchType == "mismatch"
	if !mismatch {
		mismatch = !declaredTotal.WithinTolerance(sumCreated, defaultToleranceAbs, defaultToleranceRel)
	}

	if !mismatch {
		return false, nil
	}

	blob, mimeType, isPDF, err := e.blobs.FetchBlob(ctx, in.StorageKey)
	if err != nil {
		return false, fmt.Errorf("fetching original file: %w", err)
	}

	known := knownDescriptions(in)

	reLines, correctedTotal, err := e.reextract.ReExtractMissingItems(ctx, blob, mimeType, isPDF, known)
	if err != nil {
		return false, fmt.Errorf("re-extracting: %w", err)
	}

	suggestion := classify(in.ID, created, sumCreated, declaredTotal, reLines, correctedTotal)

	if err := e.store.SaveSuggestion(ctx, suggestion); err != nil {
		return false, fmt.Errorf("saving suggestion: %w", err)
	}

	return true, nil
}

func parsedTotal(in intake.Intake) (money.Amount, bool) {
	raw, ok := in.ParsedFields["total"].(string)
	if !ok || raw == "" {
		return money.Amount{}, false
	}

	total, err := money.Parse(raw)
	if err != nil {
		return money.Amount{}, false
	}

	return total, true
}

func knownDescriptions(in intake.Intake) []string {
	var items []map[string]any

	// parsed_fields read back from JSON holds []any; in-memory records hold
	// []map[string]any.
	switch raw := in.ParsedFields["line_items"].(type) {
	case []map[string]any:
		items = raw
	case []any:
		for _, v := range raw {
			if m, ok := v.(map[string]any); ok {
				items = append(items, m)
			}
		}
	default:
		return nil
	}

	out := make([]string, 0, len(items))

	for _, item := range items {
		if desc, ok := item["description"].(string); ok {
			out = append(out, desc)
		}
	}

	return out
}

// classify turns a re-extraction against the known created expenses into
// one Suggestion. First match wins, in order of how actionable the
// evidence is: an unmatched re-extracted line is the strongest signal
// (something was dropped entirely); a duplicated amount across two
// created expenses is next; a corrected total close to what was actually
// created points at a misread total; a pair of re-extracted lines summing
// to one created expense points at consolidated amounts; everything else
// falls back to manual review.
func classify(intakeID uuid.UUID, created []expense.Expense, sumCreated, declaredTotal money.Amount, reLines []ReExtractedLine, correctedTotal string) Suggestion {
	missing := unmatchedLines(created, reLines)
	if len(missing) > 0 {
		return Suggestion{IntakeID: intakeID, Kind: KindMissingItems, MissingLines: missing}
	}

	if dupID, ok := duplicatedAmount(created); ok {
		return Suggestion{IntakeID: intakeID, Kind: KindDuplicatedLine, DuplicateOfExpenseID: &dupID}
	}

	if corrected, err := money.Parse(correctedTotal); err == nil && !corrected.IsZero() {
		if corrected.WithinTolerance(sumCreated, defaultToleranceAbs, defaultToleranceRel) &&
			!corrected.WithinTolerance(declaredTotal, defaultToleranceAbs, defaultToleranceRel) {
			return Suggestion{IntakeID: intakeID, Kind: KindTotalWrong, CorrectedTotal: corrected.String()}
		}
	}

	if consolidated, ok := consolidatedAmounts(created, reLines); ok {
		return Suggestion{IntakeID: intakeID, Kind: KindAmountsConsolidated, MissingLines: consolidated}
	}

	return Suggestion{
		IntakeID:     intakeID,
		Kind:         KindTotalWrong,
		ReviewReason: "total disagrees with created expenses but no automatic classification matched",
	}
}

// unmatchedLines returns every re-extracted line with no created expense
// of the same amount within tolerance.
func unmatchedLines(created []expense.Expense, reLines []ReExtractedLine) []ReExtractedLine {
	var missing []ReExtractedLine

	for _, line := range reLines {
		amount, err := money.Parse(line.Amount)
		if err != nil {
			continue
		}

		found := false

		for _, c := range created {
			if amount.WithinTolerance(c.Amount, defaultToleranceAbs, defaultToleranceRel) {
				found = true
				break
			}
		}

		if !found {
			missing = append(missing, line)
		}
	}

	return missing
}

// duplicatedAmount reports the id of the second created expense sharing
// an identical amount with an earlier one, the signature of one receipt
// line item becoming two expense rows.
func duplicatedAmount(created []expense.Expense) (uuid.UUID, bool) {
	seen := map[string]uuid.UUID{}

	for _, c := range created {
		key := c.Amount.String()
		if _, ok := seen[key]; ok {
			return c.ID, true
		}

		seen[key] = c.ID
	}

	return uuid.UUID{}, false
}

// consolidatedAmounts reports whether some pair of re-extracted lines
// sums, within tolerance, to one created expense's amount, the signature of two
// original line items having been merged into a single expense.
func consolidatedAmounts(created []expense.Expense, reLines []ReExtractedLine) ([]ReExtractedLine, bool) {
	if len(reLines) < 2 {
		return nil, false
	}

	for _, c := range created {
		for i := range reLines {
			for j := i + 1; j < len(reLines); j++ {
				a, errA := money.Parse(reLines[i].Amount)
				b, errB := money.Parse(reLines[j].Amount)

				if errA != nil || errB != nil {
					continue
				}

				if a.Add(b).WithinTolerance(c.Amount, defaultToleranceAbs, defaultToleranceRel) {
					return []ReExtractedLine{reLines[i], reLines[j]}, true
				}
			}
		}
	}

	return nil, false
}
