// Package reconciler re-examines a linked intake whose declared total
// disagrees with the sum of the expenses created from it, re-extracts the
// receipt with a schema biased toward finding what the first pass missed,
// and persists a suggested correction. Suggestions are never auto-applied.
package reconciler

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the fixed classification vocabulary for a mismatch.
type Kind string

const (
	KindMissingItems       Kind = "missing_items"
	KindDuplicatedLine     Kind = "duplicated_line"
	KindTotalWrong         Kind = "total_wrong"
	KindAmountsConsolidated Kind = "amounts_consolidated"
)

// Suggestion is one proposed correction for an intake's total mismatch.
// Exactly one of the MissingLines/DuplicateOfExpenseID/CorrectedTotal/
// ReviewReason fields carries the recommended action; which one depends on
// Kind.
type Suggestion struct {
	IntakeID uuid.UUID
	Kind     Kind

	// MissingLines holds line items the re-extraction found that no
	// created expense accounts for (KindMissingItems).
	MissingLines []ReExtractedLine

	// DuplicateOfExpenseID names an existing created expense that
	// KindDuplicatedLine believes double-counts a line item.
	DuplicateOfExpenseID *uuid.UUID

	// CorrectedTotal is the re-extraction's corrected reading of the
	// receipt total (KindTotalWrong).
	CorrectedTotal string

	// ReviewReason is set whenever the mismatch cannot be resolved into a
	// specific line-level action and must go to a human as-is.
	ReviewReason string
}

// ReExtractedLine is one line item from the re-extraction pass, before any
// expense is created for it.
type ReExtractedLine struct {
	Description string
	Amount      string
}

// Record is one persisted correction.
type Record struct {
	ID         int64
	IntakeID   uuid.UUID
	Kind       Kind
	Suggestion Suggestion
	Applied    bool
	CreatedAt  time.Time
}
