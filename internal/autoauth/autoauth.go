// Package autoauth runs the rule-ordered auto-authorization engine over
// pending expenses: duplicate detection, bill-hint matching, receipt
// sufficiency, missing-field detection, policy escalation, and a periodic
// health sweep, with TOCTOU-safe conditional mutation and a per-run report.
package autoauth

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fieldledger/expensecore/internal/money"
)

// ErrNotFound is returned when a report id has no matching row.
var ErrNotFound = errors.New("autoauth: not found")

// Decision is the fixed outcome vocabulary a rule can produce.
type Decision string

const (
	DecisionAuthorized  Decision = "authorized"
	DecisionDuplicate   Decision = "duplicate"
	DecisionMissingInfo Decision = "missing_info"
	DecisionEscalated   Decision = "escalated"
	DecisionSkippedRace Decision = "skipped_race"
)

// Rule names are stable identifiers recorded on every decision.
const (
	RuleExactDup          = "R1_EXACT_DUP"
	RuleBillHint          = "R2_BILL_HINT"
	RuleReceiptSufficient = "R3_RECEIPT_SUFFICIENT"
	RuleMissingInfo       = "R4_MISSING_INFO"
	RulePolicyEscalate    = "R5_POLICY_ESCALATE"
	RuleHealth            = "R6_HEALTH"
)

// DecisionRecord is one expense's outcome from a run.
type DecisionRecord struct {
	ExpenseID uuid.UUID
	Rule      string
	Decision  Decision
	Reason    string
	Amount    money.Amount
	CreatedAt time.Time
}

// AuthReport aggregates every decision from one engine run.
type AuthReport struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	RunID     uuid.UUID
	Decisions []DecisionRecord
	CreatedAt time.Time
}

// TimeWindow optionally narrows a run to expenses within [From, To].
type TimeWindow struct {
	From time.Time
	To   time.Time
}

// Config holds the tunables every rule consults. Threshold/escalation
// data is policy, not code, so it is supplied by the caller (ultimately
// sourced from internal/config) rather than hardcoded here.
type Config struct {
	// BillAuthEnabled gates R2_BILL_HINT: if false the rule never fires,
	// even on a match, and evaluation falls through to later rules.
	BillAuthEnabled bool

	// RoleThresholds maps a role name to the amount above which R5 fires.
	RoleThresholds map[string]money.Amount

	// EscalationAccounts is the set of account ids that always escalate
	// regardless of amount.
	EscalationAccounts map[uuid.UUID]bool

	// HealthSweepAge is how old a pending expense must be, with no other
	// rule hit, before R6_HEALTH escalates it.
	HealthSweepAge time.Duration

	// AmountToleranceAbs/AmountToleranceRel bound R2's amount comparison;
	// the greater of the two tolerances wins, per money.WithinTolerance.
	AmountToleranceAbs money.Amount
	AmountToleranceRel decimal.Decimal

	// DateTolerance bounds R2's date comparison (default ±3 days).
	DateTolerance time.Duration

	// VendorFuzzyThreshold is the minimum Levenshtein-derived similarity
	// (0-100) for two vendor names to be considered the same vendor.
	VendorFuzzyThreshold int

	// DigestCadence is how often composed chat digests are flushed.
	DigestCadence time.Duration
}

// BillHint is what an external bill record tells the engine about a
// candidate match for R2_BILL_HINT.
type BillHint struct {
	MatchedByID bool // the bill explicitly references this expense's id
	VendorName  string
	Amount      money.Amount
	Date        time.Time
}
