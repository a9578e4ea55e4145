package autoauth

import (
	"context"
	"fmt"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/expense"
)

// ExpenseSource is the slice of expense storage this engine reads
// candidates from and conditionally mutates.
type ExpenseSource interface {
	PendingCandidates(ctx context.Context, projectID uuid.UUID, window *TimeWindow) ([]expense.Expense, error)
	FindExactDuplicate(ctx context.Context, e expense.Expense) (expense.Expense, bool, error)
	ConditionalAuthorize(ctx context.Context, expenseID uuid.UUID, actorID uuid.UUID) (bool, error)
}

// ReceiptHashSource resolves the uploaded-file hash of the receipt intake
// an expense was created from, when one exists. Optional collaborator for
// R1's split-invoice exception; nil disables the exception and R1 behaves
// as a pure (vendor, amount, date, description) match.
type ReceiptHashSource interface {
	ReceiptHashForExpense(ctx context.Context, expenseID uuid.UUID) (hash string, ok bool, err error)
}

// BillHintSource is the external bill-records collaborator backing R2.
type BillHintSource interface {
	FindBillHint(ctx context.Context, e expense.Expense) (BillHint, bool, error)
}

// ReceiptSufficiencySource is the external receipt-intake collaborator
// backing R3.
type ReceiptSufficiencySource interface {
	IsReceiptSufficient(ctx context.Context, expenseID uuid.UUID) (bool, error)
}

// VendorNameResolver resolves a vendor id to its display name for fuzzy
// comparison against a bill's recorded vendor text.
type VendorNameResolver interface {
	VendorName(ctx context.Context, vendorID uuid.UUID) (string, error)
}

// RoleLookup resolves the role of the user an expense is attributed to,
// for R5's per-role threshold.
type RoleLookup interface {
	RoleForUser(ctx context.Context, userID uuid.UUID) (string, error)
}

// Notifier posts chat prompts/escalation notices. External collaborator:
// realized by the Agent Dispatcher / Messaging Substrate.
type Notifier interface {
	NotifyMissingInfo(ctx context.Context, expenseID uuid.UUID, missingFields []string) error
	NotifyEscalation(ctx context.Context, expenseID uuid.UUID, reason string) error
}

// ReportStore persists one AuthReport.
type ReportStore interface {
	SaveReport(ctx context.Context, report *AuthReport) error
}

// DigestScheduler enqueues the consolidated per-project chat digest
// rather than one message per expense.
type DigestScheduler interface {
	ScheduleDigest(ctx context.Context, projectID uuid.UUID)
}

// Engine evaluates R1-R6 in order over a project's pending expenses.
type Engine struct {
	expenses      ExpenseSource
	bills         BillHintSource
	receipts      ReceiptSufficiencySource
	receiptHashes ReceiptHashSource
	vendors       VendorNameResolver
	roles         RoleLookup
	notifier      Notifier
	reports       ReportStore
	digests       DigestScheduler
	cfg           Config
	actorID       uuid.UUID // the identity auto-authorized mutations are attributed to
}

// New constructs an Engine. actorID is the system identity recorded as
// authorizer on rows this engine authorizes, satisfying the invariant
// that authorized status always carries an authorizer reference.
// receiptHashes may be nil, in which case R1 never applies its
// split-invoice exception.
func New(
	expenses ExpenseSource,
	bills BillHintSource,
	receipts ReceiptSufficiencySource,
	receiptHashes ReceiptHashSource,
	vendors VendorNameResolver,
	roles RoleLookup,
	notifier Notifier,
	reports ReportStore,
	digests DigestScheduler,
	cfg Config,
	actorID uuid.UUID,
) *Engine {
	return &Engine{
		expenses: expenses, bills: bills, receipts: receipts, receiptHashes: receiptHashes,
		vendors: vendors, roles: roles, notifier: notifier, reports: reports, digests: digests,
		cfg: cfg, actorID: actorID,
	}
}

// Run scans every pending expense in projectID (optionally narrowed by
// window) and applies R1-R6 in order, first match wins, writing one
// AuthReport for the whole run.
func (e *Engine) Run(ctx context.Context, projectID uuid.UUID, window *TimeWindow) (AuthReport, error) {
	candidates, err := e.expenses.PendingCandidates(ctx, projectID, window)
	if err != nil {
		return AuthReport{}, fmt.Errorf("fetching pending candidates: %w", err)
	}

	report := AuthReport{ID: uuid.New(), ProjectID: projectID, RunID: uuid.New()}

	for _, cand := range candidates {
		if record, ok := e.evaluate(ctx, cand); ok {
			report.Decisions = append(report.Decisions, record)
		}
	}

	if err := e.reports.SaveReport(ctx, &report); err != nil {
		return AuthReport{}, fmt.Errorf("saving auth report: %w", err)
	}

	if len(report.Decisions) > 0 {
		e.digests.ScheduleDigest(ctx, projectID)
	}

	return report, nil
}

// evaluate applies R1-R6 to one candidate expense, first match wins, and
// performs the conditional mutation for an authorized outcome. ok is
// false when no rule fired, in which case the expense is left untouched
// and omitted from the report.
func (e *Engine) evaluate(ctx context.Context, cand expense.Expense) (DecisionRecord, bool) {
	if match, found, err := e.expenses.FindExactDuplicate(ctx, cand); err == nil && found {
		if !e.splitInvoiceException(ctx, cand, match) {
			return e.record(cand, RuleExactDup, DecisionDuplicate, "identical vendor/amount/date/description already pending or authorized"), true
		}
	}

	if e.cfg.BillAuthEnabled && e.bills != nil {
		if hint, found, err := e.bills.FindBillHint(ctx, cand); err == nil && found {
			if e.billHintMatches(ctx, cand, hint) {
				return e.authorize(ctx, cand, RuleBillHint, "bill record references this expense"), true
			}
		}
	}

	if e.receipts != nil {
		if sufficient, err := e.receipts.IsReceiptSufficient(ctx, cand.ID); err == nil && sufficient {
			return e.authorize(ctx, cand, RuleReceiptSufficient, "created from a linked, sufficient receipt intake"), true
		}
	}

	if missing := missingFields(cand); len(missing) > 0 {
		if e.notifier != nil {
			_ = e.notifier.NotifyMissingInfo(ctx, cand.ID, missing)
		}

		return e.record(cand, RuleMissingInfo, DecisionMissingInfo, fmt.Sprintf("missing fields: %v", missing)), true
	}

	if e.policyEscalates(ctx, cand) {
		reason := "amount exceeds role threshold or account is on the escalation list"
		if e.notifier != nil {
			_ = e.notifier.NotifyEscalation(ctx, cand.ID, reason)
		}

		return e.record(cand, RulePolicyEscalate, DecisionEscalated, reason), true
	}

	if e.cfg.HealthSweepAge > 0 && time.Since(cand.CreatedAt) > e.cfg.HealthSweepAge {
		reason := "pending with no other rule hit past the health sweep age"
		if e.notifier != nil {
			_ = e.notifier.NotifyEscalation(ctx, cand.ID, reason)
		}

		return e.record(cand, RuleHealth, DecisionEscalated, reason), true
	}

	return DecisionRecord{}, false
}

func (e *Engine) billHintMatches(ctx context.Context, cand expense.Expense, hint BillHint) bool {
	if hint.MatchedByID {
		return true
	}

	if cand.VendorID == nil || e.vendors == nil {
		return false
	}

	name, err := e.vendors.VendorName(ctx, *cand.VendorID)
	if err != nil {
		return false
	}

	if vendorSimilarity(name, hint.VendorName) < e.cfg.VendorFuzzyThreshold {
		return false
	}

	if !cand.Amount.WithinTolerance(hint.Amount, e.cfg.AmountToleranceAbs, e.cfg.AmountToleranceRel) {
		return false
	}

	delta := cand.TransactionDate.Sub(hint.Date)
	if delta < 0 {
		delta = -delta
	}

	return delta <= e.cfg.DateTolerance
}

// vendorSimilarity scores two vendor names 0-100 via normalized
// Levenshtein edit distance.
func vendorSimilarity(a, b string) int {
	if a == "" || b == "" {
		return 0
	}

	dist := levenshtein.ComputeDistance(a, b)

	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}

	if maxLen == 0 {
		return 100
	}

	score := 100 - (dist*100)/maxLen
	if score < 0 {
		score = 0
	}

	return score
}

func missingFields(e expense.Expense) []string {
	var missing []string

	if e.VendorID == nil {
		missing = append(missing, "vendor")
	}

	if e.AccountID == nil {
		missing = append(missing, "account")
	}

	if e.Amount.IsZero() {
		missing = append(missing, "amount")
	}

	if e.TransactionDate.IsZero() {
		missing = append(missing, "date")
	}

	return missing
}

func (e *Engine) policyEscalates(ctx context.Context, cand expense.Expense) bool {
	if cand.AccountID != nil && e.cfg.EscalationAccounts[*cand.AccountID] {
		return true
	}

	if e.roles == nil || e.cfg.RoleThresholds == nil {
		return false
	}

	role, err := e.roles.RoleForUser(ctx, cand.UpdatedBy)
	if err != nil {
		return false
	}

	threshold, ok := e.cfg.RoleThresholds[role]
	if !ok {
		return false
	}

	return cand.Amount.Cmp(threshold) > 0
}

// authorize performs the TOCTOU-safe conditional update; a race (the row
// is no longer pending by the time the update runs) becomes
// skipped_race rather than an error.
func (e *Engine) authorize(ctx context.Context, cand expense.Expense, rule, reason string) DecisionRecord {
	applied, err := e.expenses.ConditionalAuthorize(ctx, cand.ID, e.actorID)
	if err != nil || !applied {
		return e.record(cand, rule, DecisionSkippedRace, "status was no longer pending when the conditional update ran")
	}

	return e.record(cand, rule, DecisionAuthorized, reason)
}

func (e *Engine) record(cand expense.Expense, rule string, decision Decision, reason string) DecisionRecord {
	return DecisionRecord{
		ExpenseID: cand.ID,
		Rule:      rule,
		Decision:  decision,
		Reason:    reason,
		Amount:    cand.Amount,
	}
}
