package autoauth_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldledger/expensecore/internal/autoauth"
	"github.com/fieldledger/expensecore/internal/expense"
	"github.com/fieldledger/expensecore/internal/money"
)

type fakeExpenses struct {
	candidates []expense.Expense
	duplicate  map[uuid.UUID]bool
	match      map[uuid.UUID]expense.Expense // optional: the exact-duplicate match to return, overriding the auto-generated one
	pendingSet map[uuid.UUID]bool
	authorized []uuid.UUID
}

func newFakeExpenses(candidates ...expense.Expense) *fakeExpenses {
	pending := map[uuid.UUID]bool{}
	for _, c := range candidates {
		pending[c.ID] = true
	}

	return &fakeExpenses{candidates: candidates, duplicate: map[uuid.UUID]bool{}, match: map[uuid.UUID]expense.Expense{}, pendingSet: pending}
}

func (f *fakeExpenses) PendingCandidates(ctx context.Context, projectID uuid.UUID, window *autoauth.TimeWindow) ([]expense.Expense, error) {
	return f.candidates, nil
}

func (f *fakeExpenses) FindExactDuplicate(ctx context.Context, e expense.Expense) (expense.Expense, bool, error) {
	if !f.duplicate[e.ID] {
		return expense.Expense{}, false, nil
	}

	if match, ok := f.match[e.ID]; ok {
		return match, true, nil
	}

	return expense.Expense{ID: uuid.New()}, true, nil
}

func (f *fakeExpenses) ConditionalAuthorize(ctx context.Context, expenseID uuid.UUID, actorID uuid.UUID) (bool, error) {
	if !f.pendingSet[expenseID] {
		return false, nil
	}

	f.pendingSet[expenseID] = false
	f.authorized = append(f.authorized, expenseID)

	return true, nil
}

type fakeBills struct {
	hints map[uuid.UUID]autoauth.BillHint
}

func (f *fakeBills) FindBillHint(ctx context.Context, e expense.Expense) (autoauth.BillHint, bool, error) {
	hint, ok := f.hints[e.ID]
	return hint, ok, nil
}

type fakeReceipts struct {
	sufficient map[uuid.UUID]bool
}

func (f *fakeReceipts) IsReceiptSufficient(ctx context.Context, expenseID uuid.UUID) (bool, error) {
	return f.sufficient[expenseID], nil
}

type fakeReceiptHashes struct {
	hashes map[uuid.UUID]string
}

func (f *fakeReceiptHashes) ReceiptHashForExpense(ctx context.Context, expenseID uuid.UUID) (string, bool, error) {
	hash, ok := f.hashes[expenseID]
	return hash, ok, nil
}

type fakeVendors struct {
	names map[uuid.UUID]string
}

func (f *fakeVendors) VendorName(ctx context.Context, vendorID uuid.UUID) (string, error) {
	return f.names[vendorID], nil
}

type fakeRoles struct {
	role string
}

func (f *fakeRoles) RoleForUser(ctx context.Context, userID uuid.UUID) (string, error) {
	return f.role, nil
}

type fakeNotifier struct {
	missingInfo []uuid.UUID
	escalations []uuid.UUID
}

func (n *fakeNotifier) NotifyMissingInfo(ctx context.Context, expenseID uuid.UUID, missingFields []string) error {
	n.missingInfo = append(n.missingInfo, expenseID)
	return nil
}

func (n *fakeNotifier) NotifyEscalation(ctx context.Context, expenseID uuid.UUID, reason string) error {
	n.escalations = append(n.escalations, expenseID)
	return nil
}

type fakeReports struct {
	saved *autoauth.AuthReport
}

func (r *fakeReports) SaveReport(ctx context.Context, report *autoauth.AuthReport) error {
	report.ID = uuid.New()
	report.CreatedAt = time.Now()
	r.saved = report

	return nil
}

type fakeDigests struct {
	scheduled []uuid.UUID
}

func (d *fakeDigests) ScheduleDigest(ctx context.Context, projectID uuid.UUID) {
	d.scheduled = append(d.scheduled, projectID)
}

func mustAmount(t *testing.T, s string) money.Amount {
	t.Helper()

	a, err := money.Parse(s)
	require.NoError(t, err)

	return a
}

func baseCandidate(projectID uuid.UUID, vendorID, accountID *uuid.UUID, amount money.Amount) expense.Expense {
	return expense.Expense{
		ID:              uuid.New(),
		ProjectID:       projectID,
		TransactionDate: time.Now(),
		Amount:          amount,
		VendorID:        vendorID,
		AccountID:       accountID,
		Description:     "lumber",
		UpdatedBy:       uuid.New(),
		Status:          expense.StatusPending,
		CreatedAt:       time.Now(),
	}
}

func defaultConfig() autoauth.Config {
	return autoauth.Config{
		BillAuthEnabled:      true,
		RoleThresholds:       map[string]money.Amount{},
		EscalationAccounts:   map[uuid.UUID]bool{},
		HealthSweepAge:       30 * 24 * time.Hour,
		VendorFuzzyThreshold: 85,
		DateTolerance:        72 * time.Hour,
	}
}

func newEngine(t *testing.T, expenses *fakeExpenses, bills *fakeBills, receipts *fakeReceipts, vendors *fakeVendors, roles *fakeRoles, notifier *fakeNotifier, reports *fakeReports, digests *fakeDigests, cfg autoauth.Config) *autoauth.Engine {
	t.Helper()
	return autoauth.New(expenses, bills, receipts, nil, vendors, roles, notifier, reports, digests, cfg, uuid.New())
}

func TestRunAuthorizesExactDuplicateAsDuplicateNotAuthorized(t *testing.T) {
	projectID := uuid.New()
	vendorID := uuid.New()
	accountID := uuid.New()
	cand := baseCandidate(projectID, &vendorID, &accountID, mustAmount(t, "50.00"))

	expenses := newFakeExpenses(cand)
	expenses.duplicate[cand.ID] = true

	reports := &fakeReports{}
	digests := &fakeDigests{}

	engine := newEngine(t, expenses, &fakeBills{}, &fakeReceipts{}, &fakeVendors{}, &fakeRoles{}, &fakeNotifier{}, reports, digests, defaultConfig())

	report, err := engine.Run(context.Background(), projectID, nil)
	require.NoError(t, err)
	require.Len(t, report.Decisions, 1)
	assert.Equal(t, autoauth.DecisionDuplicate, report.Decisions[0].Decision)
	assert.Equal(t, autoauth.RuleExactDup, report.Decisions[0].Rule)
	assert.Empty(t, expenses.authorized, "a duplicate must never be conditionally authorized")
}

func TestRunDoesNotFlagSplitInvoiceAsDuplicate(t *testing.T) {
	projectID := uuid.New()
	vendorID := uuid.New()
	accountID := uuid.New()
	candBill := uuid.New()
	matchBill := uuid.New()

	cand := baseCandidate(projectID, &vendorID, &accountID, mustAmount(t, "50.00"))
	cand.BillID = &candBill
	matchID := uuid.New()
	match := baseCandidate(projectID, &vendorID, &accountID, mustAmount(t, "50.00"))
	match.ID = matchID
	match.BillID = &matchBill

	expenses := newFakeExpenses(cand)
	expenses.duplicate[cand.ID] = true
	expenses.match[cand.ID] = match

	hashes := &fakeReceiptHashes{hashes: map[uuid.UUID]string{
		cand.ID: "hash-a",
		matchID: "hash-b",
	}}

	reports := &fakeReports{}
	digests := &fakeDigests{}

	engine := autoauth.New(expenses, &fakeBills{}, &fakeReceipts{}, hashes, &fakeVendors{}, &fakeRoles{}, &fakeNotifier{}, reports, digests, defaultConfig(), uuid.New())

	report, err := engine.Run(context.Background(), projectID, nil)
	require.NoError(t, err)
	assert.Empty(t, report.Decisions, "distinct receipt files under different bills must not be flagged as a duplicate")
}

func TestRunFlagsSameReceiptFileUnderDifferentBillsAsDuplicate(t *testing.T) {
	projectID := uuid.New()
	vendorID := uuid.New()
	accountID := uuid.New()
	candBill := uuid.New()
	matchBill := uuid.New()

	cand := baseCandidate(projectID, &vendorID, &accountID, mustAmount(t, "50.00"))
	cand.BillID = &candBill
	matchID := uuid.New()
	match := baseCandidate(projectID, &vendorID, &accountID, mustAmount(t, "50.00"))
	match.ID = matchID
	match.BillID = &matchBill

	expenses := newFakeExpenses(cand)
	expenses.duplicate[cand.ID] = true
	expenses.match[cand.ID] = match

	hashes := &fakeReceiptHashes{hashes: map[uuid.UUID]string{
		cand.ID: "hash-a",
		matchID: "hash-a",
	}}

	reports := &fakeReports{}
	digests := &fakeDigests{}

	engine := autoauth.New(expenses, &fakeBills{}, &fakeReceipts{}, hashes, &fakeVendors{}, &fakeRoles{}, &fakeNotifier{}, reports, digests, defaultConfig(), uuid.New())

	report, err := engine.Run(context.Background(), projectID, nil)
	require.NoError(t, err)
	require.Len(t, report.Decisions, 1)
	assert.Equal(t, autoauth.DecisionDuplicate, report.Decisions[0].Decision)
}

func TestRunAuthorizesOnBillHintMatchByID(t *testing.T) {
	projectID := uuid.New()
	vendorID := uuid.New()
	accountID := uuid.New()
	cand := baseCandidate(projectID, &vendorID, &accountID, mustAmount(t, "120.00"))

	expenses := newFakeExpenses(cand)
	bills := &fakeBills{hints: map[uuid.UUID]autoauth.BillHint{cand.ID: {MatchedByID: true}}}

	reports := &fakeReports{}
	digests := &fakeDigests{}

	engine := newEngine(t, expenses, bills, &fakeReceipts{}, &fakeVendors{}, &fakeRoles{}, &fakeNotifier{}, reports, digests, defaultConfig())

	report, err := engine.Run(context.Background(), projectID, nil)
	require.NoError(t, err)
	require.Len(t, report.Decisions, 1)
	assert.Equal(t, autoauth.DecisionAuthorized, report.Decisions[0].Decision)
	assert.Equal(t, autoauth.RuleBillHint, report.Decisions[0].Rule)
	assert.Equal(t, []uuid.UUID{cand.ID}, expenses.authorized)
	assert.Len(t, digests.scheduled, 1)
}

func TestRunAuthorizesOnBillHintFuzzyVendorMatch(t *testing.T) {
	projectID := uuid.New()
	vendorID := uuid.New()
	accountID := uuid.New()
	cand := baseCandidate(projectID, &vendorID, &accountID, mustAmount(t, "75.00"))

	bills := &fakeBills{hints: map[uuid.UUID]autoauth.BillHint{
		cand.ID: {VendorName: "Home Depot Inc", Amount: mustAmount(t, "75.00"), Date: cand.TransactionDate},
	}}
	vendors := &fakeVendors{names: map[uuid.UUID]string{vendorID: "Home Depot Inc."}}

	expenses := newFakeExpenses(cand)
	reports := &fakeReports{}
	digests := &fakeDigests{}

	engine := newEngine(t, expenses, bills, &fakeReceipts{}, vendors, &fakeRoles{}, &fakeNotifier{}, reports, digests, defaultConfig())

	report, err := engine.Run(context.Background(), projectID, nil)
	require.NoError(t, err)
	require.Len(t, report.Decisions, 1)
	assert.Equal(t, autoauth.DecisionAuthorized, report.Decisions[0].Decision)
}

func TestRunSkipsRaceWhenAlreadyAuthorizedConcurrently(t *testing.T) {
	projectID := uuid.New()
	vendorID := uuid.New()
	accountID := uuid.New()
	cand := baseCandidate(projectID, &vendorID, &accountID, mustAmount(t, "30.00"))

	expenses := newFakeExpenses(cand)
	expenses.pendingSet[cand.ID] = false // a concurrent human action already moved it off pending

	bills := &fakeBills{hints: map[uuid.UUID]autoauth.BillHint{cand.ID: {MatchedByID: true}}}

	reports := &fakeReports{}
	digests := &fakeDigests{}

	engine := newEngine(t, expenses, bills, &fakeReceipts{}, &fakeVendors{}, &fakeRoles{}, &fakeNotifier{}, reports, digests, defaultConfig())

	report, err := engine.Run(context.Background(), projectID, nil)
	require.NoError(t, err)
	require.Len(t, report.Decisions, 1)
	assert.Equal(t, autoauth.DecisionSkippedRace, report.Decisions[0].Decision)
}

func TestRunAuthorizesOnSufficientReceipt(t *testing.T) {
	projectID := uuid.New()
	vendorID := uuid.New()
	accountID := uuid.New()
	cand := baseCandidate(projectID, &vendorID, &accountID, mustAmount(t, "15.00"))

	expenses := newFakeExpenses(cand)
	receipts := &fakeReceipts{sufficient: map[uuid.UUID]bool{cand.ID: true}}

	reports := &fakeReports{}
	digests := &fakeDigests{}

	cfg := defaultConfig()
	cfg.BillAuthEnabled = false

	engine := newEngine(t, expenses, &fakeBills{}, receipts, &fakeVendors{}, &fakeRoles{}, &fakeNotifier{}, reports, digests, cfg)

	report, err := engine.Run(context.Background(), projectID, nil)
	require.NoError(t, err)
	require.Len(t, report.Decisions, 1)
	assert.Equal(t, autoauth.RuleReceiptSufficient, report.Decisions[0].Rule)
	assert.Equal(t, autoauth.DecisionAuthorized, report.Decisions[0].Decision)
}

func TestRunFlagsMissingVendorAsMissingInfo(t *testing.T) {
	projectID := uuid.New()
	cand := baseCandidate(projectID, nil, nil, mustAmount(t, "15.00"))

	expenses := newFakeExpenses(cand)
	notifier := &fakeNotifier{}
	reports := &fakeReports{}
	digests := &fakeDigests{}

	cfg := defaultConfig()
	cfg.BillAuthEnabled = false

	engine := newEngine(t, expenses, &fakeBills{}, &fakeReceipts{}, &fakeVendors{}, &fakeRoles{}, notifier, reports, digests, cfg)

	report, err := engine.Run(context.Background(), projectID, nil)
	require.NoError(t, err)
	require.Len(t, report.Decisions, 1)
	assert.Equal(t, autoauth.DecisionMissingInfo, report.Decisions[0].Decision)
	assert.Len(t, notifier.missingInfo, 1)
}

func TestRunEscalatesAboveRoleThreshold(t *testing.T) {
	projectID := uuid.New()
	vendorID := uuid.New()
	accountID := uuid.New()
	cand := baseCandidate(projectID, &vendorID, &accountID, mustAmount(t, "5000.00"))
	cand.UpdatedBy = uuid.New()

	expenses := newFakeExpenses(cand)
	notifier := &fakeNotifier{}
	reports := &fakeReports{}
	digests := &fakeDigests{}

	cfg := defaultConfig()
	cfg.BillAuthEnabled = false
	cfg.RoleThresholds = map[string]money.Amount{"field_worker": mustAmount(t, "1000.00")}

	engine := newEngine(t, expenses, &fakeBills{}, &fakeReceipts{}, &fakeVendors{}, &fakeRoles{role: "field_worker"}, notifier, reports, digests, cfg)

	report, err := engine.Run(context.Background(), projectID, nil)
	require.NoError(t, err)
	require.Len(t, report.Decisions, 1)
	assert.Equal(t, autoauth.DecisionEscalated, report.Decisions[0].Decision)
	assert.Equal(t, autoauth.RulePolicyEscalate, report.Decisions[0].Rule)
	assert.Len(t, notifier.escalations, 1)
}

func TestRunHealthSweepEscalatesStalePending(t *testing.T) {
	projectID := uuid.New()
	vendorID := uuid.New()
	accountID := uuid.New()
	cand := baseCandidate(projectID, &vendorID, &accountID, mustAmount(t, "15.00"))
	cand.CreatedAt = time.Now().Add(-60 * 24 * time.Hour)

	expenses := newFakeExpenses(cand)
	notifier := &fakeNotifier{}
	reports := &fakeReports{}
	digests := &fakeDigests{}

	cfg := defaultConfig()
	cfg.BillAuthEnabled = false

	engine := newEngine(t, expenses, &fakeBills{}, &fakeReceipts{}, &fakeVendors{}, &fakeRoles{}, notifier, reports, digests, cfg)

	report, err := engine.Run(context.Background(), projectID, nil)
	require.NoError(t, err)
	require.Len(t, report.Decisions, 1)
	assert.Equal(t, autoauth.RuleHealth, report.Decisions[0].Rule)
}

func TestRunOmitsCandidateWhenNoRuleFires(t *testing.T) {
	projectID := uuid.New()
	vendorID := uuid.New()
	accountID := uuid.New()
	cand := baseCandidate(projectID, &vendorID, &accountID, mustAmount(t, "15.00"))

	expenses := newFakeExpenses(cand)
	reports := &fakeReports{}
	digests := &fakeDigests{}

	cfg := defaultConfig()
	cfg.BillAuthEnabled = false

	engine := newEngine(t, expenses, &fakeBills{}, &fakeReceipts{}, &fakeVendors{}, &fakeRoles{}, &fakeNotifier{}, reports, digests, cfg)

	report, err := engine.Run(context.Background(), projectID, nil)
	require.NoError(t, err)
	assert.Empty(t, report.Decisions, "no rule fired, so the candidate is left untouched and unreported")
	assert.Empty(t, digests.scheduled, "nothing to digest when no rule fired")
}
