package expense_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldledger/expensecore/internal/apierr"
	"github.com/fieldledger/expensecore/internal/expense"
	"github.com/fieldledger/expensecore/internal/identity"
	"github.com/fieldledger/expensecore/internal/money"
)

// fakeRepo and fakeTx are hand-written substitutes for a live database,
// mirroring the store's BeginUpdate/Apply/Commit shape in memory.
type fakeRepo struct {
	rows       map[uuid.UUID]expense.Expense
	created    []*expense.Expense
	changeLogs []expense.ChangeLogEntry
	statusLogs []expense.StatusLogEntry
	deleted    map[uuid.UUID]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: map[uuid.UUID]expense.Expense{}, deleted: map[uuid.UUID]bool{}}
}

func (f *fakeRepo) Create(ctx context.Context, e *expense.Expense) error {
	e.ID = uuid.New()
	e.VersionToken = 1
	f.rows[e.ID] = *e
	f.created = append(f.created, e)

	return nil
}

func (f *fakeRepo) CreateBatch(ctx context.Context, expenses []*expense.Expense) error {
	for _, e := range expenses {
		if err := f.Create(ctx, e); err != nil {
			return err
		}
	}

	return nil
}

func (f *fakeRepo) Get(ctx context.Context, id uuid.UUID) (expense.Expense, error) {
	e, ok := f.rows[id]
	if !ok {
		return expense.Expense{}, expense.ErrNotFound
	}

	return e, nil
}

func (f *fakeRepo) List(ctx context.Context, filter expense.ListFilter, page expense.Page) (expense.PageResult, error) {
	var result expense.PageResult
	for _, e := range f.rows {
		result.Expenses = append(result.Expenses, e)
	}

	return result, nil
}

func (f *fakeRepo) AllMatching(ctx context.Context, filter expense.ListFilter) ([]expense.Expense, error) {
	var all []expense.Expense
	for _, e := range f.rows {
		all = append(all, e)
	}

	return all, nil
}

type fakeTx struct {
	repo    *fakeRepo
	current expense.Expense
}

func (f *fakeRepo) BeginUpdate(ctx context.Context, id uuid.UUID) (expense.UpdateTx, error) {
	e, ok := f.rows[id]
	if !ok {
		return nil, expense.ErrNotFound
	}

	return &fakeTx{repo: f, current: e}, nil
}

func (t *fakeTx) Current() expense.Expense { return t.current }

func (t *fakeTx) Apply(ctx context.Context, updated expense.Expense) (expense.Expense, error) {
	updated.VersionToken = t.current.VersionToken + 1
	t.repo.rows[updated.ID] = updated

	return updated, nil
}

func (t *fakeTx) InsertChangeLog(ctx context.Context, entry expense.ChangeLogEntry) error {
	t.repo.changeLogs = append(t.repo.changeLogs, entry)
	return nil
}

func (t *fakeTx) InsertStatusLog(ctx context.Context, entry expense.StatusLogEntry) error {
	t.repo.statusLogs = append(t.repo.statusLogs, entry)
	return nil
}

func (t *fakeTx) SoftDelete(ctx context.Context, id uuid.UUID) error {
	t.repo.deleted[id] = true
	return nil
}

func (t *fakeTx) Commit() error   { return nil }
func (t *fakeTx) Rollback() error { return nil }

type fakeGate struct {
	allow bool
}

func (g *fakeGate) Capability(ctx context.Context, user identity.User, module, action string) (bool, error) {
	return g.allow, nil
}

type fakeScheduler struct {
	auditCalls []uuid.UUID
	authCalls  []uuid.UUID
}

func (f *fakeScheduler) ScheduleAuditReconciliation(ctx context.Context, expenseID uuid.UUID) {
	f.auditCalls = append(f.auditCalls, expenseID)
}

func (f *fakeScheduler) ScheduleAutoAuth(ctx context.Context, projectID uuid.UUID) {
	f.authCalls = append(f.authCalls, projectID)
}

func mustAmount(t *testing.T, s string) money.Amount {
	t.Helper()

	a, err := money.Parse(s)
	require.NoError(t, err)

	return a
}

func TestCreateSchedulesAutoAuth(t *testing.T) {
	repo := newFakeRepo()
	sched := &fakeScheduler{}
	svc := expense.New(repo, &fakeGate{allow: true}, sched)

	projectID := uuid.New()
	user := identity.User{ID: uuid.New(), Role: "bookkeeper"}
	e := &expense.Expense{ProjectID: projectID, TransactionDate: time.Now(), Amount: mustAmount(t, "12.00")}

	require.NoError(t, svc.Create(context.Background(), user, e))
	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.Equal(t, expense.StatusPending, e.Status)
	assert.Equal(t, []uuid.UUID{projectID}, sched.authCalls)
}

func TestCreateDeniedWithoutCapability(t *testing.T) {
	repo := newFakeRepo()
	svc := expense.New(repo, &fakeGate{allow: false}, &fakeScheduler{})

	err := svc.Create(context.Background(), identity.User{ID: uuid.New()}, &expense.Expense{})
	require.Error(t, err)
}

func TestUpdateRejectsStaleVersionToken(t *testing.T) {
	repo := newFakeRepo()
	sched := &fakeScheduler{}
	svc := expense.New(repo, &fakeGate{allow: true}, sched)

	user := identity.User{ID: uuid.New(), Role: "bookkeeper"}
	e := &expense.Expense{ProjectID: uuid.New(), TransactionDate: time.Now(), Amount: mustAmount(t, "12.00")}
	require.NoError(t, svc.Create(context.Background(), user, e))

	_, err := svc.Update(context.Background(), user, e.ID, expense.Patch{
		Description:  strPtr("corrected"),
		VersionToken: e.VersionToken + 99,
	})
	assert.ErrorIs(t, err, expense.ErrConflict)
}

func TestUpdateRejectsInvalidTransition(t *testing.T) {
	repo := newFakeRepo()
	svc := expense.New(repo, &fakeGate{allow: true}, &fakeScheduler{})

	user := identity.User{ID: uuid.New(), Role: "bookkeeper"}
	e := &expense.Expense{ProjectID: uuid.New(), TransactionDate: time.Now(), Amount: mustAmount(t, "12.00"), Status: expense.StatusAuthorized}
	require.NoError(t, svc.Create(context.Background(), user, e))

	pending := expense.StatusPending

	_, err := svc.Update(context.Background(), user, e.ID, expense.Patch{
		Status:       &pending,
		VersionToken: e.VersionToken,
	})
	require.Error(t, err)
}

func TestUpdateRejectsReviewTransitionWithoutReason(t *testing.T) {
	repo := newFakeRepo()
	svc := expense.New(repo, &fakeGate{allow: true}, &fakeScheduler{})

	user := identity.User{ID: uuid.New(), Role: "bookkeeper"}
	e := &expense.Expense{ProjectID: uuid.New(), TransactionDate: time.Now(), Amount: mustAmount(t, "12.00"), Status: expense.StatusPending}
	require.NoError(t, svc.Create(context.Background(), user, e))

	review := expense.StatusReview

	_, err := svc.SetStatus(context.Background(), user, e.ID, review, nil, e.VersionToken)
	require.Error(t, err)

	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.Validation, apiErr.Kind)
}

func TestBookkeeperEditingAuthorizedRowForcesReview(t *testing.T) {
	repo := newFakeRepo()
	svc := expense.New(repo, &fakeGate{allow: true}, &fakeScheduler{})

	user := identity.User{ID: uuid.New(), Role: "bookkeeper"}
	e := &expense.Expense{ProjectID: uuid.New(), TransactionDate: time.Now(), Amount: mustAmount(t, "12.00"), Status: expense.StatusAuthorized}
	require.NoError(t, svc.Create(context.Background(), user, e))

	updated, err := svc.Update(context.Background(), user, e.ID, expense.Patch{
		Description:  strPtr("changed line item"),
		VersionToken: e.VersionToken,
	})
	require.NoError(t, err)
	assert.Equal(t, expense.StatusReview, updated.Status)
	assert.Nil(t, updated.AuthorizerID)
	require.Len(t, repo.statusLogs, 1)
	assert.Equal(t, expense.StatusReview, repo.statusLogs[0].NewStatus)
}

func TestValidTransitionForbidsAuthorizedToPending(t *testing.T) {
	assert.False(t, expense.ValidTransition(expense.StatusAuthorized, expense.StatusPending))
	assert.True(t, expense.ValidTransition(expense.StatusReview, expense.StatusPending))
}

func TestSummariesGroupsByAccountForTypeDimension(t *testing.T) {
	repo := newFakeRepo()
	svc := expense.New(repo, &fakeGate{allow: true}, &fakeScheduler{})

	user := identity.User{ID: uuid.New(), Role: "bookkeeper"}
	accountID := uuid.New()

	e1 := &expense.Expense{ProjectID: uuid.New(), TransactionDate: time.Now(), Amount: mustAmount(t, "10.00"), AccountID: &accountID}
	e2 := &expense.Expense{ProjectID: uuid.New(), TransactionDate: time.Now(), Amount: mustAmount(t, "5.00"), AccountID: &accountID}
	require.NoError(t, svc.Create(context.Background(), user, e1))
	require.NoError(t, svc.Create(context.Background(), user, e2))

	rows, err := svc.Summaries(context.Background(), user, expense.ListFilter{}, expense.SummaryByType)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].Count)
	assert.Equal(t, accountID.String(), rows[0].Key)
}

func strPtr(s string) *string { return &s }
