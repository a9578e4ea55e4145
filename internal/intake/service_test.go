package intake_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldledger/expensecore/internal/categorization"
	"github.com/fieldledger/expensecore/internal/expense"
	"github.com/fieldledger/expensecore/internal/identity"
	"github.com/fieldledger/expensecore/internal/intake"
	"github.com/fieldledger/expensecore/internal/money"
	"github.com/fieldledger/expensecore/internal/ocr"
)

type fakeRepo struct {
	byID       map[uuid.UUID]intake.Intake
	byHash     map[string]intake.Intake
	matchFound bool
	linked     map[uuid.UUID][]uuid.UUID
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{byID: map[uuid.UUID]intake.Intake{}, byHash: map[string]intake.Intake{}, linked: map[uuid.UUID][]uuid.UUID{}}
}

func (f *fakeRepo) Create(ctx context.Context, in *intake.Intake) error {
	in.ID = uuid.New()
	in.CreatedAt = time.Now()
	f.byID[in.ID] = *in
	f.byHash[in.ProjectID.String()+"|"+in.FileHash] = *in

	return nil
}

func (f *fakeRepo) Get(ctx context.Context, id uuid.UUID) (intake.Intake, error) {
	in, ok := f.byID[id]
	if !ok {
		return intake.Intake{}, intake.ErrNotFound
	}

	return in, nil
}

func (f *fakeRepo) FindNonTerminalByHash(ctx context.Context, projectID uuid.UUID, hash string) (intake.Intake, bool, error) {
	in, ok := f.byHash[projectID.String()+"|"+hash]
	return in, ok, nil
}

func (f *fakeRepo) FindRecentExpenseMatch(ctx context.Context, projectID uuid.UUID, match intake.ExpenseMatch, since time.Time) (bool, error) {
	return f.matchFound, nil
}

func (f *fakeRepo) UpdateStatus(ctx context.Context, id uuid.UUID, newStatus intake.Status) error {
	in := f.byID[id]
	in.Status = newStatus
	f.byID[id] = in

	return nil
}

func (f *fakeRepo) SetExtraction(ctx context.Context, id uuid.UUID, extractedText string, parsedFields map[string]any, matchType ocr.MatchType, newStatus intake.Status) error {
	in := f.byID[id]
	in.ExtractedText = &extractedText
	in.ParsedFields = parsedFields
	in.TotalMatchType = &matchType
	in.Status = newStatus
	f.byID[id] = in

	return nil
}

func (f *fakeRepo) LinkExpenses(ctx context.Context, id uuid.UUID, expenseIDs []uuid.UUID) error {
	f.linked[id] = expenseIDs
	in := f.byID[id]
	in.CreatedExpenseIDs = expenseIDs
	in.Status = intake.StatusLinked
	f.byID[id] = in

	return nil
}

func (f *fakeRepo) Mark(ctx context.Context, id uuid.UUID, newStatus intake.Status) error {
	return f.UpdateStatus(ctx, id, newStatus)
}

type fakeBlobs struct {
	stored map[string][]byte
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{stored: map[string][]byte{}} }

func (b *fakeBlobs) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	b.stored[key] = data

	return nil
}

func (b *fakeBlobs) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	return io.NopCloser(bytes.NewReader(b.stored[key])), "text/plain", nil
}

func (b *fakeBlobs) Delete(ctx context.Context, key string) error {
	delete(b.stored, key)
	return nil
}

type fakeExtractor struct {
	record ocr.Record
	err    error
}

func (f *fakeExtractor) Extract(ctx context.Context, in ocr.Input) (ocr.Record, error) {
	return f.record, f.err
}

type fakeCategorizer struct {
	decisions []categorization.Decision
}

func (f *fakeCategorizer) Categorize(ctx context.Context, rows []categorization.Row) ([]categorization.Decision, categorization.Aggregate, error) {
	return f.decisions, categorization.Aggregate{}, nil
}

type fakeExpenseCreator struct {
	batches [][]*expense.Expense
}

func (f *fakeExpenseCreator) CreateBatch(ctx context.Context, user identity.User, expenses []*expense.Expense) error {
	for _, e := range expenses {
		e.ID = uuid.New()
	}

	f.batches = append(f.batches, expenses)

	return nil
}

type fakeVendors struct {
	id uuid.UUID
}

func (f *fakeVendors) ResolveVendor(ctx context.Context, projectID uuid.UUID, name string) (uuid.UUID, error) {
	return f.id, nil
}

type fakeGate struct{ allow bool }

func (g *fakeGate) Capability(ctx context.Context, user identity.User, module, action string) (bool, error) {
	return g.allow, nil
}

type fakeScheduler struct {
	processCalls      []uuid.UUID
	autoAuthCalls     []uuid.UUID
	reconcileCalls    []uuid.UUID
}

func (s *fakeScheduler) ScheduleProcessIntake(ctx context.Context, intakeID uuid.UUID) {
	s.processCalls = append(s.processCalls, intakeID)
}

func (s *fakeScheduler) ScheduleAutoAuth(ctx context.Context, projectID uuid.UUID) {
	s.autoAuthCalls = append(s.autoAuthCalls, projectID)
}

func (s *fakeScheduler) ScheduleReconciliation(ctx context.Context, intakeID uuid.UUID) {
	s.reconcileCalls = append(s.reconcileCalls, intakeID)
}

func mustAmount(t *testing.T, s string) money.Amount {
	t.Helper()

	a, err := money.Parse(s)
	require.NoError(t, err)

	return a
}

func TestUploadDetectsHashDuplicate(t *testing.T) {
	repo := newFakeRepo()
	blobs := newFakeBlobs()
	sched := &fakeScheduler{}
	svc := intake.New(repo, blobs, &fakeExtractor{}, &fakeCategorizer{}, &fakeExpenseCreator{}, &fakeVendors{}, &fakeGate{allow: true}, sched)

	user := identity.User{ID: uuid.New(), Role: "uploader"}
	projectID := uuid.New()
	blob := []byte("receipt bytes")

	first, err := svc.Upload(context.Background(), user, projectID, blob, "text/plain", false)
	require.NoError(t, err)
	assert.Equal(t, intake.StatusPending, first.Status)
	assert.Len(t, sched.processCalls, 1)

	second, err := svc.Upload(context.Background(), user, projectID, blob, "text/plain", false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, sched.processCalls, 1, "a hash duplicate must not enqueue a second processing run")
}

func TestProcessCreatesExpensesAndLinksPartially(t *testing.T) {
	repo := newFakeRepo()
	blobs := newFakeBlobs()
	sched := &fakeScheduler{}

	accountID := uuid.New()
	categorizer := &fakeCategorizer{decisions: []categorization.Decision{
		{RowIndex: 0, AccountID: accountID, Confidence: 90, Source: categorization.SourceCache},
		{RowIndex: 1, Warning: "exhausted"},
	}}

	record := ocr.Record{
		Vendor:           "Home Depot",
		VendorConfidence: 95,
		Date:             time.Now(),
		Total:            mustAmount(t, "41.11"),
		TotalMatchType:   ocr.MatchTotal,
		LineItems: []ocr.LineItem{
			{Description: "2x4 lumber", LineTotal: mustAmount(t, "20.00")},
			{Description: "unrecognized item", LineTotal: mustAmount(t, "18.42")},
		},
	}

	expCreator := &fakeExpenseCreator{}
	svc := intake.New(repo, blobs, &fakeExtractor{record: record}, categorizer, expCreator, &fakeVendors{id: uuid.New()}, &fakeGate{allow: true}, sched)

	user := identity.User{ID: uuid.New(), Role: "uploader"}
	projectID := uuid.New()

	uploaded, err := svc.Upload(context.Background(), user, projectID, []byte("receipt"), "text/plain", false)
	require.NoError(t, err)

	result, err := svc.Process(context.Background(), user, uploaded.ID)
	require.NoError(t, err)
	assert.Equal(t, intake.StatusLinked, result.Status)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Skipped)
	require.Len(t, result.Reasons, 1)

	linked := repo.linked[uploaded.ID]
	require.Len(t, linked, 1)
	assert.Len(t, sched.autoAuthCalls, 1)
}

func TestProcessRoutesLowConfidenceToCheckReview(t *testing.T) {
	repo := newFakeRepo()
	blobs := newFakeBlobs()
	sched := &fakeScheduler{}

	record := ocr.Record{Vendor: "Unknown Vendor", VendorConfidence: 40, Total: mustAmount(t, "10.00")}

	svc := intake.New(repo, blobs, &fakeExtractor{record: record}, &fakeCategorizer{}, &fakeExpenseCreator{}, &fakeVendors{}, &fakeGate{allow: true}, sched)

	user := identity.User{ID: uuid.New()}
	projectID := uuid.New()

	uploaded, err := svc.Upload(context.Background(), user, projectID, []byte("receipt"), "text/plain", false)
	require.NoError(t, err)

	result, err := svc.Process(context.Background(), user, uploaded.ID)
	require.NoError(t, err)
	assert.Equal(t, intake.StatusCheckReview, result.Status)
}

func TestValidTransitionAllowsManualRejectFromAnyNonTerminalState(t *testing.T) {
	assert.True(t, intake.ValidTransition(intake.StatusPending, intake.StatusRejected))
	assert.True(t, intake.ValidTransition(intake.StatusReady, intake.StatusRejected))
	assert.False(t, intake.ValidTransition(intake.StatusLinked, intake.StatusRejected))
}
