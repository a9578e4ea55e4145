package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldledger/expensecore/internal/agents"
	"github.com/fieldledger/expensecore/internal/autoauth"
	"github.com/fieldledger/expensecore/internal/expense"
	"github.com/fieldledger/expensecore/internal/identity"
	"github.com/fieldledger/expensecore/internal/intake"
	"github.com/fieldledger/expensecore/internal/messaging"
	"github.com/fieldledger/expensecore/internal/orchestrator"
)

type fakeQueue struct {
	jobs      []orchestrator.Job
	done      []string
	failed    []string
	failedErr error
}

func (q *fakeQueue) ClaimNext(ctx context.Context) (orchestrator.Job, error) {
	if len(q.jobs) == 0 {
		return orchestrator.Job{}, orchestrator.ErrNoJob
	}

	j := q.jobs[0]
	q.jobs = q.jobs[1:]

	return j, nil
}

func (q *fakeQueue) MarkDone(ctx context.Context, id string) error {
	q.done = append(q.done, id)
	return nil
}

func (q *fakeQueue) MarkFailed(ctx context.Context, id string, attempts int, cause error, cfg orchestrator.Config) error {
	q.failed = append(q.failed, id)
	q.failedErr = cause

	return nil
}

func newJob(name string, payload any) orchestrator.Job {
	data, _ := json.Marshal(payload)
	return orchestrator.Job{ID: uuid.New().String(), Name: name, Payload: data}
}

func testCfg() orchestrator.Config {
	return orchestrator.Config{
		PollInterval:         10 * time.Millisecond,
		MaxAttempts:          3,
		BackoffBase:          time.Second,
		OverrideScanInterval: time.Hour,
		OverrideScanWindow:   24 * time.Hour,
	}
}

func TestDrainDueJobsRunsHandlerAndMarksDone(t *testing.T) {
	queue := &fakeQueue{jobs: []orchestrator.Job{newJob("noop", nil)}}

	ran := false
	handlers := map[string]orchestrator.Handler{
		"noop": func(ctx context.Context, payload json.RawMessage) error {
			ran = true
			return nil
		},
	}

	eng := orchestrator.New(queue, handlers, testCfg(), nil, uuid.New())
	eng.DrainDueJobs(context.Background())

	assert.True(t, ran)
	assert.Len(t, queue.done, 1)
	assert.Empty(t, queue.failed)
}

func TestDrainDueJobsMarksFailedOnHandlerError(t *testing.T) {
	queue := &fakeQueue{jobs: []orchestrator.Job{newJob("boom", nil)}}

	handlers := map[string]orchestrator.Handler{
		"boom": func(ctx context.Context, payload json.RawMessage) error {
			return errors.New("downstream exploded")
		},
	}

	eng := orchestrator.New(queue, handlers, testCfg(), nil, uuid.New())
	eng.DrainDueJobs(context.Background())

	assert.Empty(t, queue.done)
	assert.Len(t, queue.failed, 1)
	assert.ErrorContains(t, queue.failedErr, "downstream exploded")
}

func TestDrainDueJobsFailsUnknownJobName(t *testing.T) {
	queue := &fakeQueue{jobs: []orchestrator.Job{newJob("mystery", nil)}}

	eng := orchestrator.New(queue, map[string]orchestrator.Handler{}, testCfg(), nil, uuid.New())
	eng.DrainDueJobs(context.Background())

	assert.Len(t, queue.failed, 1)
}

type fakeOverrideStore struct {
	candidates []autoauth.OverrideCandidate
	recorded   []uuid.UUID
}

func (f *fakeOverrideStore) HumanOverridesSince(ctx context.Context, since time.Time, systemActorID uuid.UUID) ([]autoauth.OverrideCandidate, error) {
	return f.candidates, nil
}

func (f *fakeOverrideStore) RecordOverride(ctx context.Context, expenseID uuid.UUID, originalRule, originalStatus string, newStatus expense.Status, actorID uuid.UUID) error {
	f.recorded = append(f.recorded, expenseID)
	return nil
}

func TestSweepOverridesRecordsEveryCandidate(t *testing.T) {
	expenseA, expenseB := uuid.New(), uuid.New()
	latest := time.Now()

	store := &fakeOverrideStore{candidates: []autoauth.OverrideCandidate{
		{ExpenseID: expenseA, Rule: autoauth.RuleExactDup, Decision: autoauth.DecisionAuthorized, NewStatus: expense.StatusReview, ChangedAt: latest.Add(-time.Hour)},
		{ExpenseID: expenseB, Rule: autoauth.RuleBillHint, Decision: autoauth.DecisionAuthorized, NewStatus: expense.StatusReview, ChangedAt: latest},
	}}

	eng := orchestrator.New(&fakeQueue{}, map[string]orchestrator.Handler{}, testCfg(), store, uuid.New())

	require.NoError(t, eng.SweepOverrides(context.Background()))
	assert.ElementsMatch(t, []uuid.UUID{expenseA, expenseB}, store.recorded)
}

type fakeEnqueuer struct {
	names []string
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, jobName string, payload any) error {
	f.names = append(f.names, jobName)
	return nil
}

func TestSchedulerMapsEachCollaboratorCallToItsNamedJob(t *testing.T) {
	enq := &fakeEnqueuer{}
	sched := orchestrator.NewScheduler(enq)

	ctx := context.Background()
	sched.ScheduleAuditReconciliation(ctx, uuid.New())
	sched.ScheduleAutoAuth(ctx, uuid.New())
	sched.ScheduleProcessIntake(ctx, uuid.New())
	sched.ScheduleReconciliation(ctx, uuid.New())
	sched.ScheduleDigest(ctx, uuid.New())
	require.NoError(t, sched.Enqueue(ctx, "fan_out_push_notifications", nil))

	assert.Equal(t, []string{
		orchestrator.JobWriteStatusLog,
		orchestrator.JobTriggerAutoAuth,
		orchestrator.JobProcessReceiptIntake,
		orchestrator.JobReconcileMismatch,
		orchestrator.JobSendChatDigest,
		"fan_out_push_notifications",
	}, enq.names)
}

// Structural interface checks: Scheduler must satisfy every Schedule*-style
// collaborator interface this service defines, without an adapter type.
func TestSchedulerImplementsEveryCollaboratorInterface(t *testing.T) {
	var _ expense.AuditScheduler = orchestrator.NewScheduler(&fakeEnqueuer{})
	var _ intake.Scheduler = orchestrator.NewScheduler(&fakeEnqueuer{})
	var _ autoauth.DigestScheduler = orchestrator.NewScheduler(&fakeEnqueuer{})
	var _ messaging.JobEnqueuer = orchestrator.NewScheduler(&fakeEnqueuer{})
}

type fakeAutoAuth struct {
	called  bool
	project uuid.UUID
}

func (f *fakeAutoAuth) Run(ctx context.Context, projectID uuid.UUID, window *autoauth.TimeWindow) (autoauth.AuthReport, error) {
	f.called = true
	f.project = projectID

	return autoauth.AuthReport{ProjectID: projectID}, nil
}

func TestHandleTriggerAutoAuthRunsEngine(t *testing.T) {
	runner := &fakeAutoAuth{}
	handlers := orchestrator.BuildHandlers(orchestrator.Collaborators{AutoAuth: runner})

	projectID := uuid.New()
	payload, _ := json.Marshal(map[string]any{"project_id": projectID})

	require.NoError(t, handlers[orchestrator.JobTriggerAutoAuth](context.Background(), payload))
	assert.True(t, runner.called)
	assert.Equal(t, projectID, runner.project)
}

func TestHandleTriggerAutoAuthErrorsWhenUnwired(t *testing.T) {
	handlers := orchestrator.BuildHandlers(orchestrator.Collaborators{})

	payload, _ := json.Marshal(map[string]any{"project_id": uuid.New()})
	err := handlers[orchestrator.JobTriggerAutoAuth](context.Background(), payload)
	require.Error(t, err)
}

type fakeAffinity struct {
	refreshed uuid.UUID
}

func (f *fakeAffinity) Refresh(ctx context.Context, vendorID uuid.UUID) error {
	f.refreshed = vendorID
	return nil
}

func TestHandleRefreshAffinity(t *testing.T) {
	aff := &fakeAffinity{}
	handlers := orchestrator.BuildHandlers(orchestrator.Collaborators{Affinity: aff})

	vendorID := uuid.New()
	payload, _ := json.Marshal(map[string]any{"vendor_id": vendorID})

	require.NoError(t, handlers[orchestrator.JobRefreshAffinity](context.Background(), payload))
	assert.Equal(t, vendorID, aff.refreshed)
}

type fakeCache struct {
	sweepCalled      bool
	invalidatedNames []string
}

func (f *fakeCache) Sweep(ctx context.Context) (int64, error) {
	f.sweepCalled = true
	return 3, nil
}

func (f *fakeCache) InvalidateForVendor(ctx context.Context, vendorName string) (int64, error) {
	f.invalidatedNames = append(f.invalidatedNames, vendorName)
	return 1, nil
}

func TestHandleCleanupCacheTombstonesSweeps(t *testing.T) {
	c := &fakeCache{}
	handlers := orchestrator.BuildHandlers(orchestrator.Collaborators{Cache: c})

	require.NoError(t, handlers[orchestrator.JobCleanupCacheTombstones](context.Background(), nil))
	assert.True(t, c.sweepCalled)
}

func TestHandleInvalidateCacheForVendor(t *testing.T) {
	c := &fakeCache{}
	handlers := orchestrator.BuildHandlers(orchestrator.Collaborators{Cache: c})

	payload, _ := json.Marshal(map[string]any{"vendor_name": "Acme Corp"})
	require.NoError(t, handlers[orchestrator.JobInvalidateCacheForVendor](context.Background(), payload))
	assert.Equal(t, []string{"Acme Corp"}, c.invalidatedNames)
}

type fakeIntakeProcessor struct {
	processed uuid.UUID
}

func (f *fakeIntakeProcessor) Process(ctx context.Context, user identity.User, intakeID uuid.UUID) (intake.ProcessResult, error) {
	f.processed = intakeID
	return intake.ProcessResult{}, nil
}

func TestHandleProcessReceiptIntake(t *testing.T) {
	proc := &fakeIntakeProcessor{}
	handlers := orchestrator.BuildHandlers(orchestrator.Collaborators{Intake: proc, SystemUser: identity.User{ID: uuid.New(), Role: "system"}})

	intakeID := uuid.New()
	payload, _ := json.Marshal(map[string]any{"intake_id": intakeID})

	require.NoError(t, handlers[orchestrator.JobProcessReceiptIntake](context.Background(), payload))
	assert.Equal(t, intakeID, proc.processed)
}

type fakeReconciler struct {
	called bool
}

func (f *fakeReconciler) Run(ctx context.Context) (int, error) {
	f.called = true
	return 0, nil
}

func TestHandleReconcileMismatch(t *testing.T) {
	rec := &fakeReconciler{}
	handlers := orchestrator.BuildHandlers(orchestrator.Collaborators{Reconciler: rec})

	require.NoError(t, handlers[orchestrator.JobReconcileMismatch](context.Background(), nil))
	assert.True(t, rec.called)
}

type fakeDigestSource struct {
	project uuid.UUID
}

func (f *fakeDigestSource) DigestSummary(ctx context.Context, projectID uuid.UUID, since time.Time) (map[autoauth.Decision]int, error) {
	f.project = projectID
	return map[autoauth.Decision]int{autoauth.DecisionAuthorized: 4}, nil
}

type fakeDigestPoster struct {
	channelKey string
	fields     map[string]string
}

func (f *fakeDigestPoster) PostStructured(ctx context.Context, channelKey string, agent agents.AgentName, text string, blockKind string, fields map[string]string) (messaging.Message, error) {
	f.channelKey = channelKey
	f.fields = fields

	return messaging.Message{}, nil
}

func TestHandleSendChatDigestPostsSummary(t *testing.T) {
	src := &fakeDigestSource{}
	poster := &fakeDigestPoster{}
	handlers := orchestrator.BuildHandlers(orchestrator.Collaborators{DigestSource: src, DigestPoster: poster})

	projectID := uuid.New()
	payload, _ := json.Marshal(map[string]any{"project_id": projectID})

	require.NoError(t, handlers[orchestrator.JobSendChatDigest](context.Background(), payload))
	assert.Equal(t, "project:"+projectID.String(), poster.channelKey)
	assert.Equal(t, "4", poster.fields[string(autoauth.DecisionAuthorized)])
}

type fakeMessageFetcher struct {
	msg messaging.Message
}

func (f *fakeMessageFetcher) Get(ctx context.Context, id uuid.UUID) (messaging.Message, error) {
	return f.msg, nil
}

type fakePush struct {
	userIDs   []uuid.UUID
	messageID uuid.UUID
}

func (f *fakePush) Notify(ctx context.Context, userIDs []uuid.UUID, messageID uuid.UUID, preview string) error {
	f.userIDs = userIDs
	f.messageID = messageID

	return nil
}

func TestHandleFanOutPushNotifications(t *testing.T) {
	msgID := uuid.New()
	userA, userB := uuid.New(), uuid.New()

	fetcher := &fakeMessageFetcher{msg: messaging.Message{ID: msgID, Body: "hello"}}
	push := &fakePush{}

	handlers := orchestrator.BuildHandlers(orchestrator.Collaborators{Messages: fetcher, Push: push})

	payload, _ := json.Marshal(map[string]any{"message_id": msgID, "user_ids": []uuid.UUID{userA, userB}})

	require.NoError(t, handlers[orchestrator.JobFanOutPushNotifications](context.Background(), payload))
	assert.Equal(t, msgID, push.messageID)
	assert.ElementsMatch(t, []uuid.UUID{userA, userB}, push.userIDs)
}

func TestHandleWriteChangeLogAndStatusLogAcceptWellFormedPayload(t *testing.T) {
	handlers := orchestrator.BuildHandlers(orchestrator.Collaborators{})

	payload, _ := json.Marshal(map[string]any{"expense_id": uuid.New()})

	require.NoError(t, handlers[orchestrator.JobWriteChangeLog](context.Background(), payload))
	require.NoError(t, handlers[orchestrator.JobWriteStatusLog](context.Background(), payload))
}
