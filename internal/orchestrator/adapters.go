package orchestrator

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Enqueuer is the slice of Store the Scheduler depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobName string, payload any) error
}

// Scheduler is the production realization of expense.AuditScheduler,
// intake.Scheduler, autoauth.DigestScheduler, and messaging.JobEnqueuer:
// every "hand work to the background orchestrator" collaborator across
// this service is the same enqueue against background_jobs, differing
// only in which named job it writes. Scheduling failures are logged and
// swallowed for the void-returning methods, matching the contract those
// interfaces document: a failure to schedule post-commit work must never
// undo the commit that already landed.
type Scheduler struct {
	store Enqueuer
}

// NewScheduler constructs a Scheduler.
func NewScheduler(store Enqueuer) *Scheduler {
	return &Scheduler{store: store}
}

func (s *Scheduler) enqueueBestEffort(ctx context.Context, jobName string, payload any) {
	if err := s.store.Enqueue(ctx, jobName, payload); err != nil {
		slog.Error("scheduling background job failed", "job_name", jobName, "error", err)
	}
}

// ScheduleAuditReconciliation implements expense.AuditScheduler.
func (s *Scheduler) ScheduleAuditReconciliation(ctx context.Context, expenseID uuid.UUID) {
	s.enqueueBestEffort(ctx, JobWriteStatusLog, statusLogPayload{ExpenseID: expenseID})
}

// ScheduleAutoAuth implements both expense.AuditScheduler and
// intake.Scheduler; both name the exact same job.
func (s *Scheduler) ScheduleAutoAuth(ctx context.Context, projectID uuid.UUID) {
	s.enqueueBestEffort(ctx, JobTriggerAutoAuth, projectPayload{ProjectID: projectID})
}

// ScheduleProcessIntake implements intake.Scheduler.
func (s *Scheduler) ScheduleProcessIntake(ctx context.Context, intakeID uuid.UUID) {
	s.enqueueBestEffort(ctx, JobProcessReceiptIntake, intakePayload{IntakeID: intakeID})
}

// ScheduleReconciliation implements intake.Scheduler.
func (s *Scheduler) ScheduleReconciliation(ctx context.Context, intakeID uuid.UUID) {
	s.enqueueBestEffort(ctx, JobReconcileMismatch, intakePayload{IntakeID: intakeID})
}

// ScheduleDigest implements autoauth.DigestScheduler.
func (s *Scheduler) ScheduleDigest(ctx context.Context, projectID uuid.UUID) {
	s.enqueueBestEffort(ctx, JobSendChatDigest, projectPayload{ProjectID: projectID})
}

// Enqueue implements messaging.JobEnqueuer. Unlike the Schedule* methods
// above, messaging needs to know enqueue actually succeeded (a failed
// schedule here means a mention silently gets no push notification, which
// messaging.Service's caller should be able to surface), so this method
// returns the error instead of swallowing it.
func (s *Scheduler) Enqueue(ctx context.Context, jobName string, payload any) error {
	return s.store.Enqueue(ctx, jobName, payload)
}
