package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/autoauth"
	"github.com/fieldledger/expensecore/internal/expense"
)

// OverrideStore is the slice of autoauth.Store the override sweep depends
// on.
type OverrideStore interface {
	HumanOverridesSince(ctx context.Context, since time.Time, systemActorID uuid.UUID) ([]autoauth.OverrideCandidate, error)
	RecordOverride(ctx context.Context, expenseID uuid.UUID, originalRule, originalStatus string, newStatus expense.Status, actorID uuid.UUID) error
}

// JobQueue is the slice of Store the dispatch loop depends on, narrowed so
// the loop can be driven against a hand-written fake in tests.
type JobQueue interface {
	ClaimNext(ctx context.Context) (Job, error)
	MarkDone(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, attempts int, cause error, cfg Config) error
}

// Engine polls background_jobs for due work, dispatches each claimed job to
// its named handler, and runs a separate periodic sweep for human-driven
// overrides of the auto-authorization engine's decisions.
type Engine struct {
	store      JobQueue
	handlers   map[string]Handler
	cfg        Config
	overrides  OverrideStore
	systemUser uuid.UUID

	overrideWatermark time.Time
}

// New constructs an Engine. overrides may be nil to disable the override
// sweep (e.g. in tests exercising only the job queue).
func New(store JobQueue, handlers map[string]Handler, cfg Config, overrides OverrideStore, systemUser uuid.UUID) *Engine {
	return &Engine{
		store: store, handlers: handlers, cfg: cfg,
		overrides: overrides, systemUser: systemUser,
		overrideWatermark: time.Now().Add(-cfg.OverrideScanWindow),
	}
}

// Run blocks, polling for jobs every PollInterval and running the override
// sweep every OverrideScanInterval, until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	jobTicker := time.NewTicker(e.cfg.PollInterval)
	defer jobTicker.Stop()

	overrideTicker := time.NewTicker(e.cfg.OverrideScanInterval)
	defer overrideTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-jobTicker.C:
			e.DrainDueJobs(ctx)
		case <-overrideTicker.C:
			if e.overrides != nil {
				if err := e.SweepOverrides(ctx); err != nil {
					slog.Error("override sweep failed", "error", err)
				}
			}
		}
	}
}

// DrainDueJobs claims and dispatches jobs until the queue reports empty, so
// one poll tick clears a backlog instead of processing one job per
// PollInterval. Exported so a caller (or a test) can drive one drain cycle
// without waiting on the ticker.
func (e *Engine) DrainDueJobs(ctx context.Context) {
	for {
		job, err := e.store.ClaimNext(ctx)
		if err != nil {
			if !errors.Is(err, ErrNoJob) {
				slog.Error("claiming job failed", "error", err)
			}

			return
		}

		e.dispatch(ctx, job)
	}
}

func (e *Engine) dispatch(ctx context.Context, job Job) {
	handler, ok := e.handlers[job.Name]
	if !ok {
		_ = e.store.MarkFailed(ctx, job.ID, job.Attempts, errors.New("no handler registered for job name"), e.cfg)
		return
	}

	if err := handler(ctx, job.Payload); err != nil {
		slog.Error("job failed", "job_id", job.ID, "job_name", job.Name, "attempt", job.Attempts+1, "error", err)

		if markErr := e.store.MarkFailed(ctx, job.ID, job.Attempts, err, e.cfg); markErr != nil {
			slog.Error("marking job failed also failed", "job_id", job.ID, "error", markErr)
		}

		return
	}

	if err := e.store.MarkDone(ctx, job.ID); err != nil {
		slog.Error("marking job done failed", "job_id", job.ID, "error", err)
	}
}

// SweepOverrides records one auth_overrides row for every human-driven
// status change newer than the engine's last decision on that expense,
// advancing the watermark so a repeat sweep never re-records the same
// change twice.
func (e *Engine) SweepOverrides(ctx context.Context) error {
	candidates, err := e.overrides.HumanOverridesSince(ctx, e.overrideWatermark, e.systemUser)
	if err != nil {
		return err
	}

	latest := e.overrideWatermark

	for _, cand := range candidates {
		err := e.overrides.RecordOverride(ctx, cand.ExpenseID, cand.Rule, string(cand.Decision), cand.NewStatus, cand.ActorID)
		if err != nil {
			slog.Error("recording override failed", "expense_id", cand.ExpenseID, "error", err)
			continue
		}

		if cand.ChangedAt.After(latest) {
			latest = cand.ChangedAt
		}
	}

	e.overrideWatermark = latest

	return nil
}
