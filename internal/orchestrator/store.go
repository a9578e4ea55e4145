package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store is the raw-SQL repository backing background_jobs, following the
// same database/sql, no-ORM convention as the rest of this service.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Enqueue inserts one pending job, runnable immediately. payload is
// marshaled as-is; callers must pass references (ids, keys), never large
// blobs, so the queue never pins memory.
func (s *Store) Enqueue(ctx context.Context, jobName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling job payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO background_jobs (job_name, payload, status, run_after)
		VALUES ($1, $2, 'pending', now())
	`, jobName, data)
	if err != nil {
		return fmt.Errorf("enqueueing job %s: %w", jobName, err)
	}

	return nil
}

// ClaimNext atomically claims the oldest due pending job, skipping rows
// already locked by another worker, so multiple orchestrator processes can
// run against the same queue without double-claiming.
func (s *Store) ClaimNext(ctx context.Context) (Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, fmt.Errorf("beginning claim: %w", err)
	}
	defer tx.Rollback()

	var j Job

	var payload []byte

	err = tx.QueryRowContext(ctx, `
		SELECT id, job_name, payload, attempts
		FROM background_jobs
		WHERE status = 'pending' AND run_after <= now()
		ORDER BY run_after ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`).Scan(&j.ID, &j.Name, &payload, &j.Attempts)
	if err != nil {
		if err == sql.ErrNoRows {
			return Job{}, ErrNoJob
		}

		return Job{}, fmt.Errorf("claiming job: %w", err)
	}

	j.Payload = json.RawMessage(payload)

	if _, err := tx.ExecContext(ctx, `
		UPDATE background_jobs SET status = 'running', updated_at = now() WHERE id = $1
	`, j.ID); err != nil {
		return Job{}, fmt.Errorf("marking job running: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Job{}, fmt.Errorf("committing claim: %w", err)
	}

	return j, nil
}

// MarkDone marks a job permanently succeeded.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE background_jobs SET status = 'done', updated_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("marking job done: %w", err)
	}

	return nil
}

// MarkFailed records a failed attempt. If attempts have reached maxAttempts
// the job moves to dead_letter for manual review; otherwise it goes back
// to pending with run_after pushed out by the exponential backoff for its
// new attempt count.
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, cause error, cfg Config) error {
	nextAttempts := attempts + 1

	if nextAttempts >= cfg.MaxAttempts {
		_, err := s.db.ExecContext(ctx, `
			UPDATE background_jobs
			SET status = 'dead_letter', attempts = $2, last_error = $3, updated_at = now()
			WHERE id = $1
		`, id, nextAttempts, cause.Error())
		if err != nil {
			return fmt.Errorf("dead-lettering job: %w", err)
		}

		return nil
	}

	runAfter := time.Now().Add(cfg.backoff(nextAttempts))

	_, err := s.db.ExecContext(ctx, `
		UPDATE background_jobs
		SET status = 'pending', attempts = $2, last_error = $3, run_after = $4, updated_at = now()
		WHERE id = $1
	`, id, nextAttempts, cause.Error(), runAfter)
	if err != nil {
		return fmt.Errorf("rescheduling job: %w", err)
	}

	return nil
}
