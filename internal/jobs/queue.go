package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	// DefaultMaxAttempts is the retry budget when the enqueuer does not care.
	DefaultMaxAttempts = 3

	// backoffBase is the delay after the first failed attempt; each further
	// attempt doubles it up to backoffCap.
	backoffBase = 30 * time.Second
	backoffCap  = time.Hour
)

// Queue is the Postgres-backed job queue. Claiming uses
// FOR UPDATE SKIP LOCKED so any number of workers can pull concurrently.
type Queue struct {
	db *sql.DB
}

// NewQueue creates a queue over db.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue inserts a pending job runnable immediately and returns its id.
// A nil payload is stored as an empty JSON object.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload interface{}, maxAttempts int) (int64, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	body := []byte("{}")
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return 0, fmt.Errorf("marshaling payload for %s: %w", jobType, err)
		}
	}

	var id int64
	err := q.db.QueryRowContext(ctx, `
		INSERT INTO job_queue (job_type, payload, status, attempts, max_attempts, run_at, created_at)
		VALUES ($1, $2, $3, 0, $4, now(), now())
		RETURNING id`,
		jobType, body, StatusPending, maxAttempts).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueuing %s job: %w", jobType, err)
	}
	return id, nil
}

// Claim atomically moves up to limit runnable jobs to claimed and returns
// them. The attempts counter is consumed at claim time, so a worker crash
// after claiming still burns one attempt.
func (q *Queue) Claim(ctx context.Context, workerID string, limit int) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		UPDATE job_queue
		SET status = $1,
		    worker_id = $2,
		    claimed_at = now(),
		    attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM job_queue
			WHERE status = $3
			  AND run_at <= now()
			  AND attempts < max_attempts
			ORDER BY run_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, job_type, payload, status, attempts, max_attempts, run_at, created_at`,
		StatusClaimed, workerID, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("claiming jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Type, &j.Payload, &j.Status, &j.Attempts,
			&j.MaxAttempts, &j.RunAt, &j.CreatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// Complete marks a job done.
func (q *Queue) Complete(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE job_queue
		SET status = $2, claimed_at = NULL, worker_id = NULL, completed_at = now()
		WHERE id = $1`,
		id, StatusCompleted)
	if err != nil {
		return fmt.Errorf("completing job %d: %w", id, err)
	}
	return nil
}

// Fail records a failed execution. Permanent errors and exhausted retry
// budgets dead-letter the job; anything else requeues it with exponential
// backoff.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	if IsPermanent(cause) || job.FinalAttempt() {
		_, err := q.db.ExecContext(ctx, `
			UPDATE job_queue
			SET status = $2, claimed_at = NULL, worker_id = NULL, last_error = $3, completed_at = now()
			WHERE id = $1`,
			job.ID, StatusDead, cause.Error())
		if err != nil {
			return fmt.Errorf("dead-lettering job %d: %w", job.ID, err)
		}
		return nil
	}

	_, err := q.db.ExecContext(ctx, `
		UPDATE job_queue
		SET status = $2, claimed_at = NULL, worker_id = NULL, last_error = $3, run_at = $4
		WHERE id = $1`,
		job.ID, StatusPending, cause.Error(), time.Now().UTC().Add(backoffDelay(job.Attempts)))
	if err != nil {
		return fmt.Errorf("requeuing job %d: %w", job.ID, err)
	}
	return nil
}

// RecoverStalled requeues jobs whose worker claimed them but never
// finished within staleAge, and dead-letters any that already exhausted
// their retry budget while stuck. Dead-lettered jobs are returned so the
// caller can run dead-letter hooks for them: their handler never finished,
// so any state the handler would normally clean up is still dangling.
func (q *Queue) RecoverStalled(ctx context.Context, staleAge time.Duration) (int64, []*Job, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE job_queue
		SET status = $1, claimed_at = NULL, worker_id = NULL
		WHERE status = $2
		  AND claimed_at < now() - $3::interval
		  AND attempts < max_attempts`,
		StatusPending, StatusClaimed, staleAge.String())
	if err != nil {
		return 0, nil, fmt.Errorf("requeuing stalled jobs: %w", err)
	}
	requeued, _ := res.RowsAffected()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE job_queue
		SET status = $1, claimed_at = NULL, worker_id = NULL, last_error = 'stalled with no attempts left', completed_at = now()
		WHERE status = $2
		  AND claimed_at < now() - $3::interval
		  AND attempts >= max_attempts
		RETURNING id, job_type, payload, status, attempts, max_attempts, run_at, created_at`,
		StatusDead, StatusClaimed, staleAge.String())
	if err != nil {
		return requeued, nil, fmt.Errorf("dead-lettering stalled jobs: %w", err)
	}
	defer rows.Close()

	var dead []*Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Type, &j.Payload, &j.Status, &j.Attempts,
			&j.MaxAttempts, &j.RunAt, &j.CreatedAt); err != nil {
			return requeued, dead, err
		}
		dead = append(dead, &j)
	}
	return requeued, dead, rows.Err()
}

// PruneCompleted removes completed jobs older than age. Dead jobs are kept
// for inspection.
func (q *Queue) PruneCompleted(ctx context.Context, age time.Duration) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM job_queue
		WHERE status = $1 AND completed_at < now() - $2::interval`,
		StatusCompleted, age.String())
	if err != nil {
		return 0, fmt.Errorf("pruning completed jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// backoffDelay returns the wait before retry number attempt+1. The first
// retry waits backoffBase, doubling each time up to backoffCap.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}
