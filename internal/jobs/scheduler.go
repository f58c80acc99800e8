package jobs

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/ignite/listpilot/internal/pkg/distlock"
	"github.com/redis/go-redis/v9"
)

// DefaultSchedulerPollInterval is how often the scheduler checks for due
// schedules.
const DefaultSchedulerPollInterval = 30 * time.Second

// schedulerLockTTL bounds how long a crashed leader blocks the others.
const schedulerLockTTL = 2 * time.Minute

// Scheduler fires recurring jobs. Schedules live in the job_schedules
// table keyed by a stable name, so re-registering on process restart never
// creates duplicates. Only one process fires schedules at a time, guarded
// by a distributed lock.
type Scheduler struct {
	db           *sql.DB
	queue        *Queue
	lock         distlock.Lock
	pollInterval time.Duration
}

// NewScheduler creates a scheduler. redisClient may be nil, in which case
// leadership falls back to a Postgres advisory lock.
func NewScheduler(db *sql.DB, queue *Queue, redisClient *redis.Client) *Scheduler {
	return &Scheduler{
		db:           db,
		queue:        queue,
		lock:         distlock.New(redisClient, db, "job-scheduler", schedulerLockTTL),
		pollInterval: DefaultSchedulerPollInterval,
	}
}

// SetPollInterval overrides the default poll interval. Tests use this.
func (s *Scheduler) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

// EnsureSchedule registers (or re-registers) a recurring job under a stable
// name. When the schedule spec is unchanged the existing next_run_at is
// preserved; a changed spec recomputes it. Safe to call on every startup.
func (s *Scheduler) EnsureSchedule(ctx context.Context, name, jobType, spec string) error {
	parsed, err := ParseScheduleSpec(spec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_schedules (name, job_type, schedule_spec, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (name) DO UPDATE
		SET job_type = EXCLUDED.job_type,
		    schedule_spec = EXCLUDED.schedule_spec,
		    next_run_at = CASE
		        WHEN job_schedules.schedule_spec = EXCLUDED.schedule_spec THEN job_schedules.next_run_at
		        ELSE EXCLUDED.next_run_at
		    END,
		    updated_at = now()`,
		name, jobType, spec, parsed.Next(time.Now().UTC()))
	return err
}

// Start runs the scheduler loop. It blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Printf("[Scheduler] Starting (poll=%s)", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Scheduler] Stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every due schedule once, under the leadership lock.
func (s *Scheduler) tick(ctx context.Context) {
	acquired, err := s.lock.TryAcquire(ctx)
	if err != nil {
		log.Printf("[Scheduler] lock error: %v", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := s.lock.Release(ctx); err != nil {
			log.Printf("[Scheduler] lock release error: %v", err)
		}
	}()

	tickCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(tickCtx, `
		SELECT name, job_type, schedule_spec
		FROM job_schedules
		WHERE next_run_at <= now()
		ORDER BY next_run_at ASC`)
	if err != nil {
		log.Printf("[Scheduler] query error: %v", err)
		return
	}
	defer rows.Close()

	type due struct {
		name, jobType, spec string
	}
	var dues []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.name, &d.jobType, &d.spec); err != nil {
			log.Printf("[Scheduler] scan error: %v", err)
			return
		}
		dues = append(dues, d)
	}
	if err := rows.Err(); err != nil {
		log.Printf("[Scheduler] rows error: %v", err)
		return
	}

	for _, d := range dues {
		if err := s.fire(tickCtx, d.name, d.jobType, d.spec); err != nil {
			log.Printf("[Scheduler] firing %s: %v", d.name, err)
		}
	}
}

// fire enqueues one occurrence and advances next_run_at. The advance is
// unconditional even if enqueue raced with a concurrent firing; handlers
// are idempotent, so an extra occurrence is harmless.
func (s *Scheduler) fire(ctx context.Context, name, jobType, spec string) error {
	parsed, err := ParseScheduleSpec(spec)
	if err != nil {
		return err
	}

	jobID, err := s.queue.Enqueue(ctx, jobType, nil, DefaultMaxAttempts)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE job_schedules
		SET last_run_at = $2, next_run_at = $3, updated_at = now()
		WHERE name = $1`,
		name, now, parsed.Next(now))
	if err != nil {
		return err
	}

	log.Printf("[Scheduler] fired %s (job %d, next %s)", name, jobID, parsed.Next(now).Format(time.RFC3339))
	return nil
}
