package jobs

import (
	"context"
	"log"
	"time"
)

const (
	// DefaultRecoveryInterval is how often the recovery worker scans.
	DefaultRecoveryInterval = 2 * time.Minute

	// DefaultStaleAge is how long a job may stay claimed before its worker
	// is presumed dead.
	DefaultStaleAge = 5 * time.Minute

	// completedRetention is how long completed rows are kept before pruning.
	completedRetention = 7 * 24 * time.Hour
)

// RecoveryWorker requeues jobs abandoned by crashed workers. Redelivery is
// why every handler must be idempotent.
type RecoveryWorker struct {
	queue    *Queue
	interval time.Duration
	staleAge time.Duration

	onDeadLetter DeadLetterHook
}

// NewRecoveryWorker creates a recovery worker with default timing.
func NewRecoveryWorker(queue *Queue) *RecoveryWorker {
	return &RecoveryWorker{
		queue:    queue,
		interval: DefaultRecoveryInterval,
		staleAge: DefaultStaleAge,
	}
}

// NewRecoveryWorkerWithConfig creates a recovery worker with custom timing.
func NewRecoveryWorkerWithConfig(queue *Queue, interval, staleAge time.Duration) *RecoveryWorker {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	if staleAge <= 0 {
		staleAge = DefaultStaleAge
	}
	return &RecoveryWorker{queue: queue, interval: interval, staleAge: staleAge}
}

// SetDeadLetterHook installs the hook run for each stalled job the sweep
// dead-letters. Those jobs died mid-flight, so their handler's cleanup
// never happened. Call before Start.
func (r *RecoveryWorker) SetDeadLetterHook(hook DeadLetterHook) {
	r.onDeadLetter = hook
}

// Start runs the recovery loop. It blocks until ctx is cancelled.
func (r *RecoveryWorker) Start(ctx context.Context) {
	log.Printf("[JobRecovery] Starting (interval=%s, stale_age=%s)", r.interval, r.staleAge)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[JobRecovery] Stopping")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *RecoveryWorker) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	requeued, dead, err := r.queue.RecoverStalled(sweepCtx, r.staleAge)
	if err != nil {
		log.Printf("[JobRecovery] recover error: %v", err)
	} else if requeued > 0 || len(dead) > 0 {
		log.Printf("[JobRecovery] requeued %d stalled jobs, dead-lettered %d", requeued, len(dead))
	}
	if r.onDeadLetter != nil {
		for _, job := range dead {
			r.onDeadLetter(sweepCtx, job)
		}
	}

	if pruned, err := r.queue.PruneCompleted(sweepCtx, completedRetention); err != nil {
		log.Printf("[JobRecovery] prune error: %v", err)
	} else if pruned > 0 {
		log.Printf("[JobRecovery] pruned %d completed jobs", pruned)
	}
}
