package jobs

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Handler executes one job. Returning nil completes the job; a plain error
// requeues it with backoff; an error wrapped by Permanent dead-letters it.
type Handler func(ctx context.Context, job *Job) error

// DeadLetterHook is called for jobs the queue dead-letters without their
// handler having run to completion (stalled claim, missing handler). The
// handler's own failure path never ran for these jobs, so the hook is the
// only chance to release state the handler would have cleaned up, like a
// connection's sync guard.
type DeadLetterHook func(ctx context.Context, job *Job)

// WorkerPoolConfig tunes the pool.
type WorkerPoolConfig struct {
	NumWorkers int
	BatchSize  int
	// PollInterval is the sleep when a claim returns nothing.
	PollInterval time.Duration
}

// DefaultWorkerPoolConfig returns the defaults used in production.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		NumWorkers:   4,
		BatchSize:    10,
		PollInterval: time.Second,
	}
}

// WorkerPool claims jobs from the queue and dispatches them to registered
// handlers. Jobs with no registered handler are dead-lettered.
type WorkerPool struct {
	queue    *Queue
	handlers map[string]Handler

	workerID     string
	numWorkers   int
	batchSize    int
	pollInterval time.Duration

	processed int64
	failed    int64

	onDeadLetter DeadLetterHook

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewWorkerPool creates a pool over queue.
func NewWorkerPool(queue *Queue, cfg WorkerPoolConfig) *WorkerPool {
	def := DefaultWorkerPoolConfig()
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = def.NumWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &WorkerPool{
		queue:        queue,
		handlers:     make(map[string]Handler),
		workerID:     fmt.Sprintf("worker-%s-%d", hostname(), os.Getpid()),
		numWorkers:   cfg.NumWorkers,
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval,
	}
}

// Register binds a handler to a job type. It panics on duplicate
// registration, which is always a wiring bug.
func (p *WorkerPool) Register(jobType string, h Handler) {
	if _, dup := p.handlers[jobType]; dup {
		panic("jobs: duplicate handler for " + jobType)
	}
	p.handlers[jobType] = h
}

// SetDeadLetterHook installs the hook run when a job is dead-lettered
// without its handler completing. Call before Start.
func (p *WorkerPool) SetDeadLetterHook(hook DeadLetterHook) {
	p.onDeadLetter = hook
}

// Start launches the worker goroutines.
func (p *WorkerPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("worker pool already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())

	log.Printf("[Jobs] Starting %d workers (batch_size=%d, id=%s)", p.numWorkers, p.batchSize, p.workerID)
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return nil
}

// Stop drains the pool, waiting for in-flight jobs to finish.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	log.Println("[Jobs] Stopping workers...")
	p.wg.Wait()
	log.Printf("[Jobs] Stopped. processed=%d failed=%d",
		atomic.LoadInt64(&p.processed), atomic.LoadInt64(&p.failed))
}

// Stats returns cumulative counters.
func (p *WorkerPool) Stats() map[string]int64 {
	return map[string]int64{
		"processed": atomic.LoadInt64(&p.processed),
		"failed":    atomic.LoadInt64(&p.failed),
	}
}

func (p *WorkerPool) worker(n int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
			jobs, err := p.queue.Claim(p.ctx, p.workerID, p.batchSize)
			if err != nil {
				if p.ctx.Err() != nil {
					return
				}
				log.Printf("[Jobs %d] claim error: %v", n, err)
				p.sleep(p.pollInterval)
				continue
			}
			if len(jobs) == 0 {
				p.sleep(p.pollInterval)
				continue
			}
			for _, job := range jobs {
				p.process(job)
			}
		}
	}
}

// process runs one claimed job through its handler and records the outcome.
func (p *WorkerPool) process(job *Job) {
	h, ok := p.handlers[job.Type]
	if !ok {
		atomic.AddInt64(&p.failed, 1)
		log.Printf("[Jobs] no handler for %s (job %d)", job.Type, job.ID)
		if err := p.queue.Fail(p.ctx, job, Permanent(fmt.Errorf("no handler registered for %s", job.Type))); err != nil {
			log.Printf("[Jobs] fail bookkeeping error for job %d: %v", job.ID, err)
		}
		if p.onDeadLetter != nil {
			p.onDeadLetter(p.ctx, job)
		}
		return
	}

	if err := h(p.ctx, job); err != nil {
		atomic.AddInt64(&p.failed, 1)
		log.Printf("[Jobs] %s job %d failed (attempt %d/%d): %v",
			job.Type, job.ID, job.Attempts, job.MaxAttempts, err)
		if ferr := p.queue.Fail(p.ctx, job, err); ferr != nil {
			log.Printf("[Jobs] fail bookkeeping error for job %d: %v", job.ID, ferr)
		}
		return
	}

	atomic.AddInt64(&p.processed, 1)
	if err := p.queue.Complete(p.ctx, job.ID); err != nil {
		log.Printf("[Jobs] complete bookkeeping error for job %d: %v", job.ID, err)
	}
}

// sleep waits for d or until the pool stops, whichever comes first.
func (p *WorkerPool) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.ctx.Done():
	case <-t.C:
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
