package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"outreach/internal/types"
)

// Handler processes one job. Returning nil acknowledges the job; returning
// an error triggers the retry/backoff policy up to the attempt limit.
type Handler func(ctx context.Context, job Job) error

// WorkerPool runs a bounded number of concurrent workers against one queue
// category. Each worker claims one job at a time and processes it to
// completion before claiming the next.
type WorkerPool struct {
	scheduler    *Scheduler
	queueName    string
	handler      Handler
	concurrency  int
	pollInterval time.Duration
	drainTimeout time.Duration
	logger       types.Logger
}

// WorkerPoolConfig holds the construction parameters for a WorkerPool.
type WorkerPoolConfig struct {
	Scheduler    *Scheduler
	Queue        string
	Handler      Handler
	Concurrency  int
	PollInterval time.Duration
	DrainTimeout time.Duration
	Logger       types.Logger
}

// NewWorkerPool creates a WorkerPool. Concurrency below 1 is raised to 1.
func NewWorkerPool(cfg WorkerPoolConfig) *WorkerPool {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &WorkerPool{
		scheduler:    cfg.Scheduler,
		queueName:    cfg.Queue,
		handler:      cfg.Handler,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		drainTimeout: cfg.DrainTimeout,
		logger:       logger.With("queue", cfg.Queue),
	}
}

// Run starts the worker goroutines and blocks until ctx is cancelled and
// all in-flight jobs have drained. Cancelling ctx stops intake; the job
// currently held by each worker is given DrainTimeout to finish.
func (p *WorkerPool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting", "concurrency", p.concurrency)

	g := new(errgroup.Group)
	for i := 0; i < p.concurrency; i++ {
		worker := i
		g.Go(func() error {
			p.runWorker(ctx, worker)
			return nil
		})
	}

	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

// runWorker is one worker's claim/process loop.
func (p *WorkerPool) runWorker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobs, err := p.scheduler.claimDue(ctx, p.queueName, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("job claim failed", "worker", id, "error", err)
			p.sleep(ctx, p.pollInterval)
			continue
		}

		if len(jobs) == 0 {
			p.sleep(ctx, p.pollInterval)
			continue
		}

		p.process(ctx, jobs[0])
	}
}

// process executes the handler and records the outcome. The job context is
// detached from the pool's cancellation so that shutdown drains in-flight
// work instead of aborting it, bounded by the drain timeout.
func (p *WorkerPool) process(ctx context.Context, job Job) {
	jobCtx := context.WithoutCancel(ctx)
	if p.drainTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, p.drainTimeout)
		defer cancel()
	}

	start := time.Now()
	err := p.safeHandle(jobCtx, job)
	elapsed := time.Since(start)

	if err == nil {
		if cErr := p.scheduler.complete(jobCtx, job.ID); cErr != nil {
			p.logger.Error("failed to record job completion",
				"job_id", job.ID, "job_name", job.Name, "error", cErr)
			return
		}
		p.logger.Info("job completed",
			"job_id", job.ID,
			"job_name", job.Name,
			"attempt", job.Attempt,
			"duration_ms", elapsed.Milliseconds(),
		)
		return
	}

	// A malformed payload cannot succeed on retry. Fail it outright so it
	// does not occupy the queue for the rest of its attempt budget.
	if errors.Is(err, ErrMalformedPayload) {
		p.logger.Error("job payload malformed, not retrying",
			"job_id", job.ID, "job_name", job.Name, "error", err)
		if fErr := p.scheduler.failPermanently(jobCtx, job, err); fErr != nil {
			p.logger.Error("failed to record job failure",
				"job_id", job.ID, "job_name", job.Name, "error", fErr)
		}
		return
	}

	p.logger.Error("job failed",
		"job_id", job.ID,
		"job_name", job.Name,
		"attempt", job.Attempt,
		"max_attempts", job.MaxAttempts,
		"duration_ms", elapsed.Milliseconds(),
		"error", err,
	)
	if fErr := p.scheduler.fail(jobCtx, job, err); fErr != nil {
		p.logger.Error("failed to record job failure",
			"job_id", job.ID, "job_name", job.Name, "error", fErr)
	}
}

// safeHandle shields the worker loop from handler panics; a panic counts
// as a failed attempt like any other error.
func (p *WorkerPool) safeHandle(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return p.handler(ctx, job)
}

func (p *WorkerPool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
