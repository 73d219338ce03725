// Package queue implements the durable job scheduler for the campaign
// engine: a Postgres-backed, at-least-once delayed job queue with bounded
// worker pools and automatic retry.
//
// Jobs live in the jobs table with four states: pending (waiting for run_at),
// active (claimed by a worker), completed, failed. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never block each other, and
// every claim carries a visibility deadline so jobs orphaned by a crashed
// worker are requeued by housekeeping.
//
// There is deliberately no job-cancellation API. When a real event
// supersedes a timer, the timer still fires and the consumer-side
// reconciliation check makes it a no-op. Cancelling distributed delayed
// jobs reliably is harder than making the consumer idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"outreach/internal/config"
	"outreach/internal/db"
	"outreach/internal/types"
)

// JobState is the lifecycle of a queue job.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Job is one durable unit of work.
type Job struct {
	ID            string          `json:"id" db:"id"`
	Queue         string          `json:"queue" db:"queue"`
	Name          string          `json:"name" db:"name"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	State         JobState        `json:"state" db:"state"`
	Attempt       int             `json:"attempt" db:"attempt"`
	MaxAttempts   int             `json:"max_attempts" db:"max_attempts"`
	RunAt         time.Time       `json:"run_at" db:"run_at"`
	ClaimDeadline *time.Time      `json:"claim_deadline,omitempty" db:"claim_deadline"`
	LastError     string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// EnqueueOptions control scheduling of a single job.
type EnqueueOptions struct {
	// Delay postpones execution relative to now. Zero means immediately
	// runnable.
	Delay time.Duration
	// RunAt schedules an absolute fire time; it takes precedence over
	// Delay when non-zero.
	RunAt time.Time
	// JobID sets a deterministic id. Re-enqueuing the same id replaces the
	// job while it is still pending and no-ops once it has been claimed,
	// so recovery can retry enqueues without creating duplicates.
	JobID string
	// MaxAttempts overrides the scheduler default when > 0.
	MaxAttempts int
}

// Scheduler turns enqueue requests into durable queue rows and applies the
// retry/backoff policy on failures. It is safe for concurrent use.
type Scheduler struct {
	db     db.DBTX
	cfg    config.QueueConfig
	clock  types.Clock
	logger types.Logger
}

// NewScheduler creates a Scheduler with the given store handle and tuning.
func NewScheduler(dbtx db.DBTX, cfg config.QueueConfig, clock types.Clock, logger types.Logger) *Scheduler {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Scheduler{db: dbtx, cfg: cfg, clock: clock, logger: logger}
}

// Enqueue persists a job for the given queue. The payload is marshalled to
// JSON. It returns the job id actually stored.
func (s *Scheduler) Enqueue(ctx context.Context, queueName, jobName string, payload any, opts EnqueueOptions) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalQueue, "failed to marshal job payload", err)
	}

	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	now := s.clock.Now()
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = now.Add(opts.Delay)
	}

	// ON CONFLICT keeps deterministic ids idempotent: a pending job is
	// rescheduled in place, a claimed or finished one is left alone.
	_, err = s.db.Exec(ctx,
		`INSERT INTO jobs
		   (id, queue, name, payload, state, attempt, max_attempts, run_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, $7, $7)
		 ON CONFLICT (id) DO UPDATE
		   SET payload = EXCLUDED.payload,
		       run_at = EXCLUDED.run_at,
		       updated_at = EXCLUDED.updated_at
		   WHERE jobs.state = 'pending'`,
		jobID, queueName, jobName, body, maxAttempts, runAt, now,
	)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalQueue, "failed to enqueue job", err)
	}

	s.logger.Info("job enqueued",
		"queue", queueName,
		"job_id", jobID,
		"job_name", jobName,
		"run_at", runAt,
	)

	return jobID, nil
}

// jobColumns is the column list shared by every query returning full jobs.
const jobColumns = `id, queue, name, payload, state, attempt, max_attempts,
	run_at, claim_deadline, COALESCE(last_error, ''), created_at, updated_at`

// claimDue atomically claims up to limit due jobs from the queue, moving
// them to 'active' with a fresh visibility deadline. Workers that crash
// mid-job leave the deadline behind for RequeueStalled to reap.
func (s *Scheduler) claimDue(ctx context.Context, queueName string, limit int) ([]Job, error) {
	now := s.clock.Now()
	deadline := now.Add(s.cfg.ClaimTimeout)

	rows, err := s.db.Query(ctx, fmt.Sprintf(
		`UPDATE jobs
		    SET state = 'active', attempt = attempt + 1,
		        claim_deadline = $1, updated_at = $2
		  WHERE id IN (
		        SELECT id FROM jobs
		         WHERE queue = $3 AND state = 'pending' AND run_at <= $2
		         ORDER BY run_at
		         FOR UPDATE SKIP LOCKED
		         LIMIT $4
		  )
		  RETURNING %s`, jobColumns),
		deadline, now, queueName, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalQueue, "failed to claim jobs", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalQueue, "failed to iterate claimed jobs", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.Queue, &j.Name, &j.Payload, &j.State, &j.Attempt, &j.MaxAttempts,
		&j.RunAt, &j.ClaimDeadline, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return Job{}, types.NewAppError(types.ErrCodeInternalQueue, "failed to scan job", err)
	}
	return j, nil
}

// complete marks an active job done.
func (s *Scheduler) complete(ctx context.Context, jobID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE jobs
		    SET state = 'completed', claim_deadline = NULL, updated_at = $2
		  WHERE id = $1 AND state = 'active'`,
		jobID, s.clock.Now(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalQueue, "failed to complete job", err)
	}
	return nil
}

// fail records a handler failure. Below the attempt limit the job is
// rescheduled with exponential backoff; at the limit it is moved to
// 'failed' permanently.
func (s *Scheduler) fail(ctx context.Context, job Job, jobErr error) error {
	now := s.clock.Now()

	if job.Attempt >= job.MaxAttempts {
		return s.failPermanently(ctx, job, jobErr)
	}

	delay := s.backoff(job.Attempt)
	_, err := s.db.Exec(ctx,
		`UPDATE jobs
		    SET state = 'pending', last_error = $2, run_at = $3,
		        claim_deadline = NULL, updated_at = $4
		  WHERE id = $1 AND state = 'active'`,
		job.ID, jobErr.Error(), now.Add(delay), now,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalQueue, "failed to reschedule job", err)
	}
	return nil
}

// failPermanently moves the job to 'failed' without consuming the
// remaining retry budget.
func (s *Scheduler) failPermanently(ctx context.Context, job Job, jobErr error) error {
	_, err := s.db.Exec(ctx,
		`UPDATE jobs
		    SET state = 'failed', last_error = $2, claim_deadline = NULL, updated_at = $3
		  WHERE id = $1 AND state = 'active'`,
		job.ID, jobErr.Error(), s.clock.Now(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalQueue, "failed to mark job failed", err)
	}
	return nil
}

// backoff computes the delay before retry attempt+1 using exponential
// backoff: base * 2^(attempt-1), capped at BackoffMax.
func (s *Scheduler) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := s.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.BackoffMax {
			return s.cfg.BackoffMax
		}
	}
	if delay > s.cfg.BackoffMax {
		delay = s.cfg.BackoffMax
	}
	return delay
}

// RequeueStalled returns active jobs whose visibility deadline passed back
// to pending. The attempt already charged for the lost claim stands, so a
// crash-looping job still exhausts its retry budget.
func (s *Scheduler) RequeueStalled(ctx context.Context) (int, error) {
	now := s.clock.Now()
	tag, err := s.db.Exec(ctx,
		`UPDATE jobs
		    SET state = 'pending', claim_deadline = NULL, updated_at = $1
		  WHERE state = 'active' AND claim_deadline < $1`,
		now,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalQueue, "failed to requeue stalled jobs", err)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		s.logger.Warn("requeued stalled jobs", "count", n)
	}
	return n, nil
}

// Prune deletes completed and failed jobs older than the retention window.
func (s *Scheduler) Prune(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.cfg.Retention)
	tag, err := s.db.Exec(ctx,
		`DELETE FROM jobs
		  WHERE state IN ('completed', 'failed') AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalQueue, "failed to prune jobs", err)
	}
	return int(tag.RowsAffected()), nil
}

// ErrMalformedPayload wraps payload validation failures. A payload that
// does not decode will not decode on the next attempt either, so the pool
// fails such jobs immediately instead of walking the retry ladder.
var ErrMalformedPayload = errors.New("queue: malformed job payload")
