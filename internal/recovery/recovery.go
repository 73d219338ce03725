// Package recovery re-arms scheduled actions whose queue jobs were lost.
//
// The ledger row is written before its queue job, so a crash between the
// two (or a wiped queue table) leaves rows stuck in 'pending'. On process
// start this package pages through those rows and either re-enqueues them
// with their remaining delay or expires the hopelessly stale ones.
package recovery

import (
	"context"
	"fmt"
	"time"

	"outreach/internal/config"
	"outreach/internal/queue"
	"outreach/internal/types"
)

// ActionLedger is the ledger surface recovery needs. *db.ActionRepository
// satisfies it.
type ActionLedger interface {
	ListPending(ctx context.Context, afterID string, limit int) ([]types.ScheduledAction, error)
	MarkProcessing(ctx context.Context, id, jobID string) (bool, error)
	MarkExpired(ctx context.Context, id, reason string) (bool, error)
}

// JobEnqueuer persists delayed jobs. *queue.Scheduler satisfies it.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, queueName, jobName string, payload any, opts queue.EnqueueOptions) (string, error)
}

// Runner executes one startup-recovery pass.
type Runner struct {
	actions   ActionLedger
	scheduler JobEnqueuer
	cfg       config.RecoveryConfig
	clock     types.Clock
	logger    types.Logger
}

// NewRunner creates a recovery runner.
func NewRunner(actions ActionLedger, scheduler JobEnqueuer, cfg config.RecoveryConfig, clock types.Clock, logger types.Logger) *Runner {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Runner{
		actions:   actions,
		scheduler: scheduler,
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
	}
}

// Run scans the pending ledger in batches and re-arms or expires each row.
// Per-action failures are counted and skipped, never abort the pass. When
// recovery is disabled it returns a zeroed report.
func (r *Runner) Run(ctx context.Context) (types.RecoveryReport, error) {
	var report types.RecoveryReport
	if !r.cfg.Enabled {
		r.logger.Info("startup recovery disabled")
		return report, nil
	}

	start := r.clock.Now()
	epoch := start.Unix()
	cursor := ""

	for {
		batch, err := r.actions.ListPending(ctx, cursor, r.cfg.BatchSize)
		if err != nil {
			return report, err
		}
		if len(batch) == 0 {
			break
		}
		cursor = batch[len(batch)-1].ID

		for idx := range batch {
			action := &batch[idx]
			report.Total++

			switch outcome := r.recoverOne(ctx, action, start, epoch); outcome {
			case outcomeRecovered:
				report.Recovered++
			case outcomeExpired:
				report.Expired++
			case outcomeFailed:
				report.Failed++
			}
		}

		if len(batch) < r.cfg.BatchSize {
			break
		}
	}

	r.logger.Info("startup recovery finished",
		"total", report.Total,
		"recovered", report.Recovered,
		"expired", report.Expired,
		"failed", report.Failed,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return report, nil
}

type outcome int

const (
	outcomeRecovered outcome = iota
	outcomeExpired
	outcomeFailed
)

// recoverOne re-arms or expires a single pending ledger row.
func (r *Runner) recoverOne(ctx context.Context, action *types.ScheduledAction, now time.Time, epoch int64) outcome {
	age := now.Sub(action.ScheduledAt)
	if age > r.cfg.ExpiryThreshold {
		reason := fmt.Sprintf("stale beyond recovery threshold (due %s)", action.ScheduledAt.Format(time.RFC3339))
		if _, err := r.actions.MarkExpired(ctx, action.ID, reason); err != nil {
			r.logger.Error("failed to expire stale action",
				"action_id", action.ID, "campaign_id", action.CampaignID, "error", err)
			return outcomeFailed
		}
		r.logger.Warn("expired stale scheduled action",
			"action_id", action.ID,
			"campaign_id", action.CampaignID,
			"action_type", action.ActionType,
			"overdue", age,
		)
		return outcomeExpired
	}

	queueName, jobName, ok := routeFor(action.ActionType)
	if !ok {
		r.logger.Error("unknown action type in ledger",
			"action_id", action.ID, "action_type", action.ActionType)
		return outcomeFailed
	}

	// Overdue but not expired: fire immediately. The epoch in the job id
	// keeps distinct recovery passes from colliding on finished jobs.
	runAt := action.ScheduledAt
	if runAt.Before(now) {
		runAt = now
	}
	jobID := fmt.Sprintf("recovery:%s:%s:%s:%d", action.ActionType, action.CampaignID, action.ID, epoch)

	if _, err := r.scheduler.Enqueue(ctx, queueName, jobName, action.Payload, queue.EnqueueOptions{
		RunAt: runAt,
		JobID: jobID,
	}); err != nil {
		r.logger.Error("failed to re-enqueue pending action",
			"action_id", action.ID, "campaign_id", action.CampaignID, "error", err)
		return outcomeFailed
	}
	if _, err := r.actions.MarkProcessing(ctx, action.ID, jobID); err != nil {
		r.logger.Error("failed to mark recovered action processing",
			"action_id", action.ID, "error", err)
		return outcomeFailed
	}

	r.logger.Info("re-armed scheduled action",
		"action_id", action.ID,
		"campaign_id", action.CampaignID,
		"action_type", action.ActionType,
		"run_at", runAt,
	)
	return outcomeRecovered
}

func routeFor(actionType types.ActionType) (queueName, jobName string, ok bool) {
	switch actionType {
	case types.ActionTypeSend:
		return types.QueueSends, types.JobSendMessage, true
	case types.ActionTypeTimeout:
		return types.QueueTimeouts, types.JobProcessTimeout, true
	default:
		return "", "", false
	}
}
