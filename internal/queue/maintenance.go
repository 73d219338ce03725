package queue

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"outreach/internal/types"
)

// Maintenance runs the queue's periodic housekeeping on a cron schedule:
// requeueing stalled claims and pruning finished jobs. It replaces the
// bare polling loops the engine would otherwise accumulate with one
// cancellable scheduler owned by the process lifecycle.
type Maintenance struct {
	scheduler *Scheduler
	logger    types.Logger
	cron      *cron.Cron
}

// Housekeeping intervals. Stalled claims are cheap to scan and painful to
// leave around; pruning can run rarely.
const (
	stalledSpec = "@every 1m"
	pruneSpec   = "@every 1h"
)

// NewMaintenance creates the housekeeping runner for a scheduler.
func NewMaintenance(scheduler *Scheduler, logger types.Logger) *Maintenance {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Maintenance{
		scheduler: scheduler,
		logger:    logger,
		cron:      cron.New(),
	}
}

// Start registers the housekeeping entries and starts the cron scheduler.
func (m *Maintenance) Start(ctx context.Context) error {
	_, err := m.cron.AddFunc(stalledSpec, func() {
		if _, err := m.scheduler.RequeueStalled(ctx); err != nil {
			m.logger.Error("stalled-job requeue failed", "error", err)
		}
	})
	if err != nil {
		return err
	}

	_, err = m.cron.AddFunc(pruneSpec, func() {
		n, err := m.scheduler.Prune(ctx)
		if err != nil {
			m.logger.Error("job pruning failed", "error", err)
			return
		}
		if n > 0 {
			m.logger.Info("pruned finished jobs", "count", n)
		}
	})
	if err != nil {
		return err
	}

	m.cron.Start()
	m.logger.Info("queue maintenance started")
	return nil
}

// Stop halts the cron scheduler and waits for any running entry to finish,
// bounded by the given timeout.
func (m *Maintenance) Stop(timeout time.Duration) {
	stopCtx := m.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(timeout):
		m.logger.Warn("queue maintenance stop timed out")
	}
	m.logger.Info("queue maintenance stopped")
}
