package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"outreach/internal/types"
)

// ActionRepository provides data access for the scheduled_actions ledger.
//
// The ledger is the source of truth for every timer that should exist,
// independent of the job queue's own state. Rows are written before the
// corresponding queue job is trusted to exist, mutated through conditional
// status updates, and never deleted.
type ActionRepository struct {
	db DBTX
}

// NewActionRepository creates a new ActionRepository backed by the given
// database connection (pool or transaction).
func NewActionRepository(db DBTX) *ActionRepository {
	return &ActionRepository{db: db}
}

// Create inserts a new ledger row with status 'pending'.
func (r *ActionRepository) Create(ctx context.Context, a *types.ScheduledAction) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO scheduled_actions
		   (id, tenant_id, campaign_id, contact_id, node_id, action_type,
		    scheduled_at, status, job_id, payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $9, NOW(), NOW())`,
		a.ID, a.TenantID, a.CampaignID, a.ContactID, a.NodeID, a.ActionType,
		a.ScheduledAt, a.JobID, a.Payload,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create scheduled action", err)
	}
	return nil
}

// Get returns a ledger row by id.
func (r *ActionRepository) Get(ctx context.Context, id string) (*types.ScheduledAction, error) {
	var a types.ScheduledAction
	err := r.db.QueryRow(ctx,
		`SELECT id, tenant_id, campaign_id, contact_id, node_id, action_type,
		        scheduled_at, status, COALESCE(job_id, ''), payload,
		        COALESCE(reason, ''), created_at, updated_at
		   FROM scheduled_actions
		  WHERE id = $1`,
		id,
	).Scan(
		&a.ID, &a.TenantID, &a.CampaignID, &a.ContactID, &a.NodeID, &a.ActionType,
		&a.ScheduledAt, &a.Status, &a.JobID, &a.Payload,
		&a.Reason, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAction, "scheduled action not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load scheduled action", err)
	}
	return &a, nil
}

// MarkProcessing moves a pending row to 'processing' and records the queue
// job handle. The conditional WHERE keeps a second recovery pass or a late
// duplicate from clobbering a row that already advanced.
func (r *ActionRepository) MarkProcessing(ctx context.Context, id, jobID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_actions
		    SET status = 'processing', job_id = $2, updated_at = NOW()
		  WHERE id = $1 AND status = 'pending'`,
		id, jobID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark action processing", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkCompleted records the worker outcome for a row that was in flight.
func (r *ActionRepository) MarkCompleted(ctx context.Context, id, reason string) error {
	return r.finish(ctx, id, types.ActionStatusCompleted, reason)
}

// MarkFailed records a permanent failure for a row that was in flight.
func (r *ActionRepository) MarkFailed(ctx context.Context, id, reason string) error {
	return r.finish(ctx, id, types.ActionStatusFailed, reason)
}

func (r *ActionRepository) finish(ctx context.Context, id string, status types.ActionStatus, reason string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE scheduled_actions
		    SET status = $2, reason = $3, updated_at = NOW()
		  WHERE id = $1 AND status IN ('pending', 'processing')`,
		id, status, reason,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish scheduled action", err)
	}
	return nil
}

// MarkExpired expires a pending row that is too stale to re-arm. Returns
// false when the row already left 'pending'.
func (r *ActionRepository) MarkExpired(ctx context.Context, id, reason string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_actions
		    SET status = 'expired', reason = $2, updated_at = NOW()
		  WHERE id = $1 AND status = 'pending'`,
		id, reason,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to expire scheduled action", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListPending returns up to limit pending rows created after the given
// cursor id, ordered by id. Startup recovery pages through the ledger with
// this keyset cursor so a huge backlog never loads at once.
func (r *ActionRepository) ListPending(ctx context.Context, afterID string, limit int) ([]types.ScheduledAction, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, tenant_id, campaign_id, contact_id, node_id, action_type,
		        scheduled_at, status, COALESCE(job_id, ''), payload,
		        COALESCE(reason, ''), created_at, updated_at
		   FROM scheduled_actions
		  WHERE status = 'pending' AND id > $1
		  ORDER BY id
		  LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list pending actions", err)
	}
	defer rows.Close()

	var actions []types.ScheduledAction
	for rows.Next() {
		var a types.ScheduledAction
		if err := rows.Scan(
			&a.ID, &a.TenantID, &a.CampaignID, &a.ContactID, &a.NodeID, &a.ActionType,
			&a.ScheduledAt, &a.Status, &a.JobID, &a.Payload,
			&a.Reason, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan pending action", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate pending actions", err)
	}
	return actions, nil
}
