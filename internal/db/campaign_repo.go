package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"outreach/internal/types"
)

// CampaignRepository provides data access for campaign_instances and the
// append-only campaign_transitions history.
//
// The current-node field is the interpreter's lock boundary: every node move
// is a conditional UPDATE keyed on the node the caller read, so two events
// racing for the same campaign cannot both win a transition out of the same
// node.
type CampaignRepository struct {
	db DBTX
}

// NewCampaignRepository creates a new CampaignRepository backed by the given
// database connection (pool or transaction).
func NewCampaignRepository(db DBTX) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign instance.
func (r *CampaignRepository) Create(ctx context.Context, c *types.CampaignInstance) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO campaign_instances
		   (id, tenant_id, lead_id, contact_id, channel, plan_json, status,
		    current_node_id, node_entered_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`,
		c.ID, c.TenantID, c.LeadID, c.ContactID, c.Channel, c.PlanJSON,
		c.Status, c.CurrentNodeID, c.NodeEnteredAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create campaign instance", err)
	}
	return nil
}

// Get returns a campaign instance by tenant and id.
func (r *CampaignRepository) Get(ctx context.Context, tenantID, campaignID string) (*types.CampaignInstance, error) {
	var c types.CampaignInstance
	err := r.db.QueryRow(ctx,
		`SELECT id, tenant_id, lead_id, contact_id, channel, plan_json, status,
		        current_node_id, node_entered_at, COALESCE(stopped_reason, ''),
		        created_at, updated_at
		   FROM campaign_instances
		  WHERE tenant_id = $1 AND id = $2`,
		tenantID, campaignID,
	).Scan(
		&c.ID, &c.TenantID, &c.LeadID, &c.ContactID, &c.Channel, &c.PlanJSON,
		&c.Status, &c.CurrentNodeID, &c.NodeEnteredAt, &c.StoppedReason,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundCampaign, "campaign instance not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load campaign instance", err)
	}
	return &c, nil
}

// TransitionNode moves the campaign's current node from fromNodeID to
// toNodeID using compare-and-set semantics. It returns false (no error)
// when the campaign is no longer on fromNodeID or no longer active; the
// caller reports this as a stale transition rather than an error.
func (r *CampaignRepository) TransitionNode(ctx context.Context, tenantID, campaignID, fromNodeID, toNodeID string, enteredAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE campaign_instances
		    SET current_node_id = $4, node_entered_at = $5, updated_at = NOW()
		  WHERE tenant_id = $1 AND id = $2
		    AND current_node_id = $3 AND status = 'active'`,
		tenantID, campaignID, fromNodeID, toNodeID, enteredAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to transition campaign node", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Stop marks the campaign stopped, conditionally on it still being on
// fromNodeID and active. Same CAS discipline as TransitionNode.
func (r *CampaignRepository) Stop(ctx context.Context, tenantID, campaignID, fromNodeID, reason string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE campaign_instances
		    SET status = 'stopped', stopped_reason = $4, updated_at = NOW()
		  WHERE tenant_id = $1 AND id = $2
		    AND current_node_id = $3 AND status = 'active'`,
		tenantID, campaignID, fromNodeID, reason,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to stop campaign", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordTransition appends one entry to the transition history.
func (r *CampaignRepository) RecordTransition(ctx context.Context, t *types.TransitionRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO campaign_transitions
		   (tenant_id, campaign_id, from_node_id, to_node_id, event_type, event_ref, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.TenantID, t.CampaignID, t.FromNodeID, t.ToNodeID, t.EventType, t.EventRef, t.OccurredAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record transition", err)
	}
	return nil
}

// NodeEntryTime returns the most recent time the campaign entered the given
// node, derived from the transition history. The second return is false
// when the history has no entry into the node (e.g. the start node, which
// is entered at enrollment, not by a transition).
func (r *CampaignRepository) NodeEntryTime(ctx context.Context, tenantID, campaignID, nodeID string) (time.Time, bool, error) {
	var entered time.Time
	err := r.db.QueryRow(ctx,
		`SELECT occurred_at
		   FROM campaign_transitions
		  WHERE tenant_id = $1 AND campaign_id = $2 AND to_node_id = $3
		  ORDER BY occurred_at DESC
		  LIMIT 1`,
		tenantID, campaignID, nodeID,
	).Scan(&entered)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, types.NewAppError(types.ErrCodeInternalDB, "failed to load node entry time", err)
	}
	return entered, true, nil
}
