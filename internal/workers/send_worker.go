package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"outreach/internal/engine"
	"outreach/internal/plan"
	"outreach/internal/queue"
	"outreach/internal/types"
)

// CampaignGetter loads campaign instances. *db.CampaignRepository
// satisfies it.
type CampaignGetter interface {
	Get(ctx context.Context, tenantID, campaignID string) (*types.CampaignInstance, error)
}

// TimeoutArmer arms a node's timeout timers once the outbound message id is
// known. *engine.Interpreter satisfies it.
type TimeoutArmer interface {
	ArmTimeouts(ctx context.Context, inst *types.CampaignInstance, pl *types.CampaignPlan, nodeID, messageID string, enteredAt time.Time) ([]engine.NextAction, error)
}

// SendWorker consumes due send jobs: it verifies the campaign is still on
// the node the send was armed for, dispatches through the message
// collaborator, and arms the node's timeout timers keyed to the returned
// message id.
type SendWorker struct {
	campaigns  CampaignGetter
	actions    ActionFinisher
	armer      TimeoutArmer
	dispatcher types.MessageDispatcher
	validate   *validator.Validate
	clock      types.Clock
	logger     types.Logger
}

// NewSendWorker creates the send worker.
func NewSendWorker(campaigns CampaignGetter, actions ActionFinisher, armer TimeoutArmer, dispatcher types.MessageDispatcher, clock types.Clock, logger types.Logger) *SendWorker {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &SendWorker{
		campaigns:  campaigns,
		actions:    actions,
		armer:      armer,
		dispatcher: dispatcher,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		clock:      clock,
		logger:     logger,
	}
}

// Handle is the queue.Handler for send jobs.
func (w *SendWorker) Handle(ctx context.Context, job queue.Job) error {
	var payload types.SendJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrMalformedPayload, err)
	}
	if err := w.validate.Struct(payload); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrMalformedPayload, err)
	}

	inst, err := w.campaigns.Get(ctx, payload.TenantID, payload.CampaignID)
	if err != nil {
		return err
	}

	// A send armed for a node the campaign already left, or for a stopped
	// campaign, is quietly dropped. Sending it anyway would contact a lead
	// the plan has already moved past.
	if inst.Status != types.CampaignStatusActive || inst.CurrentNodeID != payload.NodeID {
		w.logger.Info("skipping stale send",
			"campaign_id", payload.CampaignID,
			"node_id", payload.NodeID,
			"live_node", inst.CurrentNodeID,
			"status", inst.Status,
		)
		return w.finishSkipped(ctx, payload.ActionID, engine.ReasonStaleNode)
	}

	messageID, err := w.dispatcher.Dispatch(ctx, payload)
	if err != nil {
		if job.Attempt >= job.MaxAttempts && payload.ActionID != "" {
			if mErr := w.actions.MarkFailed(ctx, payload.ActionID, err.Error()); mErr != nil {
				w.logger.Error("failed to mark exhausted send action failed",
					"action_id", payload.ActionID, "error", mErr)
			}
		}
		return err
	}

	if payload.ActionID != "" {
		if err := w.actions.MarkCompleted(ctx, payload.ActionID, "dispatched:"+messageID); err != nil {
			return err
		}
	}

	pl, err := plan.Load(inst.PlanJSON)
	if err != nil {
		return err
	}
	armed, err := w.armer.ArmTimeouts(ctx, inst, pl, payload.NodeID, messageID, w.clock.Now())
	if err != nil {
		return err
	}

	w.logger.Info("message dispatched",
		"campaign_id", payload.CampaignID,
		"node_id", payload.NodeID,
		"message_id", messageID,
		"channel", payload.Channel,
		"armed_timers", len(armed),
	)
	return nil
}

func (w *SendWorker) finishSkipped(ctx context.Context, actionID, reason string) error {
	if actionID == "" {
		return nil
	}
	return w.actions.MarkCompleted(ctx, actionID, reason)
}
