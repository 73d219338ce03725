// Package engine implements the campaign state-machine interpreter: given a
// campaign instance and an incoming event (real or synthetic), it computes
// the next node, persists the transition, and arms whatever future actions
// the destination node requires.
//
// All node moves go through compare-and-set updates keyed on the node the
// caller observed, so an event racing a timer for the same campaign resolves
// to exactly one winner; the loser gets a stale-node no-op, never an error.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"outreach/internal/config"
	"outreach/internal/plan"
	"outreach/internal/queue"
	"outreach/internal/schedule"
	"outreach/internal/types"
)

// No-op and outcome reasons reported in TransitionResult.Reason.
const (
	ReasonCampaignNotActive    = "campaign_not_active"
	ReasonNoMatchingTransition = "no_matching_transition"
	ReasonStaleNode            = "stale_node"
	ReasonCampaignStopped      = "campaign_stopped"
	ReasonRealEventExists      = "real_event_exists"
	ReasonCalendarClickFound   = "calendar_click_found"
)

// TransitionRequest describes one event applied to one campaign.
type TransitionRequest struct {
	TenantID   string
	CampaignID string
	EventType  types.EventType
	// EventRef identifies what caused the event: the outbound message id
	// for pipeline events, or an out-of-band signal reference.
	EventRef string
	// CurrentNodeID is the node the caller believes is live. Timeout jobs
	// set it to the node their timer was armed for; when empty the
	// instance's live node is used.
	CurrentNodeID string
}

// NextAction describes one future action armed by a transition.
type NextAction struct {
	ActionID  string           `json:"action_id"`
	Type      types.ActionType `json:"type"`
	NodeID    string           `json:"node_id"`
	EventType types.EventType  `json:"event_type,omitempty"`
	Scheduled time.Time        `json:"scheduled"`
}

// TransitionResult is the uniform outcome of every interpreter call.
// Success false with a Reason is a normal no-op, not a failure.
type TransitionResult struct {
	Success     bool         `json:"success"`
	FromNodeID  string       `json:"from_node_id,omitempty"`
	ToNodeID    string       `json:"to_node_id,omitempty"`
	NextActions []NextAction `json:"next_actions,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}

// CampaignStore is the slice of campaign persistence the interpreter needs.
// *db.CampaignRepository satisfies it.
type CampaignStore interface {
	Get(ctx context.Context, tenantID, campaignID string) (*types.CampaignInstance, error)
	Create(ctx context.Context, c *types.CampaignInstance) error
	TransitionNode(ctx context.Context, tenantID, campaignID, fromNodeID, toNodeID string, enteredAt time.Time) (bool, error)
	Stop(ctx context.Context, tenantID, campaignID, fromNodeID, reason string) (bool, error)
	RecordTransition(ctx context.Context, t *types.TransitionRecord) error
	NodeEntryTime(ctx context.Context, tenantID, campaignID, nodeID string) (time.Time, bool, error)
}

// ActionStore is the slice of the scheduled-action ledger the interpreter
// needs. *db.ActionRepository satisfies it.
type ActionStore interface {
	Create(ctx context.Context, a *types.ScheduledAction) error
	MarkProcessing(ctx context.Context, id, jobID string) (bool, error)
}

// JobEnqueuer persists delayed jobs. *queue.Scheduler satisfies it.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, queueName, jobName string, payload any, opts queue.EnqueueOptions) (string, error)
}

// Interpreter advances campaign instances through their plans.
type Interpreter struct {
	campaigns CampaignStore
	actions   ActionStore
	scheduler JobEnqueuer
	calc      *schedule.Calculator
	cfg       config.EngineConfig
	clock     types.Clock
	logger    types.Logger
}

// NewInterpreter wires the interpreter's collaborators.
func NewInterpreter(
	campaigns CampaignStore,
	actions ActionStore,
	scheduler JobEnqueuer,
	calc *schedule.Calculator,
	cfg config.EngineConfig,
	clock types.Clock,
	logger types.Logger,
) *Interpreter {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Interpreter{
		campaigns: campaigns,
		actions:   actions,
		scheduler: scheduler,
		calc:      calc,
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
	}
}

// ProcessTransition applies a real event to a campaign. Unmatched events and
// lost races return a no-op result with a reason; only infrastructure
// failures return an error.
func (i *Interpreter) ProcessTransition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	inst, err := i.campaigns.Get(ctx, req.TenantID, req.CampaignID)
	if err != nil {
		return TransitionResult{}, err
	}

	if inst.Status != types.CampaignStatusActive {
		i.logger.Info("event ignored, campaign not active",
			"campaign_id", inst.ID, "status", inst.Status, "event_type", req.EventType)
		return TransitionResult{Reason: ReasonCampaignNotActive}, nil
	}

	from := req.CurrentNodeID
	if from == "" {
		from = inst.CurrentNodeID
	}
	if from != inst.CurrentNodeID {
		// The campaign already moved past the node this event targets.
		i.logger.Info("event targets a node the campaign already left",
			"campaign_id", inst.ID, "event_node", from,
			"live_node", inst.CurrentNodeID, "event_type", req.EventType)
		return TransitionResult{FromNodeID: from, Reason: ReasonStaleNode}, nil
	}

	pl, err := plan.Load(inst.PlanJSON)
	if err != nil {
		return TransitionResult{}, err
	}

	node := pl.Node(from)
	if node == nil {
		return TransitionResult{}, types.NewAppError(types.ErrCodeNotFoundNode,
			fmt.Sprintf("campaign is on node %q which the plan does not define", from), nil)
	}

	tr := matchTransition(node, req.EventType)
	if tr == nil {
		i.logger.Info("no transition for event, ignoring",
			"campaign_id", inst.ID, "node_id", from, "event_type", req.EventType)
		return TransitionResult{FromNodeID: from, Reason: ReasonNoMatchingTransition}, nil
	}

	dest := pl.Node(tr.To)
	if dest == nil {
		return TransitionResult{}, types.NewAppError(types.ErrCodeNotFoundNode,
			fmt.Sprintf("transition target %q not found in plan", tr.To), nil)
	}

	now := i.clock.Now()

	if dest.Action == types.NodeActionStop {
		moved, err := i.campaigns.Stop(ctx, inst.TenantID, inst.ID, from, "reached node "+dest.ID)
		if err != nil {
			return TransitionResult{}, err
		}
		if !moved {
			return TransitionResult{FromNodeID: from, Reason: ReasonStaleNode}, nil
		}
		if err := i.recordTransition(ctx, inst, from, dest.ID, req, now); err != nil {
			return TransitionResult{}, err
		}
		i.logger.Info("campaign stopped",
			"campaign_id", inst.ID, "node_id", dest.ID, "event_type", req.EventType)
		return TransitionResult{
			Success:    true,
			FromNodeID: from,
			ToNodeID:   dest.ID,
			Reason:     ReasonCampaignStopped,
		}, nil
	}

	moved, err := i.campaigns.TransitionNode(ctx, inst.TenantID, inst.ID, from, dest.ID, now)
	if err != nil {
		return TransitionResult{}, err
	}
	if !moved {
		i.logger.Info("lost transition race",
			"campaign_id", inst.ID, "from_node", from, "event_type", req.EventType)
		return TransitionResult{FromNodeID: from, Reason: ReasonStaleNode}, nil
	}

	if err := i.recordTransition(ctx, inst, from, dest.ID, req, now); err != nil {
		return TransitionResult{}, err
	}

	next, err := i.enterNode(ctx, inst, pl, dest, req.EventRef, now)
	if err != nil {
		return TransitionResult{}, err
	}

	i.logger.Info("campaign transitioned",
		"campaign_id", inst.ID,
		"from_node", from,
		"to_node", dest.ID,
		"event_type", req.EventType,
		"armed_actions", len(next),
	)

	return TransitionResult{
		Success:     true,
		FromNodeID:  from,
		ToNodeID:    dest.ID,
		NextActions: next,
	}, nil
}

// ProcessTimeoutTransition applies a synthetic timeout event. The request
// must name the node the timer was armed for; a campaign that already moved
// on gets a stale-node no-op.
func (i *Interpreter) ProcessTimeoutTransition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	if !req.EventType.IsTimeout() {
		return TransitionResult{}, types.NewAppError(types.ErrCodeValidationInvalidPayload,
			fmt.Sprintf("%q is not a timeout event type", req.EventType), nil)
	}
	if req.CurrentNodeID == "" {
		return TransitionResult{}, types.NewAppError(types.ErrCodeValidationInvalidPayload,
			"timeout transition requires the node the timer was armed for", nil)
	}
	return i.ProcessTransition(ctx, req)
}

// NodeStartTime returns when the campaign entered the given node, derived
// from the transition history. The start node has no history entry; its
// entry time is the enrollment time.
func (i *Interpreter) NodeStartTime(ctx context.Context, tenantID, campaignID, nodeID string) (time.Time, error) {
	entered, found, err := i.campaigns.NodeEntryTime(ctx, tenantID, campaignID, nodeID)
	if err != nil {
		return time.Time{}, err
	}
	if found {
		return entered, nil
	}
	inst, err := i.campaigns.Get(ctx, tenantID, campaignID)
	if err != nil {
		return time.Time{}, err
	}
	return inst.CreatedAt, nil
}

// EnrollmentRequest creates one contact's campaign instance.
type EnrollmentRequest struct {
	TenantID  string
	LeadID    string
	ContactID string
	Channel   string
	Plan      json.RawMessage
}

// Enroll validates the plan, creates the campaign instance on the plan's
// start node, and arms the start node's actions.
func (i *Interpreter) Enroll(ctx context.Context, req EnrollmentRequest) (*types.CampaignInstance, []NextAction, error) {
	pl, err := plan.Load(req.Plan)
	if err != nil {
		return nil, nil, err
	}

	now := i.clock.Now()
	inst := &types.CampaignInstance{
		ID:            uuid.New().String(),
		TenantID:      req.TenantID,
		LeadID:        req.LeadID,
		ContactID:     req.ContactID,
		Channel:       req.Channel,
		PlanJSON:      req.Plan,
		Status:        types.CampaignStatusActive,
		CurrentNodeID: pl.StartNodeID,
		NodeEnteredAt: now,
	}
	if err := i.campaigns.Create(ctx, inst); err != nil {
		return nil, nil, err
	}

	next, err := i.enterNode(ctx, inst, pl, pl.Node(pl.StartNodeID), "", now)
	if err != nil {
		return nil, nil, err
	}

	i.logger.Info("campaign enrolled",
		"campaign_id", inst.ID,
		"tenant_id", inst.TenantID,
		"contact_id", inst.ContactID,
		"start_node", inst.CurrentNodeID,
	)
	return inst, next, nil
}

// enterNode arms the future actions a freshly entered node requires. Send
// nodes get a send action; their timeout timers are armed only after
// dispatch, when the outbound message id is known. Wait nodes arm their
// timers immediately, keyed on the message that drove the campaign here.
func (i *Interpreter) enterNode(ctx context.Context, inst *types.CampaignInstance, pl *types.CampaignPlan, node *types.PlanNode, eventRef string, enteredAt time.Time) ([]NextAction, error) {
	switch node.Action {
	case types.NodeActionSend:
		action, err := i.armSend(ctx, inst, pl, node, enteredAt)
		if err != nil {
			return nil, err
		}
		return []NextAction{action}, nil
	case types.NodeActionWait:
		return i.ArmTimeouts(ctx, inst, pl, node.ID, eventRef, enteredAt)
	default:
		return nil, nil
	}
}

// armSend writes the ledger row for the node's send, then enqueues the send
// job. Ledger first: a row without a job is recoverable, a job without a row
// is not.
func (i *Interpreter) armSend(ctx context.Context, inst *types.CampaignInstance, pl *types.CampaignPlan, node *types.PlanNode, enteredAt time.Time) (NextAction, error) {
	var delay time.Duration
	if node.Schedule != nil && node.Schedule.Delay != "" {
		d, err := schedule.ParseDuration(node.Schedule.Delay)
		if err != nil {
			return NextAction{}, err
		}
		delay = d
	}
	tz := pl.Timezone
	if tz == "" {
		tz = i.cfg.DefaultTimezone
	}
	sendAt := i.calc.ScheduleTime(delay, tz, pl.QuietHours, enteredAt)

	channel := node.Channel
	if channel == "" {
		channel = inst.Channel
	}

	actionID := uuid.New().String()
	payload := types.SendJobPayload{
		TenantID:   inst.TenantID,
		CampaignID: inst.ID,
		ContactID:  inst.ContactID,
		LeadID:     inst.LeadID,
		NodeID:     node.ID,
		Channel:    channel,
		ActionID:   actionID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return NextAction{}, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to marshal send payload", err)
	}

	if err := i.actions.Create(ctx, &types.ScheduledAction{
		ID:          actionID,
		TenantID:    inst.TenantID,
		CampaignID:  inst.ID,
		ContactID:   inst.ContactID,
		NodeID:      node.ID,
		ActionType:  types.ActionTypeSend,
		ScheduledAt: sendAt,
		Payload:     body,
	}); err != nil {
		return NextAction{}, err
	}

	jobID, err := i.scheduler.Enqueue(ctx, types.QueueSends, types.JobSendMessage, payload, queue.EnqueueOptions{
		RunAt: sendAt,
		JobID: fmt.Sprintf("send:%s:%s:%s", inst.ID, node.ID, actionID),
	})
	if err != nil {
		// The ledger row stays pending; startup recovery re-enqueues it.
		return NextAction{}, err
	}
	if _, err := i.actions.MarkProcessing(ctx, actionID, jobID); err != nil {
		return NextAction{}, err
	}

	return NextAction{
		ActionID:  actionID,
		Type:      types.ActionTypeSend,
		NodeID:    node.ID,
		Scheduled: sendAt,
	}, nil
}

// ArmTimeouts arms one timer per timeout transition declared on the node,
// keyed to the given outbound message id. The send worker calls this after
// dispatch; wait-node entry calls it directly.
func (i *Interpreter) ArmTimeouts(ctx context.Context, inst *types.CampaignInstance, pl *types.CampaignPlan, nodeID, messageID string, enteredAt time.Time) ([]NextAction, error) {
	node := pl.Node(nodeID)
	if node == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundNode,
			fmt.Sprintf("node %q not found in plan", nodeID), nil)
	}

	var armed []NextAction
	for _, tr := range node.Transitions {
		if !tr.On.IsTimeout() {
			continue
		}

		text, err := plan.TimerDuration(pl, tr)
		if err != nil {
			return nil, err
		}
		d, err := schedule.ParseDuration(text)
		if err != nil {
			return nil, err
		}
		fireAt := enteredAt.Add(d)

		actionID := uuid.New().String()
		payload := types.TimeoutJobPayload{
			TenantID:    inst.TenantID,
			CampaignID:  inst.ID,
			ContactID:   inst.ContactID,
			LeadID:      inst.LeadID,
			NodeID:      node.ID,
			MessageID:   messageID,
			EventType:   tr.On,
			ActionID:    actionID,
			ScheduledAt: fireAt,
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
				"failed to marshal timeout payload", err)
		}

		if err := i.actions.Create(ctx, &types.ScheduledAction{
			ID:          actionID,
			TenantID:    inst.TenantID,
			CampaignID:  inst.ID,
			ContactID:   inst.ContactID,
			NodeID:      node.ID,
			ActionType:  types.ActionTypeTimeout,
			ScheduledAt: fireAt,
			Payload:     body,
		}); err != nil {
			return nil, err
		}

		jobID, err := i.scheduler.Enqueue(ctx, types.QueueTimeouts, types.JobProcessTimeout, payload, queue.EnqueueOptions{
			RunAt: fireAt,
			JobID: fmt.Sprintf("timeout:%s:%s:%s:%s", inst.ID, node.ID, tr.On, actionID),
		})
		if err != nil {
			return nil, err
		}
		if _, err := i.actions.MarkProcessing(ctx, actionID, jobID); err != nil {
			return nil, err
		}

		armed = append(armed, NextAction{
			ActionID:  actionID,
			Type:      types.ActionTypeTimeout,
			NodeID:    node.ID,
			EventType: tr.On,
			Scheduled: fireAt,
		})
	}
	return armed, nil
}

func (i *Interpreter) recordTransition(ctx context.Context, inst *types.CampaignInstance, from, to string, req TransitionRequest, occurredAt time.Time) error {
	return i.campaigns.RecordTransition(ctx, &types.TransitionRecord{
		TenantID:   inst.TenantID,
		CampaignID: inst.ID,
		FromNodeID: from,
		ToNodeID:   to,
		EventType:  req.EventType,
		EventRef:   req.EventRef,
		OccurredAt: occurredAt,
	})
}

func matchTransition(node *types.PlanNode, event types.EventType) *types.Transition {
	for idx := range node.Transitions {
		if node.Transitions[idx].On == event {
			return &node.Transitions[idx]
		}
	}
	return nil
}
