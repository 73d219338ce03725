// Package workers contains the queue consumers: the timeout reconciliation
// worker that resolves timer-vs-real-event races, and the send worker that
// hands due sends to the message dispatch collaborator.
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"outreach/internal/engine"
	"outreach/internal/queue"
	"outreach/internal/types"
)

// Transitioner is the interpreter surface the workers drive.
type Transitioner interface {
	ProcessTransition(ctx context.Context, req engine.TransitionRequest) (engine.TransitionResult, error)
	ProcessTimeoutTransition(ctx context.Context, req engine.TransitionRequest) (engine.TransitionResult, error)
	NodeStartTime(ctx context.Context, tenantID, campaignID, nodeID string) (time.Time, error)
}

// EventLog is the read side of the real-event and out-of-band signal store.
// *db.EventRepository satisfies it.
type EventLog interface {
	HasEvent(ctx context.Context, messageID string, eventType types.EventType) (bool, error)
	LatestCalendarClickSince(ctx context.Context, campaignID string, since time.Time) (*types.CalendarClick, error)
}

// ActionFinisher records worker outcomes on the scheduled-action ledger.
// *db.ActionRepository satisfies it.
type ActionFinisher interface {
	MarkCompleted(ctx context.Context, id, reason string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// TimeoutWorker consumes due timer jobs. Before firing a synthetic timeout
// it checks whether the real version of the event already happened; real
// events always win, regardless of arrival order relative to the timer.
type TimeoutWorker struct {
	interp   Transitioner
	events   EventLog
	actions  ActionFinisher
	validate *validator.Validate
	logger   types.Logger
}

// NewTimeoutWorker creates the timeout reconciliation worker.
func NewTimeoutWorker(interp Transitioner, events EventLog, actions ActionFinisher, logger types.Logger) *TimeoutWorker {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &TimeoutWorker{
		interp:   interp,
		events:   events,
		actions:  actions,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Handle is the queue.Handler for timeout jobs.
func (w *TimeoutWorker) Handle(ctx context.Context, job queue.Job) error {
	var payload types.TimeoutJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrMalformedPayload, err)
	}
	if err := w.validate.Struct(payload); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrMalformedPayload, err)
	}

	// Real event precedence check. A timer armed before any send (a wait
	// start node) carries no message id and has nothing to check against.
	if payload.MessageID != "" {
		positive, ok := payload.EventType.PositiveCounterpart()
		if !ok {
			return fmt.Errorf("%w: %q has no positive counterpart", queue.ErrMalformedPayload, payload.EventType)
		}

		happened, err := w.events.HasEvent(ctx, payload.MessageID, positive)
		if err != nil {
			return err
		}
		if happened {
			w.logger.Info("timeout superseded by real event",
				"campaign_id", payload.CampaignID,
				"node_id", payload.NodeID,
				"message_id", payload.MessageID,
				"event_type", payload.EventType,
				"reason", engine.ReasonRealEventExists,
			)
			return w.finish(ctx, payload.ActionID, engine.ReasonRealEventExists)
		}
	}

	// A no_click timeout additionally yields to an out-of-band click signal
	// observed since the node was entered; that counts as a real click.
	if payload.EventType == types.EventNoClick {
		fired, err := w.checkCalendarClick(ctx, payload)
		if err != nil {
			return err
		}
		if fired {
			return w.finish(ctx, payload.ActionID, engine.ReasonCalendarClickFound)
		}
	}

	res, err := w.interp.ProcessTimeoutTransition(ctx, engine.TransitionRequest{
		TenantID:      payload.TenantID,
		CampaignID:    payload.CampaignID,
		EventType:     payload.EventType,
		EventRef:      payload.MessageID,
		CurrentNodeID: payload.NodeID,
	})
	if err != nil {
		return err
	}

	reason := res.Reason
	if reason == "" {
		reason = "timeout_fired"
	}
	w.logger.Info("timeout processed",
		"campaign_id", payload.CampaignID,
		"node_id", payload.NodeID,
		"event_type", payload.EventType,
		"success", res.Success,
		"reason", reason,
	)
	return w.finish(ctx, payload.ActionID, reason)
}

// checkCalendarClick looks for an out-of-band click since the node was
// entered and, when found, fires a clicked transition in its place.
func (w *TimeoutWorker) checkCalendarClick(ctx context.Context, payload types.TimeoutJobPayload) (bool, error) {
	nodeStart, err := w.interp.NodeStartTime(ctx, payload.TenantID, payload.CampaignID, payload.NodeID)
	if err != nil {
		return false, err
	}

	click, err := w.events.LatestCalendarClickSince(ctx, payload.CampaignID, nodeStart)
	if err != nil {
		return false, err
	}
	if click == nil {
		return false, nil
	}

	w.logger.Info("no_click timeout superseded by calendar click",
		"campaign_id", payload.CampaignID,
		"node_id", payload.NodeID,
		"clicked_at", click.ClickedAt,
	)
	_, err = w.interp.ProcessTransition(ctx, engine.TransitionRequest{
		TenantID:      payload.TenantID,
		CampaignID:    payload.CampaignID,
		EventType:     types.EventClicked,
		EventRef:      fmt.Sprintf("calendar_click:%d", click.ID),
		CurrentNodeID: payload.NodeID,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (w *TimeoutWorker) finish(ctx context.Context, actionID, reason string) error {
	if actionID == "" {
		return nil
	}
	return w.actions.MarkCompleted(ctx, actionID, reason)
}
