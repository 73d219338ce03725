// Package ingest exposes the engine's HTTP surface: normalized provider
// event ingestion, the calendar-link redirect that records out-of-band
// clicks, and campaign enrollment.
package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"outreach/internal/core"
	"outreach/internal/engine"
	"outreach/internal/types"
)

// Engine is the interpreter surface the handlers drive.
type Engine interface {
	ProcessTransition(ctx context.Context, req engine.TransitionRequest) (engine.TransitionResult, error)
	Enroll(ctx context.Context, req engine.EnrollmentRequest) (*types.CampaignInstance, []engine.NextAction, error)
}

// EventRecorder is the write side of the event store. *db.EventRepository
// satisfies it.
type EventRecorder interface {
	RecordMessageEvent(ctx context.Context, e *types.MessageEvent) error
	RecordCalendarClick(ctx context.Context, c *types.CalendarClick) error
}

// Handler holds the ingestion endpoints.
type Handler struct {
	engine   Engine
	events   EventRecorder
	validate *validator.Validate
	clock    types.Clock
	logger   types.Logger
}

// NewHandler creates the ingestion handler set.
func NewHandler(eng Engine, events EventRecorder, clock types.Clock, logger types.Logger) *Handler {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Handler{
		engine:   eng,
		events:   events,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		clock:    clock,
		logger:   logger,
	}
}

// Mount registers the routes on the given router.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", h.HandleEvent)
		r.Post("/campaigns", h.HandleEnroll)
		r.Get("/calendar/click", h.HandleCalendarClick)
	})
}

// eventRequest is one normalized (or provider-raw) engagement event. The
// campaign fields are optional: a recording-only consumer may not resolve
// the message to a campaign, in which case the event is logged for the
// reconciliation check but drives no transition.
type eventRequest struct {
	MessageID  string    `json:"message_id" validate:"required"`
	EventType  string    `json:"event_type" validate:"required"`
	OccurredAt time.Time `json:"occurred_at"`
	TenantID   string    `json:"tenant_id"`
	CampaignID string    `json:"campaign_id"`
}

// eventResponse reports what the engine did with the event.
type eventResponse struct {
	EventType  types.EventType          `json:"event_type"`
	Recorded   bool                     `json:"recorded"`
	Transition *engine.TransitionResult `json:"transition,omitempty"`
}

// HandleEvent ingests one engagement event: normalize, append to the event
// log, and apply it to the campaign when it is transition-worthy and the
// caller resolved the campaign.
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"event is missing required fields", err))
		return
	}

	eventType := types.NormalizeEventType(req.EventType)
	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = h.clock.Now()
	}

	if err := h.events.RecordMessageEvent(r.Context(), &types.MessageEvent{
		MessageID:  req.MessageID,
		EventType:  eventType,
		OccurredAt: occurredAt,
	}); err != nil {
		core.Error(w, r, err)
		return
	}

	resp := eventResponse{EventType: eventType, Recorded: true}

	if eventType.TriggersTransition() && req.CampaignID != "" && req.TenantID != "" {
		result, err := h.engine.ProcessTransition(r.Context(), engine.TransitionRequest{
			TenantID:   req.TenantID,
			CampaignID: req.CampaignID,
			EventType:  eventType,
			EventRef:   req.MessageID,
		})
		if err != nil {
			core.Error(w, r, err)
			return
		}
		resp.Transition = &result
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}

// enrollRequest creates one contact's campaign instance.
type enrollRequest struct {
	TenantID  string          `json:"tenant_id" validate:"required"`
	LeadID    string          `json:"lead_id" validate:"required"`
	ContactID string          `json:"contact_id" validate:"required"`
	Channel   string          `json:"channel" validate:"required"`
	Plan      json.RawMessage `json:"plan" validate:"required"`
}

type enrollResponse struct {
	Campaign    *types.CampaignInstance `json:"campaign"`
	NextActions []engine.NextAction     `json:"next_actions,omitempty"`
}

// HandleEnroll creates a campaign instance from a plan document and arms
// the start node.
func (h *Handler) HandleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"enrollment is missing required fields", err))
		return
	}

	inst, next, err := h.engine.Enroll(r.Context(), engine.EnrollmentRequest{
		TenantID:  req.TenantID,
		LeadID:    req.LeadID,
		ContactID: req.ContactID,
		Channel:   req.Channel,
		Plan:      req.Plan,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: enrollResponse{
		Campaign:    inst,
		NextActions: next,
	}})
}

// HandleCalendarClick records an out-of-band click from a tracked calendar
// link and redirects the visitor to the real booking page. The click is not
// applied to the campaign here; the no_click reconciliation check picks it
// up when the timer fires.
func (h *Handler) HandleCalendarClick(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	campaignID := q.Get("campaign")
	nodeID := q.Get("node")
	target := q.Get("redirect")

	if campaignID == "" || target == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"campaign and redirect query parameters are required", nil))
		return
	}
	if _, err := url.ParseRequestURI(target); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidPayload,
			"redirect target is not a valid URL", err))
		return
	}

	if err := h.events.RecordCalendarClick(r.Context(), &types.CalendarClick{
		CampaignID: campaignID,
		NodeID:     nodeID,
		ContactID:  q.Get("contact"),
		LeadID:     q.Get("lead"),
		ClickedAt:  h.clock.Now(),
	}); err != nil {
		// The visitor still gets their booking page; losing the signal
		// only means the timeout path decides without it.
		h.logger.Error("failed to record calendar click",
			"campaign_id", campaignID, "error", err)
	}

	http.Redirect(w, r, target, http.StatusFound)
}
