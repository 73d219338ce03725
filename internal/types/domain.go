package types

import (
	"encoding/json"
	"time"
)

// QuietHours is a timezone-local time-of-day window during which no new
// sends may be scheduled. Times are "HH:MM"; the window wraps midnight
// when End <= Start (e.g. 22:00-06:00).
type QuietHours struct {
	Start string `json:"start" validate:"required"`
	End   string `json:"end" validate:"required"`
}

// TimerDefaults holds the plan-level default durations (ISO-8601 interval
// strings) applied when a transition omits its own deadline.
type TimerDefaults struct {
	NoOpen  string `json:"no_open,omitempty"`
	NoClick string `json:"no_click,omitempty"`
}

// PlanDefaults groups plan-wide default settings.
type PlanDefaults struct {
	Timers TimerDefaults `json:"timers"`
}

// Transition is an edge in the plan graph, taken when the named event
// occurs. Exactly one of Within (deadline for a positive event) or After
// (delay before a synthetic timeout event fires) must be set; both are
// ISO-8601 interval strings.
type Transition struct {
	On     EventType `json:"on" validate:"required"`
	To     string    `json:"to" validate:"required"`
	Within string    `json:"within,omitempty"`
	After  string    `json:"after,omitempty"`
}

// NodeSchedule configures when a node's own action fires relative to entry.
type NodeSchedule struct {
	Delay string `json:"delay,omitempty"`
}

// PlanNode is a state in the campaign plan.
type PlanNode struct {
	ID          string        `json:"id" validate:"required"`
	Channel     string        `json:"channel"`
	Action      NodeAction    `json:"action" validate:"required,oneof=send wait stop"`
	Schedule    *NodeSchedule `json:"schedule,omitempty"`
	Transitions []Transition  `json:"transitions"`
}

// CampaignPlan is the declarative node/transition graph describing one
// contact's outreach sequence. It is immutable once attached to a running
// CampaignInstance.
type CampaignPlan struct {
	Version string `json:"version" validate:"required"`
	// Timezone is the IANA zone quiet-hours math runs in. Empty falls back
	// to the engine's configured default.
	Timezone    string       `json:"timezone"`
	QuietHours  *QuietHours  `json:"quietHours,omitempty"`
	Defaults    PlanDefaults `json:"defaults"`
	StartNodeID string       `json:"startNodeId" validate:"required"`
	Nodes       []PlanNode   `json:"nodes" validate:"required,min=1,dive"`
}

// Node returns the node with the given id, or nil when absent.
func (p *CampaignPlan) Node(id string) *PlanNode {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i]
		}
	}
	return nil
}

// CampaignInstance is one contact's enrollment in a campaign. It holds the
// immutable plan document, the node currently in flight, and when that node
// was entered (needed for quiet-hours-adjusted timeouts and calendar-click
// window checks).
type CampaignInstance struct {
	ID            string          `json:"id" db:"id"`
	TenantID      string          `json:"tenant_id" db:"tenant_id"`
	LeadID        string          `json:"lead_id" db:"lead_id"`
	ContactID     string          `json:"contact_id" db:"contact_id"`
	Channel       string          `json:"channel" db:"channel"`
	PlanJSON      json.RawMessage `json:"plan" db:"plan_json"`
	Status        CampaignStatus  `json:"status" db:"status"`
	CurrentNodeID string          `json:"current_node_id" db:"current_node_id"`
	NodeEnteredAt time.Time       `json:"node_entered_at" db:"node_entered_at"`
	StoppedReason string          `json:"stopped_reason,omitempty" db:"stopped_reason"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// ScheduledAction is the durable ledger record of a pending timer,
// independent of the job queue's own state. It is the crash-recovery anchor:
// the row is written before the corresponding queue job is trusted to exist,
// so the queue can always be rebuilt from the ledger.
type ScheduledAction struct {
	ID          string          `json:"id" db:"id"`
	TenantID    string          `json:"tenant_id" db:"tenant_id"`
	CampaignID  string          `json:"campaign_id" db:"campaign_id"`
	ContactID   string          `json:"contact_id" db:"contact_id"`
	NodeID      string          `json:"node_id" db:"node_id"`
	ActionType  ActionType      `json:"action_type" db:"action_type"`
	ScheduledAt time.Time       `json:"scheduled_at" db:"scheduled_at"`
	Status      ActionStatus    `json:"status" db:"status"`
	JobID       string          `json:"job_id,omitempty" db:"job_id"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	Reason      string          `json:"reason,omitempty" db:"reason"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// MessageEvent is one entry in the append-only log of real events observed
// from the delivery/engagement pipeline, keyed by outbound message id.
type MessageEvent struct {
	ID         int64     `json:"id" db:"id"`
	MessageID  string    `json:"message_id" db:"message_id"`
	EventType  EventType `json:"event_type" db:"event_type"`
	OccurredAt time.Time `json:"occurred_at" db:"occurred_at"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}

// CalendarClick is an out-of-band positive engagement signal: the contact
// followed a tracked side-channel link (e.g. a calendar booking link). It is
// not tied to the message open/click pipeline but pre-empts a no_click
// timeout exactly like a real click would.
type CalendarClick struct {
	ID         int64     `json:"id" db:"id"`
	CampaignID string    `json:"campaign_id" db:"campaign_id"`
	NodeID     string    `json:"node_id" db:"node_id"`
	ContactID  string    `json:"contact_id" db:"contact_id"`
	LeadID     string    `json:"lead_id" db:"lead_id"`
	ClickedAt  time.Time `json:"clicked_at" db:"clicked_at"`
}

// TransitionRecord is one entry in the append-only transition history for a
// campaign. Node entry times are derived from this history, never from timer
// scheduling metadata (those differ when a node is re-armed).
type TransitionRecord struct {
	ID         int64     `json:"id" db:"id"`
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	CampaignID string    `json:"campaign_id" db:"campaign_id"`
	FromNodeID string    `json:"from_node_id" db:"from_node_id"`
	ToNodeID   string    `json:"to_node_id" db:"to_node_id"`
	EventType  EventType `json:"event_type" db:"event_type"`
	EventRef   string    `json:"event_ref,omitempty" db:"event_ref"`
	OccurredAt time.Time `json:"occurred_at" db:"occurred_at"`
}
