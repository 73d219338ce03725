package types

import "time"

// Queue names. One worker pool runs per queue so send throughput and timer
// reconciliation scale independently.
const (
	QueueSends    = "campaign_sends"
	QueueTimeouts = "campaign_timeouts"
)

// Job names within the queues.
const (
	JobSendMessage    = "send_message"
	JobProcessTimeout = "process_timeout"
)

// TimeoutJobPayload is the wire contract between the scheduler and the
// timeout reconciliation worker. MessageID is empty for timers armed at
// node entry before any send (a wait start node); such timers have no
// message to reconcile against.
type TimeoutJobPayload struct {
	TenantID    string    `json:"tenant_id" validate:"required"`
	CampaignID  string    `json:"campaign_id" validate:"required"`
	ContactID   string    `json:"contact_id"`
	LeadID      string    `json:"lead_id"`
	NodeID      string    `json:"node_id" validate:"required"`
	MessageID   string    `json:"message_id"`
	EventType   EventType `json:"event_type" validate:"required"`
	ActionID    string    `json:"action_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// SendJobPayload is the wire contract between the scheduler and the send
// worker.
type SendJobPayload struct {
	TenantID   string `json:"tenant_id" validate:"required"`
	CampaignID string `json:"campaign_id" validate:"required"`
	ContactID  string `json:"contact_id"`
	LeadID     string `json:"lead_id"`
	NodeID     string `json:"node_id" validate:"required"`
	Channel    string `json:"channel"`
	ActionID   string `json:"action_id"`
}

// RecoveryReport aggregates the outcome of one startup-recovery pass. It is
// surfaced to process startup logs; it is not a network-facing API.
type RecoveryReport struct {
	Total     int `json:"total"`
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
}
