package types

// CampaignStatus represents the lifecycle state of a CampaignInstance.
type CampaignStatus string

const (
	CampaignStatusActive  CampaignStatus = "active"
	CampaignStatusStopped CampaignStatus = "stopped"
	CampaignStatusFailed  CampaignStatus = "failed"
)

// NodeAction is the closed set of things a plan node can do.
type NodeAction string

const (
	NodeActionSend NodeAction = "send"
	NodeActionWait NodeAction = "wait"
	NodeActionStop NodeAction = "stop"
)

// ActionType identifies what a ScheduledAction will do when it fires.
type ActionType string

const (
	ActionTypeSend    ActionType = "send"
	ActionTypeTimeout ActionType = "timeout"
)

// ActionStatus is the lifecycle of a ScheduledAction ledger row.
// Rows are never deleted; completed and expired rows are retained for audit.
type ActionStatus string

const (
	ActionStatusPending    ActionStatus = "pending"
	ActionStatusProcessing ActionStatus = "processing"
	ActionStatusCompleted  ActionStatus = "completed"
	ActionStatusExpired    ActionStatus = "expired"
	ActionStatusFailed     ActionStatus = "failed"
)

// EventType is the vocabulary of campaign events, both real (observed from
// the delivery/engagement pipeline) and synthetic (timeout-driven).
type EventType string

const (
	EventDelivered   EventType = "delivered"
	EventOpened      EventType = "opened"
	EventClicked     EventType = "clicked"
	EventBounced     EventType = "bounce"
	EventSpamReport  EventType = "spam_report"
	EventUnsubscribe EventType = "unsubscribe"
	EventDropped     EventType = "dropped"

	// Synthetic timeout events generated by the scheduler.
	EventNoOpen  EventType = "no_open"
	EventNoClick EventType = "no_click"
)

// providerEventMap translates provider-specific webhook vocabulary into the
// normalized EventType set. Events not present pass through unchanged.
var providerEventMap = map[string]EventType{
	"open":        EventOpened,
	"opened":      EventOpened,
	"click":       EventClicked,
	"clicked":     EventClicked,
	"delivered":   EventDelivered,
	"bounce":      EventBounced,
	"bounced":     EventBounced,
	"spamreport":  EventSpamReport,
	"spam_report": EventSpamReport,
	"unsubscribe": EventUnsubscribe,
	"dropped":     EventDropped,
}

// NormalizeEventType maps a provider event name to the normalized vocabulary.
// Unknown names are passed through unchanged so new provider events are
// recorded rather than dropped.
func NormalizeEventType(provider string) EventType {
	if mapped, ok := providerEventMap[provider]; ok {
		return mapped
	}
	return EventType(provider)
}

// nonTransitionEvents are recorded in the event log but never drive a state
// transition. Raw click-tracking pings fall here: they confirm the tracking
// pixel fired, not that the contact engaged.
var nonTransitionEvents = map[EventType]struct{}{
	EventDelivered: {},
	EventDropped:   {},
}

// TriggersTransition reports whether an event type may drive a plan
// transition. The excluded set is configuration, not a defect: some events
// are observational only.
func (e EventType) TriggersTransition() bool {
	_, excluded := nonTransitionEvents[e]
	return !excluded
}

// IsTimeout reports whether the event is a synthetic timeout event.
func (e EventType) IsTimeout() bool {
	return e == EventNoOpen || e == EventNoClick
}

// PositiveCounterpart returns the real event that supersedes a synthetic
// timeout (no_open -> opened, no_click -> clicked). The second return is
// false when the event is not a timeout event.
func (e EventType) PositiveCounterpart() (EventType, bool) {
	switch e {
	case EventNoOpen:
		return EventOpened, true
	case EventNoClick:
		return EventClicked, true
	default:
		return "", false
	}
}
