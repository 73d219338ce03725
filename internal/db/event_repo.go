package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"outreach/internal/types"
)

// EventRepository provides data access for the append-only message_events
// log and the calendar_clicks side channel.
type EventRepository struct {
	db DBTX
}

// NewEventRepository creates a new EventRepository backed by the given
// database connection (pool or transaction).
func NewEventRepository(db DBTX) *EventRepository {
	return &EventRepository{db: db}
}

// RecordMessageEvent appends one real event to the log.
func (r *EventRepository) RecordMessageEvent(ctx context.Context, e *types.MessageEvent) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO message_events (message_id, event_type, occurred_at, recorded_at)
		 VALUES ($1, $2, $3, NOW())`,
		e.MessageID, e.EventType, e.OccurredAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record message event", err)
	}
	return nil
}

// HasEvent reports whether a real event of the given type exists for the
// message. This is the reconciliation worker's "did the real thing already
// happen?" check.
func (r *EventRepository) HasEvent(ctx context.Context, messageID string, eventType types.EventType) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM message_events
		    WHERE message_id = $1 AND event_type = $2
		 )`,
		messageID, eventType,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check message event", err)
	}
	return exists, nil
}

// RecordCalendarClick appends one out-of-band click signal.
func (r *EventRepository) RecordCalendarClick(ctx context.Context, c *types.CalendarClick) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO calendar_clicks (campaign_id, node_id, contact_id, lead_id, clicked_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.CampaignID, c.NodeID, c.ContactID, c.LeadID, c.ClickedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record calendar click", err)
	}
	return nil
}

// LatestCalendarClickSince returns the most recent calendar click for the
// campaign recorded at or after since, or nil when none occurred.
func (r *EventRepository) LatestCalendarClickSince(ctx context.Context, campaignID string, since time.Time) (*types.CalendarClick, error) {
	var c types.CalendarClick
	err := r.db.QueryRow(ctx,
		`SELECT id, campaign_id, node_id, contact_id, lead_id, clicked_at
		   FROM calendar_clicks
		  WHERE campaign_id = $1 AND clicked_at >= $2
		  ORDER BY clicked_at DESC
		  LIMIT 1`,
		campaignID, since,
	).Scan(&c.ID, &c.CampaignID, &c.NodeID, &c.ContactID, &c.LeadID, &c.ClickedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load calendar click", err)
	}
	return &c, nil
}
