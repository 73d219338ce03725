package workers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"outreach/internal/engine"
	"outreach/internal/queue"
	"outreach/internal/types"
)

// --- Mocks ---

type mockTransitioner struct {
	mock.Mock
}

func (m *mockTransitioner) ProcessTransition(ctx context.Context, req engine.TransitionRequest) (engine.TransitionResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(engine.TransitionResult), args.Error(1)
}

func (m *mockTransitioner) ProcessTimeoutTransition(ctx context.Context, req engine.TransitionRequest) (engine.TransitionResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(engine.TransitionResult), args.Error(1)
}

func (m *mockTransitioner) NodeStartTime(ctx context.Context, tenantID, campaignID, nodeID string) (time.Time, error) {
	args := m.Called(ctx, tenantID, campaignID, nodeID)
	return args.Get(0).(time.Time), args.Error(1)
}

type mockEventLog struct {
	mock.Mock
}

func (m *mockEventLog) HasEvent(ctx context.Context, messageID string, eventType types.EventType) (bool, error) {
	args := m.Called(ctx, messageID, eventType)
	return args.Bool(0), args.Error(1)
}

func (m *mockEventLog) LatestCalendarClickSince(ctx context.Context, campaignID string, since time.Time) (*types.CalendarClick, error) {
	args := m.Called(ctx, campaignID, since)
	if c := args.Get(0); c != nil {
		return c.(*types.CalendarClick), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockActionFinisher struct {
	mock.Mock
}

func (m *mockActionFinisher) MarkCompleted(ctx context.Context, id, reason string) error {
	return m.Called(ctx, id, reason).Error(0)
}

func (m *mockActionFinisher) MarkFailed(ctx context.Context, id, reason string) error {
	return m.Called(ctx, id, reason).Error(0)
}

// --- Fixtures ---

func timeoutJob(t *testing.T, payload types.TimeoutJobPayload) queue.Job {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return queue.Job{
		ID:          "job-1",
		Queue:       types.QueueTimeouts,
		Name:        types.JobProcessTimeout,
		Payload:     body,
		Attempt:     1,
		MaxAttempts: 3,
	}
}

func noOpenPayload() types.TimeoutJobPayload {
	return types.TimeoutJobPayload{
		TenantID:    "t1",
		CampaignID:  "camp-1",
		ContactID:   "contact-1",
		NodeID:      "email_intro",
		MessageID:   "msg-1",
		EventType:   types.EventNoOpen,
		ActionID:    "act-1",
		ScheduledAt: time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC),
	}
}

func newTestTimeoutWorker() (*TimeoutWorker, *mockTransitioner, *mockEventLog, *mockActionFinisher) {
	interp := new(mockTransitioner)
	events := new(mockEventLog)
	actions := new(mockActionFinisher)
	return NewTimeoutWorker(interp, events, actions, types.NopLogger{}), interp, events, actions
}

// --- Tests ---

// A real open recorded before the no_open timer fires supersedes the
// synthetic event; the interpreter is never invoked.
func TestTimeoutWorker_RealEventPrecedence(t *testing.T) {
	w, interp, events, actions := newTestTimeoutWorker()

	events.On("HasEvent", mock.Anything, "msg-1", types.EventOpened).Return(true, nil).Once()
	actions.On("MarkCompleted", mock.Anything, "act-1", engine.ReasonRealEventExists).Return(nil).Once()

	err := w.Handle(context.Background(), timeoutJob(t, noOpenPayload()))
	require.NoError(t, err)

	interp.AssertNotCalled(t, "ProcessTimeoutTransition", mock.Anything, mock.Anything)
	events.AssertExpectations(t)
	actions.AssertExpectations(t)
}

func TestTimeoutWorker_FiresSyntheticTransition(t *testing.T) {
	w, interp, events, actions := newTestTimeoutWorker()

	events.On("HasEvent", mock.Anything, "msg-1", types.EventOpened).Return(false, nil).Once()
	interp.On("ProcessTimeoutTransition", mock.Anything, engine.TransitionRequest{
		TenantID:      "t1",
		CampaignID:    "camp-1",
		EventType:     types.EventNoOpen,
		EventRef:      "msg-1",
		CurrentNodeID: "email_intro",
	}).Return(engine.TransitionResult{
		Success:    true,
		FromNodeID: "email_intro",
		ToNodeID:   "email_followup_1",
	}, nil).Once()
	actions.On("MarkCompleted", mock.Anything, "act-1", "timeout_fired").Return(nil).Once()

	err := w.Handle(context.Background(), timeoutJob(t, noOpenPayload()))
	require.NoError(t, err)

	interp.AssertExpectations(t)
	actions.AssertExpectations(t)
}

// A timer armed at node entry before any send (a wait start node) has no
// message id; the worker must fire the synthetic transition instead of
// rejecting the payload or consulting the event log.
func TestTimeoutWorker_FiresWithoutMessageID(t *testing.T) {
	w, interp, events, actions := newTestTimeoutWorker()

	payload := noOpenPayload()
	payload.MessageID = ""
	payload.NodeID = "wait_for_reply"

	interp.On("ProcessTimeoutTransition", mock.Anything, engine.TransitionRequest{
		TenantID:      "t1",
		CampaignID:    "camp-1",
		EventType:     types.EventNoOpen,
		EventRef:      "",
		CurrentNodeID: "wait_for_reply",
	}).Return(engine.TransitionResult{Success: true, FromNodeID: "wait_for_reply", ToNodeID: "done"}, nil).Once()
	actions.On("MarkCompleted", mock.Anything, "act-1", mock.Anything).Return(nil).Once()

	err := w.Handle(context.Background(), timeoutJob(t, payload))
	require.NoError(t, err)

	events.AssertNotCalled(t, "HasEvent", mock.Anything, mock.Anything, mock.Anything)
	interp.AssertExpectations(t)
	actions.AssertExpectations(t)
}

// A stale-node no-op from the interpreter completes the action with the
// reported reason instead of erroring.
func TestTimeoutWorker_StaleNodeNoOp(t *testing.T) {
	w, interp, events, actions := newTestTimeoutWorker()

	events.On("HasEvent", mock.Anything, "msg-1", types.EventOpened).Return(false, nil).Once()
	interp.On("ProcessTimeoutTransition", mock.Anything, mock.Anything).
		Return(engine.TransitionResult{Reason: engine.ReasonStaleNode}, nil).Once()
	actions.On("MarkCompleted", mock.Anything, "act-1", engine.ReasonStaleNode).Return(nil).Once()

	err := w.Handle(context.Background(), timeoutJob(t, noOpenPayload()))
	require.NoError(t, err)
	actions.AssertExpectations(t)
}

// A calendar click since node entry converts a no_click timeout into a
// clicked transition.
func TestTimeoutWorker_CalendarClickOverride(t *testing.T) {
	w, interp, events, actions := newTestTimeoutWorker()

	payload := noOpenPayload()
	payload.EventType = types.EventNoClick
	nodeStart := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

	events.On("HasEvent", mock.Anything, "msg-1", types.EventClicked).Return(false, nil).Once()
	interp.On("NodeStartTime", mock.Anything, "t1", "camp-1", "email_intro").Return(nodeStart, nil).Once()
	events.On("LatestCalendarClickSince", mock.Anything, "camp-1", nodeStart).
		Return(&types.CalendarClick{ID: 7, CampaignID: "camp-1", ClickedAt: nodeStart.Add(time.Hour)}, nil).Once()
	interp.On("ProcessTransition", mock.Anything, engine.TransitionRequest{
		TenantID:      "t1",
		CampaignID:    "camp-1",
		EventType:     types.EventClicked,
		EventRef:      "calendar_click:7",
		CurrentNodeID: "email_intro",
	}).Return(engine.TransitionResult{Success: true}, nil).Once()
	actions.On("MarkCompleted", mock.Anything, "act-1", engine.ReasonCalendarClickFound).Return(nil).Once()

	err := w.Handle(context.Background(), timeoutJob(t, payload))
	require.NoError(t, err)

	interp.AssertNotCalled(t, "ProcessTimeoutTransition", mock.Anything, mock.Anything)
	interp.AssertExpectations(t)
	events.AssertExpectations(t)
}

// With no calendar click the no_click timeout proceeds normally.
func TestTimeoutWorker_NoClickWithoutCalendarClick(t *testing.T) {
	w, interp, events, actions := newTestTimeoutWorker()

	payload := noOpenPayload()
	payload.EventType = types.EventNoClick
	nodeStart := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

	events.On("HasEvent", mock.Anything, "msg-1", types.EventClicked).Return(false, nil).Once()
	interp.On("NodeStartTime", mock.Anything, "t1", "camp-1", "email_intro").Return(nodeStart, nil).Once()
	events.On("LatestCalendarClickSince", mock.Anything, "camp-1", nodeStart).Return(nil, nil).Once()
	interp.On("ProcessTimeoutTransition", mock.Anything, mock.Anything).
		Return(engine.TransitionResult{Success: true}, nil).Once()
	actions.On("MarkCompleted", mock.Anything, "act-1", "timeout_fired").Return(nil).Once()

	err := w.Handle(context.Background(), timeoutJob(t, payload))
	require.NoError(t, err)
	interp.AssertExpectations(t)
}

func TestTimeoutWorker_MalformedPayload(t *testing.T) {
	w, interp, _, _ := newTestTimeoutWorker()

	cases := map[string]queue.Job{
		"invalid json": {Payload: json.RawMessage(`{not json`)},
		"missing campaign id": func() queue.Job {
			p := noOpenPayload()
			p.CampaignID = ""
			body, _ := json.Marshal(p)
			return queue.Job{Payload: body}
		}(),
		"missing event type": func() queue.Job {
			p := noOpenPayload()
			p.EventType = ""
			body, _ := json.Marshal(p)
			return queue.Job{Payload: body}
		}(),
	}

	for name, job := range cases {
		t.Run(name, func(t *testing.T) {
			err := w.Handle(context.Background(), job)
			require.Error(t, err)
			assert.ErrorIs(t, err, queue.ErrMalformedPayload)
		})
	}
	interp.AssertNotCalled(t, "ProcessTimeoutTransition", mock.Anything, mock.Anything)
}

// Infrastructure errors are re-thrown so the queue's retry policy applies.
func TestTimeoutWorker_RethrowsStoreError(t *testing.T) {
	w, _, events, _ := newTestTimeoutWorker()

	events.On("HasEvent", mock.Anything, "msg-1", types.EventOpened).
		Return(false, errors.New("connection reset")).Once()

	err := w.Handle(context.Background(), timeoutJob(t, noOpenPayload()))
	require.Error(t, err)
}
