package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"outreach/internal/config"
	"outreach/internal/types"
)

// --- Mocks ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

type mockClock struct {
	now time.Time
}

func (c mockClock) Now() time.Time { return c.now }

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		SendWorkers:    2,
		TimeoutWorkers: 2,
		MaxAttempts:    3,
		BackoffBase:    500 * time.Millisecond,
		BackoffMax:     time.Minute,
		PollInterval:   time.Second,
		ClaimTimeout:   5 * time.Minute,
		Retention:      24 * time.Hour,
		DrainTimeout:   30 * time.Second,
	}
}

func newTestScheduler(dbx *mockDBTX, now time.Time) *Scheduler {
	return NewScheduler(dbx, testQueueConfig(), mockClock{now: now}, types.NopLogger{})
}

// --- Enqueue ---

func TestScheduler_Enqueue_DelayAndPayload(t *testing.T) {
	dbx := new(mockDBTX)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(dbx, now)

	payload := types.TimeoutJobPayload{
		TenantID:   "t1",
		CampaignID: "c1",
		ContactID:  "ct1",
		NodeID:     "email_intro",
		EventType:  types.EventNoOpen,
	}

	var gotArgs []any
	dbx.On("Exec", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			gotArgs = args.Get(2).([]any)
		}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil).Once()

	jobID, err := s.Enqueue(context.Background(), types.QueueTimeouts, types.JobProcessTimeout, payload,
		EnqueueOptions{Delay: 72 * time.Hour, JobID: "timer:c1:email_intro:no_open"})
	require.NoError(t, err)
	assert.Equal(t, "timer:c1:email_intro:no_open", jobID)

	require.Len(t, gotArgs, 7)
	assert.Equal(t, "timer:c1:email_intro:no_open", gotArgs[0])
	assert.Equal(t, types.QueueTimeouts, gotArgs[1])
	assert.Equal(t, types.JobProcessTimeout, gotArgs[2])

	var decoded types.TimeoutJobPayload
	require.NoError(t, json.Unmarshal(gotArgs[3].([]byte), &decoded))
	assert.Equal(t, payload, decoded)

	assert.Equal(t, 3, gotArgs[4])
	assert.Equal(t, now.Add(72*time.Hour), gotArgs[5])

	dbx.AssertExpectations(t)
}

func TestScheduler_Enqueue_RunAtOverridesDelay(t *testing.T) {
	dbx := new(mockDBTX)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(dbx, now)
	runAt := now.Add(30 * time.Minute)

	dbx.On("Exec", mock.Anything, mock.Anything, mock.MatchedBy(func(args []any) bool {
		return args[5].(time.Time).Equal(runAt)
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil).Once()

	_, err := s.Enqueue(context.Background(), types.QueueSends, types.JobSendMessage, map[string]string{"k": "v"},
		EnqueueOptions{Delay: 2 * time.Hour, RunAt: runAt})
	require.NoError(t, err)
	dbx.AssertExpectations(t)
}

func TestScheduler_Enqueue_GeneratesIDWhenUnset(t *testing.T) {
	dbx := new(mockDBTX)
	s := newTestScheduler(dbx, time.Now())

	dbx.On("Exec", mock.Anything, mock.Anything, mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil).Once()

	jobID, err := s.Enqueue(context.Background(), types.QueueSends, types.JobSendMessage, nil, EnqueueOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)
	dbx.AssertExpectations(t)
}

func TestScheduler_Enqueue_DBError(t *testing.T) {
	dbx := new(mockDBTX)
	s := newTestScheduler(dbx, time.Now())

	dbx.On("Exec", mock.Anything, mock.Anything, mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused")).Once()

	_, err := s.Enqueue(context.Background(), types.QueueSends, types.JobSendMessage, nil, EnqueueOptions{})
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeInternalQueue, appErr.Code)
}

// --- Retry policy ---

func TestScheduler_Backoff(t *testing.T) {
	s := newTestScheduler(new(mockDBTX), time.Now())

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 500 * time.Millisecond},
		{attempt: 1, want: 500 * time.Millisecond},
		{attempt: 2, want: time.Second},
		{attempt: 3, want: 2 * time.Second},
		{attempt: 7, want: 32 * time.Second},
		{attempt: 8, want: time.Minute},
		{attempt: 20, want: time.Minute},
	}
	for _, tc := range cases {
		if got := s.backoff(tc.attempt); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestScheduler_Fail_ReschedulesBelowLimit(t *testing.T) {
	dbx := new(mockDBTX)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(dbx, now)

	job := Job{ID: "j1", Attempt: 1, MaxAttempts: 3, State: JobStateActive}

	dbx.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return containsAll(sql, "state = 'pending'", "run_at")
	}), mock.MatchedBy(func(args []any) bool {
		// attempt 1 reschedules BackoffBase out
		return args[2].(time.Time).Equal(now.Add(500 * time.Millisecond))
	})).Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()

	require.NoError(t, s.fail(context.Background(), job, errors.New("boom")))
	dbx.AssertExpectations(t)
}

func TestScheduler_Fail_MovesToFailedAtLimit(t *testing.T) {
	dbx := new(mockDBTX)
	s := newTestScheduler(dbx, time.Now())

	job := Job{ID: "j1", Attempt: 3, MaxAttempts: 3, State: JobStateActive}

	dbx.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return containsAll(sql, "state = 'failed'")
	}), mock.Anything).Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()

	require.NoError(t, s.fail(context.Background(), job, errors.New("boom")))
	dbx.AssertExpectations(t)
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

// --- Housekeeping ---

func TestScheduler_RequeueStalled(t *testing.T) {
	dbx := new(mockDBTX)
	s := newTestScheduler(dbx, time.Now())

	dbx.On("Exec", mock.Anything, mock.Anything, mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 4"), nil).Once()

	n, err := s.RequeueStalled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	dbx.AssertExpectations(t)
}

func TestScheduler_Prune(t *testing.T) {
	dbx := new(mockDBTX)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(dbx, now)
	cutoff := now.Add(-24 * time.Hour)

	dbx.On("Exec", mock.Anything, mock.Anything, mock.MatchedBy(func(args []any) bool {
		return args[0].(time.Time).Equal(cutoff)
	})).Return(pgconn.NewCommandTag("DELETE 12"), nil).Once()

	n, err := s.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	dbx.AssertExpectations(t)
}
