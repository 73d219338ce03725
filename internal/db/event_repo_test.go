package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"outreach/internal/types"
)

func TestEventRepository_RecordMessageEvent(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewEventRepository(dbx)
	occurred := time.Now().UTC()

	dbx.On("Exec", mock.Anything, mock.Anything,
		mock.MatchedBy(func(args []any) bool {
			return args[0] == "msg-1" && args[1] == types.EventOpened && args[2] == occurred
		})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil).Once()

	err := repo.RecordMessageEvent(context.Background(), &types.MessageEvent{
		MessageID:  "msg-1",
		EventType:  types.EventOpened,
		OccurredAt: occurred,
	})
	require.NoError(t, err)
	dbx.AssertExpectations(t)
}

func TestEventRepository_HasEvent(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewEventRepository(dbx)

	dbx.On("QueryRow", mock.Anything, mock.Anything,
		mock.MatchedBy(func(args []any) bool {
			return args[0] == "msg-1" && args[1] == types.EventOpened
		})).Return(&mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*bool) = true
		return nil
	}}).Once()

	exists, err := repo.HasEvent(context.Background(), "msg-1", types.EventOpened)
	require.NoError(t, err)
	assert.True(t, exists)
	dbx.AssertExpectations(t)
}

func TestEventRepository_HasEvent_DBError(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewEventRepository(dbx)

	dbx.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection reset")})

	_, err := repo.HasEvent(context.Background(), "msg-1", types.EventOpened)
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestEventRepository_LatestCalendarClickSince(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewEventRepository(dbx)
	since := time.Now().UTC().Add(-time.Hour)
	clickedAt := since.Add(30 * time.Minute)

	dbx.On("QueryRow", mock.Anything, mock.Anything,
		mock.MatchedBy(func(args []any) bool {
			return args[0] == "camp-1" && args[1] == since
		})).Return(&mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*int64) = 7
		*dest[1].(*string) = "camp-1"
		*dest[2].(*string) = "email_intro"
		*dest[3].(*string) = "contact-1"
		*dest[4].(*string) = "lead-1"
		*dest[5].(*time.Time) = clickedAt
		return nil
	}}).Once()

	click, err := repo.LatestCalendarClickSince(context.Background(), "camp-1", since)
	require.NoError(t, err)
	require.NotNil(t, click)
	assert.Equal(t, int64(7), click.ID)
	assert.Equal(t, clickedAt, click.ClickedAt)
}

// No click since the node's start time is a nil result, not an error.
func TestEventRepository_LatestCalendarClickSince_None(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewEventRepository(dbx)

	dbx.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	click, err := repo.LatestCalendarClickSince(context.Background(), "camp-1", time.Now())
	require.NoError(t, err)
	assert.Nil(t, click)
}
