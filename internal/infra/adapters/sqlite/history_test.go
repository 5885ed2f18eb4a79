package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-chat/conclave/internal/domain"
)

func newTestStore(t *testing.T) *HistoryStore {
	t.Helper()

	store, err := NewHistoryStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Migrate(context.Background()))

	return store
}

func TestHistoryMeetingLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	joinedAt := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	row, err := store.RecordMeeting(ctx, "room-1", "mtg-1", joinedAt)
	require.NoError(t, err)
	require.NotZero(t, row)

	records, err := store.RecentMeetings(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "room-1", records[0].RoomID)
	assert.Nil(t, records[0].LeftAt)

	require.NoError(t, store.CloseMeeting(ctx, row, joinedAt.Add(30*time.Minute)))

	records, err = store.RecentMeetings(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, records[0].LeftAt)

	// Closing an already-closed meeting leaves the original timestamp.
	original := *records[0].LeftAt
	require.NoError(t, store.CloseMeeting(ctx, row, joinedAt.Add(2*time.Hour)))

	records, err = store.RecentMeetings(ctx, 10)
	require.NoError(t, err)
	assert.True(t, records[0].LeftAt.Equal(original))
}

func TestHistoryRecentMeetingsOrderAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := store.RecordMeeting(ctx, "room-1", "mtg", base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}

	records, err := store.RecentMeetings(ctx, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Newest first.
	assert.True(t, records[0].JoinedAt.After(records[1].JoinedAt))
	assert.True(t, records[1].JoinedAt.After(records[2].JoinedAt))
}

func TestHistoryChat(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	row, err := store.RecordMeeting(ctx, "room-1", "mtg-1", time.Now())
	require.NoError(t, err)

	msg := domain.ChatMessage{
		ID:         "msg-1",
		SenderID:   "p1",
		SenderName: "bob",
		Content:    "hello",
		Type:       domain.ChatText,
		SentAt:     time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC),
	}

	require.NoError(t, store.AppendChat(ctx, row, msg))
	// Re-appending the same id is a no-op, matching the echo dedup upstream.
	require.NoError(t, store.AppendChat(ctx, row, msg))

	messages, err := store.ChatForMeeting(ctx, row)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, domain.ChatText, messages[0].Type)
}
