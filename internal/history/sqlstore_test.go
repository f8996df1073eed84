package history

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/relaychat/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a history store in a temporary SQLite database.
func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	store, err := NewSQLStore(db)
	require.NoError(t, err)
	return store
}

func at(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := ParseTimestamp(s)
	require.NoError(t, err)
	return ts
}

func TestRecordLine(t *testing.T) {
	rec := Record{
		Room:   "general",
		Author: "alice",
		Text:   "hello",
		Time:   at(t, "2024-03-01 09:15:00"),
	}

	assert.Equal(t, "2024-03-01 09:15:00", rec.Timestamp())
	assert.Equal(t, "2024-03-01 09:15:00 - alice: hello", rec.Line())
}

func TestParseTimestampInvalid(t *testing.T) {
	_, err := ParseTimestamp("yesterday")
	assert.Error(t, err)
}

func TestSQLStore_CreateRoom(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	exists, err := store.RoomExists(ctx, "general")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.CreateRoom(ctx, "general"))

	exists, err = store.RoomExists(ctx, "general")
	require.NoError(t, err)
	assert.True(t, exists)

	assert.ErrorIs(t, store.CreateRoom(ctx, "general"), ErrRoomExists)
}

func TestSQLStore_ConcurrentCreateRoom(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	const workers = 10
	results := make(chan error, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			results <- store.CreateRoom(ctx, "x")
		}()
	}
	wg.Wait()
	close(results)

	created := 0
	for err := range results {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, ErrRoomExists)
	}
	assert.Equal(t, 1, created)
}

func TestSQLStore_ReplayOrdering(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRoom(ctx, "general"))
	require.NoError(t, store.CreateRoom(ctx, "other"))

	appends := []Record{
		{Room: "general", Author: "alice", Text: "first", Time: at(t, "2024-03-01 09:00:00")},
		{Room: "general", Author: "bob", Text: "same second a", Time: at(t, "2024-03-01 09:00:05")},
		{Room: "other", Author: "carol", Text: "elsewhere", Time: at(t, "2024-03-01 09:00:03")},
		{Room: "general", Author: "alice", Text: "same second b", Time: at(t, "2024-03-01 09:00:05")},
		{Room: "general", Author: SystemAuthor, Text: "bob has left the chat.", Time: at(t, "2024-03-01 09:01:00")},
	}
	for _, rec := range appends {
		require.NoError(t, store.Append(ctx, rec))
	}

	records, err := Collect(store.Replay(ctx, "general"))
	require.NoError(t, err)

	texts := make([]string, 0, len(records))
	for i, rec := range records {
		texts = append(texts, rec.Text)
		assert.Equal(t, "general", rec.Room)
		if i > 0 {
			assert.False(t, rec.Time.Before(records[i-1].Time), "replay must be non-decreasing by time")
		}
	}
	assert.Equal(t, []string{"first", "same second a", "same second b", "bob has left the chat."}, texts)
	assert.Equal(t, SystemAuthor, records[3].Author)
}

func TestSQLStore_ReplayEmpty(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRoom(ctx, "quiet"))

	records, err := Collect(store.Replay(ctx, "quiet"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSQLStore_ReplayStopsEarly(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := at(t, "2024-03-01 10:00:00")
	for i := range 5 {
		require.NoError(t, store.Append(ctx, Record{
			Room:   "general",
			Author: "alice",
			Text:   fmt.Sprintf("msg %d", i),
			Time:   base.Add(time.Duration(i) * time.Second),
		}))
	}

	seen := 0
	for _, err := range store.Replay(ctx, "general") {
		require.NoError(t, err)
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)

	// The cursor was released, so the single pooled connection is free again.
	require.NoError(t, store.Append(ctx, Record{Room: "general", Author: "bob", Text: "after", Time: base}))
}

func TestSQLStore_ReplayNotRestartable(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, Record{Room: "general", Author: "alice", Text: "hi", Time: time.Now()}))

	seq := store.Replay(ctx, "general")
	records, err := Collect(seq)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	_, err = Collect(seq)
	assert.ErrorIs(t, err, ErrReplayConsumed)
}

func TestSQLStore_ReplayAcrossOffsetChange(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("time zone data unavailable: %v", err)
	}
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRoom(ctx, "general"))

	// 01:59:59 EDT is followed one second later by 01:00:00 EST.
	before := time.Date(2024, 11, 3, 5, 59, 59, 0, time.UTC).In(ny)
	after := time.Date(2024, 11, 3, 6, 0, 0, 0, time.UTC).In(ny)
	require.NoError(t, store.Append(ctx, Record{Room: "general", Author: "alice", Text: "m0", Time: before}))
	require.NoError(t, store.Append(ctx, Record{Room: "general", Author: "alice", Text: "m1", Time: after}))

	records, err := Collect(store.Replay(ctx, "general"))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "m0", records[0].Text)
	assert.Equal(t, "m1", records[1].Text)
	assert.Equal(t, "2024-11-03 05:59:59", records[0].Timestamp())
	assert.Equal(t, "2024-11-03 06:00:00", records[1].Timestamp())
	assert.True(t, records[0].Time.Equal(before))
}
