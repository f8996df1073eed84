package history

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupRedisStore connects to REDIS_ADDR and isolates the test under a unique
// key prefix. Tests are skipped when no Redis server is configured.
func setupRedisStore(t *testing.T) *RedisStore {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping Redis history tests")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis at %s unavailable: %v", addr, err)
	}

	prefix := "relaychat-test:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		keys, err := client.Keys(ctx, prefix+"*").Result()
		if err == nil && len(keys) > 0 {
			_ = client.Del(ctx, keys...).Err()
		}
		_ = client.Close()
	})

	return NewRedisStore(client, prefix)
}

func TestNewRedisStoreDefaultPrefix(t *testing.T) {
	store := NewRedisStore(nil, "")
	assert.Equal(t, DefaultRedisPrefix+"rooms", store.roomsKey())
	assert.Equal(t, DefaultRedisPrefix+"room:general", store.roomKey("general"))
}

func TestDecodeRedisRecord(t *testing.T) {
	rec, err := decodeRedisRecord("general", `{"time":"2024-03-01 09:00:00","username":"alice","message":"hi"}`)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01 09:00:00 - alice: hi", rec.Line())
	assert.Equal(t, "general", rec.Room)

	_, err = decodeRedisRecord("general", "not json")
	assert.Error(t, err)
}

func TestRedisStore_CreateRoom(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()

	exists, err := store.RoomExists(ctx, "general")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.CreateRoom(ctx, "general"))
	assert.ErrorIs(t, store.CreateRoom(ctx, "general"), ErrRoomExists)

	exists, err = store.RoomExists(ctx, "general")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRedisStore_ReplayAcrossPages(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRoom(ctx, "busy"))

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	total := replayPageSize + 7
	for i := range total {
		require.NoError(t, store.Append(ctx, Record{
			Room:   "busy",
			Author: "alice",
			Text:   fmt.Sprintf("msg %d", i),
			Time:   base.Add(time.Duration(i/3) * time.Second),
		}))
	}

	records, err := Collect(store.Replay(ctx, "busy"))
	require.NoError(t, err)
	require.Len(t, records, total)
	for i, rec := range records {
		assert.Equal(t, fmt.Sprintf("msg %d", i), rec.Text)
	}
}
