package history

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key the Redis store touches.
const DefaultRedisPrefix = "relaychat:"

const replayPageSize = 100

// redisRecord is the JSON document pushed onto a room's list.
type redisRecord struct {
	Time     string `json:"time"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

// RedisStore implements Gateway with a Redis set of room names and one list of
// JSON records per room.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Gateway = (*RedisStore)(nil)

// NewRedisStore creates a store using client. An empty prefix selects
// DefaultRedisPrefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) roomsKey() string {
	return s.prefix + "rooms"
}

func (s *RedisStore) roomKey(name string) string {
	return s.prefix + "room:" + name
}

// RoomExists checks set membership.
func (s *RedisStore) RoomExists(ctx context.Context, name string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.roomsKey(), name).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check room: %w", err)
	}
	return ok, nil
}

// CreateRoom adds the name to the rooms set; SADD reports zero additions when
// another creator got there first.
func (s *RedisStore) CreateRoom(ctx context.Context, name string) error {
	added, err := s.client.SAdd(ctx, s.roomsKey(), name).Result()
	if err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}
	if added == 0 {
		return ErrRoomExists
	}
	return nil
}

// Append pushes the record onto the room's list.
func (s *RedisStore) Append(ctx context.Context, rec Record) error {
	data, err := json.Marshal(redisRecord{
		Time:     rec.Timestamp(),
		Username: rec.Author,
		Message:  rec.Text,
	})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := s.client.RPush(ctx, s.roomKey(rec.Room), data).Err(); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// Replay reads the room's list page by page. List order is append order, and
// appends for one room are stamped monotonically, so it is also time order.
func (s *RedisStore) Replay(ctx context.Context, name string) iter.Seq2[Record, error] {
	return once(func(yield func(Record, error) bool) {
		key := s.roomKey(name)
		for start := int64(0); ; start += replayPageSize {
			items, err := s.client.LRange(ctx, key, start, start+replayPageSize-1).Result()
			if err != nil {
				yield(Record{}, fmt.Errorf("failed to read history: %w", err))
				return
			}
			for _, item := range items {
				rec, err := decodeRedisRecord(name, item)
				if !yield(rec, err) || err != nil {
					return
				}
			}
			if len(items) < replayPageSize {
				return
			}
		}
	})
}

func decodeRedisRecord(room, item string) (Record, error) {
	var doc redisRecord
	if err := json.Unmarshal([]byte(item), &doc); err != nil {
		return Record{}, fmt.Errorf("failed to decode message: %w", err)
	}
	t, err := ParseTimestamp(doc.Time)
	if err != nil {
		return Record{}, err
	}
	return Record{Room: room, Author: doc.Username, Text: doc.Message, Time: t}, nil
}
