// Package history persists chat messages per room and replays them in time
// order to sessions that join later.
package history

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"
)

// TimeLayout is the persisted timestamp format. Timestamps are always UTC so
// that string order matches time order across zone offset changes.
const TimeLayout = "2006-01-02 15:04:05"

// SystemAuthor is the author recorded for server-generated events.
const SystemAuthor = "System"

// EmptyNotice is sent instead of history lines when a room has none.
const EmptyNotice = "No chat history found."

var (
	// ErrRoomExists is returned by CreateRoom when the room is already known.
	ErrRoomExists = errors.New("room already exists")
	// ErrReplayConsumed is yielded when a replay sequence is ranged over twice.
	ErrReplayConsumed = errors.New("history replay already consumed")
)

// Record is one persisted chat line or system event.
type Record struct {
	Room   string
	Author string
	Text   string
	Time   time.Time
}

// Timestamp formats the record time in UTC with TimeLayout.
func (r Record) Timestamp() string {
	return r.Time.UTC().Format(TimeLayout)
}

// Line renders the record the way it is replayed to a joining session.
func (r Record) Line() string {
	return fmt.Sprintf("%s - %s: %s", r.Timestamp(), r.Author, r.Text)
}

// ParseTimestamp parses a UTC TimeLayout timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.ParseInLocation(TimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// Gateway is the append-only, per-room message log.
type Gateway interface {
	// RoomExists reports whether a room with this name was ever created.
	RoomExists(ctx context.Context, name string) (bool, error)
	// CreateRoom records a new room. It returns ErrRoomExists when the name is
	// already taken, atomically with respect to concurrent callers.
	CreateRoom(ctx context.Context, name string) error
	// Append persists rec at the end of its room's log.
	Append(ctx context.Context, rec Record) error
	// Replay returns the room's records ordered by timestamp, ties in append
	// order. The sequence is lazy, finite and may be ranged over only once.
	Replay(ctx context.Context, name string) iter.Seq2[Record, error]
}

// Collect drains a replay sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Record, error]) ([]Record, error) {
	var records []Record
	for rec, err := range seq {
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// once wraps a sequence so that a second range yields ErrReplayConsumed.
func once(seq iter.Seq2[Record, error]) iter.Seq2[Record, error] {
	used := false
	return func(yield func(Record, error) bool) {
		if used {
			yield(Record{}, ErrReplayConsumed)
			return
		}
		used = true
		seq(yield)
	}
}
