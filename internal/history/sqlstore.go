package history

import (
	"context"
	"fmt"
	"iter"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// roomRow marks a room as created. Rooms are never deleted.
type roomRow struct {
	Name      string `gorm:"primaryKey;type:text"`
	CreatedAt time.Time
}

func (roomRow) TableName() string {
	return "rooms"
}

// messageRow stores one record in the persisted {time, username, message}
// shape. ID breaks timestamp ties in insertion order.
type messageRow struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	Room     string `gorm:"not null;type:text;index:idx_messages_room_time,priority:1"`
	Time     string `gorm:"not null;type:text;index:idx_messages_room_time,priority:2"`
	Username string `gorm:"not null;type:text"`
	Message  string `gorm:"not null;type:text"`
}

func (messageRow) TableName() string {
	return "messages"
}

func (m messageRow) record() (Record, error) {
	t, err := ParseTimestamp(m.Time)
	if err != nil {
		return Record{}, err
	}
	return Record{Room: m.Room, Author: m.Username, Text: m.Message, Time: t}, nil
}

// SQLStore implements Gateway with GORM.
type SQLStore struct {
	db *gorm.DB
}

var _ Gateway = (*SQLStore)(nil)

// NewSQLStore migrates the rooms and messages tables and returns a ready store.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&roomRow{}, &messageRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// RoomExists reports whether the room row exists.
func (s *SQLStore) RoomExists(ctx context.Context, name string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&roomRow{}).Where("name = ?", name).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check room: %w", err)
	}
	return count > 0, nil
}

// CreateRoom inserts the room row, ignoring conflicts so that the affected row
// count decides which concurrent creator won.
func (s *SQLStore) CreateRoom(ctx context.Context, name string) error {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&roomRow{Name: name, CreatedAt: time.Now()})
	if result.Error != nil {
		return fmt.Errorf("failed to create room: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRoomExists
	}
	return nil
}

// Append inserts one message row.
func (s *SQLStore) Append(ctx context.Context, rec Record) error {
	row := &messageRow{
		Room:     rec.Room,
		Time:     rec.Timestamp(),
		Username: rec.Author,
		Message:  rec.Text,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// Replay streams the room's rows with a cursor; rows are closed when the
// consumer stops early.
func (s *SQLStore) Replay(ctx context.Context, name string) iter.Seq2[Record, error] {
	return once(func(yield func(Record, error) bool) {
		rows, err := s.db.WithContext(ctx).
			Model(&messageRow{}).
			Where("room = ?", name).
			Order("time asc, id asc").
			Rows()
		if err != nil {
			yield(Record{}, fmt.Errorf("failed to query history: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var row messageRow
			if err := s.db.ScanRows(rows, &row); err != nil {
				yield(Record{}, fmt.Errorf("failed to scan history: %w", err))
				return
			}
			rec, err := row.record()
			if !yield(rec, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Record{}, fmt.Errorf("failed to read history: %w", err))
		}
	})
}
