// Package server keeps the process-wide table of chat rooms. The Registry is
// created once per Server and injected into every Session.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/relaychat/internal/history"
)

// Intent says whether a session wants a new room or an existing one.
type Intent int

const (
	IntentCreate Intent = iota + 1
	IntentJoin
)

func (i Intent) String() string {
	switch i {
	case IntentCreate:
		return "create"
	case IntentJoin:
		return "join"
	default:
		return fmt.Sprintf("Intent(%d)", int(i))
	}
}

var (
	// ErrRoomExists is returned when creating a room whose name is taken,
	// either in memory or in the history store.
	ErrRoomExists = errors.New("room already exists")
	// ErrRoomNotFound is returned when joining a room nobody created.
	ErrRoomNotFound = errors.New("room does not exist")
	// ErrSessionBound is returned when a session already belongs to another room.
	ErrSessionBound = errors.New("session already belongs to another room")
	// ErrSessionClosed is returned when adding a session that has been closed.
	ErrSessionClosed = errors.New("session is closed")
)

// RoomStats is a point-in-time view of one room.
type RoomStats struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// nameLock serialises check-and-create for a single room name.
type nameLock struct {
	mu   sync.Mutex
	refs int
}

// Registry maps room names to live rooms. Rooms are never removed; a room that
// exists only in the history store is materialised on first join.
type Registry struct {
	store history.Gateway
	now   func() time.Time

	mu    sync.RWMutex
	rooms map[string]*Room

	locksMu sync.Mutex
	locks   map[string]*nameLock
}

// NewRegistry creates an empty registry backed by store.
func NewRegistry(store history.Gateway) *Registry {
	return &Registry{
		store: store,
		now:   time.Now,
		rooms: make(map[string]*Room),
		locks: make(map[string]*nameLock),
	}
}

// lockName acquires the per-name critical section and returns its release
// function. Entries are reference counted and dropped when unused.
func (r *Registry) lockName(name string) func() {
	r.locksMu.Lock()
	l, ok := r.locks[name]
	if !ok {
		l = &nameLock{}
		r.locks[name] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		r.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, name)
		}
		r.locksMu.Unlock()
	}
}

func (r *Registry) lookup(name string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[name]
}

// publish makes a fully initialised room visible to other callers.
func (r *Registry) publish(room *Room) {
	r.mu.Lock()
	r.rooms[room.name] = room
	count := len(r.rooms)
	r.mu.Unlock()
	log.Printf("[room] Room %q is live. Total rooms: %d", room.name, count)
}

// Open returns the room called name, creating it for IntentCreate.
//
// IntentCreate fails with ErrRoomExists when the name is known in memory or to
// the history store. IntentJoin fails with ErrRoomNotFound when it is known to
// neither. Concurrent callers for the same name are serialised, so exactly one
// creator succeeds; callers for different names never contend.
func (r *Registry) Open(ctx context.Context, name string, intent Intent) (*Room, error) {
	if intent != IntentCreate && intent != IntentJoin {
		return nil, fmt.Errorf("open room %q: unknown intent %v", name, intent)
	}

	if intent == IntentJoin {
		if room := r.lookup(name); room != nil {
			return room, nil
		}
	}

	unlock := r.lockName(name)
	defer unlock()

	if room := r.lookup(name); room != nil {
		if intent == IntentCreate {
			return nil, ErrRoomExists
		}
		return room, nil
	}

	switch intent {
	case IntentCreate:
		err := r.store.CreateRoom(ctx, name)
		if errors.Is(err, history.ErrRoomExists) {
			return nil, ErrRoomExists
		}
		if err != nil {
			return nil, fmt.Errorf("create room %q: %w", name, err)
		}
	case IntentJoin:
		exists, err := r.store.RoomExists(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("look up room %q: %w", name, err)
		}
		if !exists {
			return nil, ErrRoomNotFound
		}
	}

	room := newRoom(name, r.store, r.now)
	r.publish(room)
	return room, nil
}

// Enter opens the room and joins session to it, returning the history the
// session must be shown before any live message.
func (r *Registry) Enter(ctx context.Context, name string, intent Intent, session *Session) (*Room, []history.Record, error) {
	room, err := r.Open(ctx, name, intent)
	if err != nil {
		return nil, nil, err
	}
	records, err := room.Join(ctx, session)
	if err != nil {
		return nil, nil, err
	}
	return room, records, nil
}

// Stats lists every live room sorted by name.
func (r *Registry) Stats() []RoomStats {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	stats := make([]RoomStats, 0, len(rooms))
	for _, room := range rooms {
		stats = append(stats, RoomStats{Name: room.name, Members: room.Len()})
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Name < stats[j].Name
	})
	return stats
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
