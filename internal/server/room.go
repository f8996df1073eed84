// Package server holds room membership and the sequencing that keeps history
// replay and live delivery consistent for sessions that join late.
package server

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Tyrowin/relaychat/internal/history"
)

// Room is a named channel. Posts and joins are serialised by seq; the member
// set has its own lock so that removal never waits on a post in progress.
type Room struct {
	name  string
	store history.Gateway
	now   func() time.Time

	seq      sync.Mutex
	lastTime time.Time

	membersMu sync.RWMutex
	members   map[*Session]struct{}
}

func newRoom(name string, store history.Gateway, now func() time.Time) *Room {
	if now == nil {
		now = time.Now
	}
	return &Room{
		name:    name,
		store:   store,
		now:     now,
		members: make(map[*Session]struct{}),
	}
}

// Name returns the room name.
func (r *Room) Name() string {
	return r.name
}

// Join replays the room's history and adds session as a member in one step
// with respect to Post: every message is either in the returned records or
// delivered live afterwards, never both and never neither.
func (r *Room) Join(ctx context.Context, session *Session) ([]history.Record, error) {
	r.seq.Lock()
	defer r.seq.Unlock()

	records, err := history.Collect(r.store.Replay(ctx, r.name))
	if err != nil {
		return nil, fmt.Errorf("replay room %q: %w", r.name, err)
	}
	if n := len(records); n > 0 && records[n-1].Time.After(r.lastTime) {
		r.lastTime = records[n-1].Time
	}

	if err := r.Add(session); err != nil {
		return nil, err
	}
	return records, nil
}

// Add inserts session into the member set. Adding a member twice is a no-op.
// A session bound to a different room gets ErrSessionBound.
func (r *Room) Add(session *Session) error {
	if session.isClosed() {
		return ErrSessionClosed
	}
	if err := session.bind(r); err != nil {
		return err
	}

	r.membersMu.Lock()
	_, already := r.members[session]
	r.members[session] = struct{}{}
	count := len(r.members)
	r.membersMu.Unlock()

	if !already {
		log.Printf("[room] %s joined %q. Members: %d", session, r.name, count)
	}
	return nil
}

// Remove drops session from the member set and closes it. It reports whether
// the session was a member; removing a non-member does nothing.
func (r *Room) Remove(session *Session) bool {
	r.membersMu.Lock()
	_, ok := r.members[session]
	if ok {
		delete(r.members, session)
	}
	count := len(r.members)
	r.membersMu.Unlock()

	if !ok {
		return false
	}
	session.close()
	log.Printf("[room] %s left %q. Members: %d", session, r.name, count)
	return true
}

// Snapshot returns the current members. The slice is a copy; later membership
// changes do not affect it.
func (r *Room) Snapshot() []*Session {
	r.membersMu.RLock()
	defer r.membersMu.RUnlock()

	members := make([]*Session, 0, len(r.members))
	for session := range r.members {
		members = append(members, session)
	}
	return members
}

// Has reports whether session is currently a member.
func (r *Room) Has(session *Session) bool {
	r.membersMu.RLock()
	defer r.membersMu.RUnlock()
	_, ok := r.members[session]
	return ok
}

// Len returns the member count.
func (r *Room) Len() int {
	r.membersMu.RLock()
	defer r.membersMu.RUnlock()
	return len(r.members)
}

// stamp returns the UTC time for the next record, truncated to the persisted
// resolution and never earlier than the previous one. Callers hold seq.
func (r *Room) stamp() time.Time {
	t := r.now().UTC().Truncate(time.Second)
	if t.Before(r.lastTime) {
		t = r.lastTime
	}
	r.lastTime = t
	return t
}
