// Package server fans chat lines out to room members. Delivery only enqueues
// onto each member's outbound queue, so a slow reader never stalls the sender.
package server

import (
	"context"
	"fmt"
	"log"

	"github.com/Tyrowin/relaychat/internal/history"
)

// broadcast delivers "<author>: <text>" to every member except sender and
// returns how many members accepted it. Members whose queue is full or who are
// closed are removed from the room once the send is over; the sender never
// sees their failure.
func (r *Room) broadcast(sender *Session, author, text string) int {
	r.seq.Lock()
	delivered, failed := r.fanOut(sender, formatChatLine(author, text))
	r.seq.Unlock()

	r.removeFailed(failed)
	return delivered
}

// Post persists a record and then broadcasts it, as one unit ordered against
// every other post and join in this room. If the append fails nothing is
// broadcast.
func (r *Room) Post(ctx context.Context, sender *Session, author, text string) error {
	r.seq.Lock()
	rec := history.Record{
		Room:   r.name,
		Author: author,
		Text:   text,
		Time:   r.stamp(),
	}
	if err := r.store.Append(ctx, rec); err != nil {
		r.seq.Unlock()
		return fmt.Errorf("append to room %q: %w", r.name, err)
	}
	_, failed := r.fanOut(sender, formatChatLine(author, text))
	r.seq.Unlock()

	r.removeFailed(failed)
	return nil
}

// fanOut enqueues line for a snapshot of the members and returns the members
// that refused it. Callers hold seq; closing refused members may block on
// their transport, so it happens after seq is released.
func (r *Room) fanOut(sender *Session, line string) (int, []*Session) {
	members := r.Snapshot()

	delivered := 0
	var failed []*Session
	for _, member := range members {
		if sender != nil && member == sender {
			continue
		}
		if member.deliver(line) {
			delivered++
			continue
		}
		failed = append(failed, member)
	}
	return delivered, failed
}

// removeFailed removes members that could not accept a message.
func (r *Room) removeFailed(failed []*Session) {
	for _, session := range failed {
		if r.Remove(session) {
			log.Printf("[room] %s removed from %q: outbound queue full or closed", session, r.name)
		}
	}
}
