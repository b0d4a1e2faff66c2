package dispatch

import (
	"strings"
	"time"

	"github.com/mattiacorvi/overvox/internal/event"
	"github.com/mattiacorvi/overvox/internal/voices"
)

const (
	parallelQueueTTL = 120 * time.Second
	slotQueueTTL     = 60 * time.Second
)

// queuedEntry is one waiting message. Entries in the slot queue already
// passed the parallel cap and carry their admission handle plus the
// voice picked for them; parallel-queue entries carry neither.
type queuedEntry struct {
	ev       event.ChatEvent
	voice    voices.Voice
	handle   *jobHandle
	enqueued time.Time
}

// ttlQueue is a FIFO whose entries expire ttl after their own enqueue
// time. Expiry is checked on dequeue, not by a sweeper. Not safe for
// concurrent use; the dispatcher mutex guards it.
type ttlQueue struct {
	ttl     time.Duration
	entries []queuedEntry
}

func newTTLQueue(ttl time.Duration) *ttlQueue {
	return &ttlQueue{ttl: ttl}
}

func (q *ttlQueue) push(e queuedEntry) {
	q.entries = append(q.entries, e)
}

func (q *ttlQueue) len() int { return len(q.entries) }

// pop removes and returns the head. expired reports whether the entry
// outlived its TTL; callers drop those and pop again.
func (q *ttlQueue) pop(now time.Time) (e queuedEntry, ok, expired bool) {
	if len(q.entries) == 0 {
		return queuedEntry{}, false, false
	}
	e = q.entries[0]
	q.entries = q.entries[1:]
	return e, true, now.Sub(e.enqueued) > q.ttl
}

// pushFront returns an entry to the head after a failed processing
// attempt, preserving FIFO order for the rest.
func (q *ttlQueue) pushFront(e queuedEntry) {
	q.entries = append([]queuedEntry{e}, q.entries...)
}

// removeUser drops every entry whose user matches (case-insensitive)
// and returns the removed entries so admissions can be rolled back.
func (q *ttlQueue) removeUser(user string) []queuedEntry {
	key := strings.ToLower(user)
	var removed []queuedEntry
	kept := q.entries[:0]
	for _, e := range q.entries {
		if strings.ToLower(e.ev.User) == key {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	return removed
}
