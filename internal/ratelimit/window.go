package ratelimit

import (
	"strings"
	"sync"
	"time"
)

const defaultMaxAge = 300 * time.Second

// Window tracks recent message timestamps per user for sliding-window
// spam detection. Users are keyed lowercased; entries older than maxAge
// are trimmed on every access.
type Window struct {
	mu     sync.Mutex
	maxAge time.Duration
	seen   map[string][]time.Time
	now    func() time.Time
}

func NewWindow(maxAge time.Duration) *Window {
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	return &Window{
		maxAge: maxAge,
		seen:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Add records a message timestamp for user.
func (w *Window) Add(user string) {
	key := strings.ToLower(strings.TrimSpace(user))
	if key == "" {
		return
	}
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.seen[key] = append(w.trimLocked(key, now), now)
}

// IsSpam reports whether user has sent maxMessages or more messages
// within the trailing window.
func (w *Window) IsSpam(user string, maxMessages int, window time.Duration) bool {
	if maxMessages <= 0 || window <= 0 {
		return false
	}
	key := strings.ToLower(strings.TrimSpace(user))
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()
	stamps := w.trimLocked(key, now)
	if len(stamps) == 0 {
		delete(w.seen, key)
		return false
	}
	w.seen[key] = stamps

	cutoff := now.Add(-window)
	count := 0
	for _, ts := range stamps {
		if !ts.Before(cutoff) {
			count++
		}
	}
	return count >= maxMessages
}

// Forget drops all state for user (e.g. after a moderation event).
func (w *Window) Forget(user string) {
	key := strings.ToLower(strings.TrimSpace(user))
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.seen, key)
}

func (w *Window) trimLocked(key string, now time.Time) []time.Time {
	stamps := w.seen[key]
	cutoff := now.Add(-w.maxAge)
	i := 0
	for i < len(stamps) && stamps[i].Before(cutoff) {
		i++
	}
	return stamps[i:]
}
