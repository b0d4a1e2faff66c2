package slots

import (
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// releaseBuffer pads every timed release past the reported audio length
// so the overlay finishes playback before the slot is reused.
const releaseBuffer = 5 * time.Second

// Slot is a fixed screen position able to host one playing utterance.
// BoundVoiceID == "" means the slot accepts any voice.
type Slot struct {
	ID           string  `yaml:"id" json:"id"`
	Index        int     `yaml:"index" json:"index"`
	X            float64 `yaml:"x" json:"x_position"`
	Y            float64 `yaml:"y" json:"y_position"`
	Size         float64 `yaml:"size" json:"size"`
	BoundVoiceID string  `yaml:"boundVoiceId,omitempty" json:"-"`
}

// Reservation binds a slot to a playing utterance.
type Reservation struct {
	SlotID   string
	User     string
	StartAt  time.Time
	Duration time.Duration
	AudioURL string
}

type reservationState struct {
	Reservation
	timer *time.Timer
}

// Manager owns the static slot table and the reservation map. Find and
// reserve happen in one critical section so two jobs can never pick the
// same free slot.
type Manager struct {
	mu         sync.Mutex
	slots      []Slot
	reserved   map[string]*reservationState
	generation int64
	hasVoice   func(voiceID string) bool
	onRelease  func(slotID string)
	intN       func(n int) int
	buffer     time.Duration
	log        *logrus.Entry
}

// NewManager builds a manager over the given slot table. hasVoice reports
// whether a voice id is currently in the enabled set; it decides whether
// a bound slot is preferred or treated as unbound.
func NewManager(table []Slot, hasVoice func(string) bool) *Manager {
	if hasVoice == nil {
		hasVoice = func(string) bool { return false }
	}
	m := &Manager{
		reserved:   make(map[string]*reservationState),
		generation: 1,
		hasVoice:   hasVoice,
		intN:       rand.IntN,
		buffer:     releaseBuffer,
		log:        logrus.WithField("component", "slots"),
	}
	m.slots = append(m.slots, table...)
	return m
}

// SetReleaseHook registers the callback invoked (outside the lock) after
// every release, so the dispatcher can drain its slot queue.
func (m *Manager) SetReleaseHook(fn func(slotID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRelease = fn
}

// Rebuild replaces the slot table, clears every reservation and bumps the
// generation id. Clients drop stale play events by generation mismatch.
func (m *Manager) Rebuild(table []Slot) int64 {
	m.mu.Lock()
	for _, st := range m.reserved {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	m.reserved = make(map[string]*reservationState)
	m.slots = append([]Slot(nil), table...)
	m.generation++
	gen := m.generation
	m.mu.Unlock()
	m.log.WithFields(logrus.Fields{"slots": len(table), "generation": gen}).Info("slot table rebuilt")
	return gen
}

func (m *Manager) Generation() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// Slots returns a copy of the slot table.
func (m *Manager) Slots() []Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Slot, len(m.slots))
	copy(out, m.slots)
	return out
}

// FreeCount reports how many slots are currently unreserved.
func (m *Manager) FreeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots) - len(m.reserved)
}

// ReserveFor picks a free slot for voiceID and reserves it in the same
// critical section. Preference order: slots bound to voiceID (when the
// voice still exists), then unbound slots together with slots whose bound
// voice no longer exists, random within the tier. Returns false when no
// slot is free.
func (m *Manager) ReserveFor(voiceID, user, audioURL string, duration time.Duration) (Slot, bool) {
	m.mu.Lock()
	var bound, loose []Slot
	for _, s := range m.slots {
		if _, busy := m.reserved[s.ID]; busy {
			continue
		}
		switch {
		case s.BoundVoiceID == voiceID && m.hasVoice(voiceID):
			bound = append(bound, s)
		case s.BoundVoiceID == "":
			loose = append(loose, s)
		case !m.hasVoice(s.BoundVoiceID):
			// Binding points at a voice that was deleted or disabled.
			loose = append(loose, s)
		}
	}
	pool := bound
	if len(pool) == 0 {
		pool = loose
	}
	if len(pool) == 0 {
		m.mu.Unlock()
		return Slot{}, false
	}
	slot := pool[m.intN(len(pool))]
	st := &reservationState{Reservation: Reservation{
		SlotID:   slot.ID,
		User:     strings.ToLower(user),
		StartAt:  time.Now(),
		Duration: duration,
		AudioURL: audioURL,
	}}
	st.timer = time.AfterFunc(duration+m.buffer, func() {
		m.Release(slot.ID)
	})
	m.reserved[slot.ID] = st
	m.mu.Unlock()
	return slot, true
}

// Rearm updates a live reservation with the final audio url and playback
// duration, restarting its release timer. Returns false when the
// reservation is gone, which happens when the table was rebuilt or a
// moderation release raced the synth task.
func (m *Manager) Rearm(slotID, audioURL string, duration time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.reserved[slotID]
	if !ok {
		return false
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	st.AudioURL = audioURL
	st.Duration = duration
	st.timer = time.AfterFunc(duration+m.buffer, func() {
		m.Release(slotID)
	})
	return true
}

// Release frees slotID: cancels the pending timer, drops the reservation
// and fires the release hook. Releasing an unreserved slot is a no-op.
func (m *Manager) Release(slotID string) bool {
	m.mu.Lock()
	st, ok := m.reserved[slotID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(m.reserved, slotID)
	hook := m.onRelease
	m.mu.Unlock()

	if hook != nil {
		hook(slotID)
	}
	return true
}

// ReleaseByUser frees every slot reserved by user (moderation path) and
// returns the released slot ids.
func (m *Manager) ReleaseByUser(user string) []string {
	key := strings.ToLower(user)
	m.mu.Lock()
	var ids []string
	for id, st := range m.reserved {
		if st.User == key {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Release(id)
	}
	return ids
}

// Reserved reports whether slotID currently holds a reservation.
func (m *Manager) Reserved(slotID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.reserved[slotID]
	return ok
}
