package voices

import (
	"errors"
	"math/rand/v2"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrNoVoices is returned when no enabled voice exists.
var ErrNoVoices = errors.New("no enabled voices")

const statsLogEvery = 10

// Registry holds the current enabled voice set and the special-event
// override map. Selection is uniform random unless an override resolves.
type Registry struct {
	mu        sync.Mutex
	enabled   []Voice
	byID      map[string]Voice
	overrides map[string]string
	stats     *UsageStats
	picks     uint64
	intN      func(n int) int
	log       *logrus.Entry
}

func NewRegistry(stats *UsageStats) *Registry {
	if stats == nil {
		stats = NewUsageStats()
	}
	return &Registry{
		byID:      make(map[string]Voice),
		overrides: make(map[string]string),
		stats:     stats,
		intN:      rand.IntN,
		log:       logrus.WithField("component", "voices"),
	}
}

// Replace swaps the enabled voice set and override map atomically.
// Disabled voices are dropped here so every later lookup sees only the
// enabled set.
func (r *Registry) Replace(all []Voice, overrides map[string]string) {
	enabled := make([]Voice, 0, len(all))
	byID := make(map[string]Voice, len(all))
	for _, v := range all {
		if !v.Enabled || v.ID == "" {
			continue
		}
		enabled = append(enabled, v)
		byID[v.ID] = v
	}
	ov := make(map[string]string, len(overrides))
	for k, v := range overrides {
		ov[k] = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
	r.byID = byID
	r.overrides = ov
}

// Pick chooses a voice for eventType: the registered override when it
// resolves to an enabled voice, otherwise a uniform random enabled voice.
func (r *Registry) Pick(eventType string) (Voice, error) {
	r.mu.Lock()
	v, err := r.pickLocked(eventType)
	if err != nil {
		r.mu.Unlock()
		return Voice{}, err
	}
	r.picks++
	picks := r.picks
	r.mu.Unlock()

	r.stats.RecordSelected(v.DisplayName, v.ProviderTag)
	if picks%statsLogEvery == 0 {
		r.logStatsSummary(picks)
	}
	return v, nil
}

func (r *Registry) pickLocked(eventType string) (Voice, error) {
	if len(r.enabled) == 0 {
		return Voice{}, ErrNoVoices
	}
	if id, ok := r.overrides[eventType]; ok {
		if v, ok := r.byID[id]; ok {
			return v, nil
		}
	}
	return r.enabled[r.intN(len(r.enabled))], nil
}

// Random returns a uniform random enabled voice, used for fallback
// re-picks. The fallback stat is recorded by the caller once the pick
// actually gets used.
func (r *Registry) Random() (Voice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.enabled) == 0 {
		return Voice{}, ErrNoVoices
	}
	return r.enabled[r.intN(len(r.enabled))], nil
}

// Get looks up an enabled voice by id.
func (r *Registry) Get(id string) (Voice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.byID[id]
	return v, ok
}

// Enabled returns a copy of the enabled voice set.
func (r *Registry) Enabled() []Voice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Voice, len(r.enabled))
	copy(out, r.enabled)
	return out
}

// Stats exposes the usage counters (shared with the hybrid synthesizer).
func (r *Registry) Stats() *UsageStats { return r.stats }

func (r *Registry) logStatsSummary(picks uint64) {
	selected, fallback := r.stats.Snapshot()
	fields := logrus.Fields{"picks": picks}
	for k, n := range selected {
		fields["sel_"+k.Voice] = n
	}
	for k, n := range fallback {
		fields["fb_"+k.Voice] = n
	}
	r.log.WithFields(fields).Info("voice usage summary")
}
