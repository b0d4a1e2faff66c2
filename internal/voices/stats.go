package voices

import "sync"

// StatKey identifies a usage counter bucket.
type StatKey struct {
	Voice    string
	Provider string
}

// UsageStats counts voice selections and fallback picks. Counters are
// monotonic between Reset calls.
type UsageStats struct {
	mu       sync.Mutex
	selected map[StatKey]uint64
	fallback map[StatKey]uint64
}

func NewUsageStats() *UsageStats {
	return &UsageStats{
		selected: make(map[StatKey]uint64),
		fallback: make(map[StatKey]uint64),
	}
}

func (s *UsageStats) RecordSelected(voiceName, provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected[StatKey{Voice: voiceName, Provider: provider}]++
}

func (s *UsageStats) RecordFallback(voiceName, provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback[StatKey{Voice: voiceName, Provider: provider}]++
}

// Snapshot returns copies of both counter maps.
func (s *UsageStats) Snapshot() (selected, fallback map[StatKey]uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	selected = make(map[StatKey]uint64, len(s.selected))
	for k, v := range s.selected {
		selected[k] = v
	}
	fallback = make(map[StatKey]uint64, len(s.fallback))
	for k, v := range s.fallback {
		fallback[k] = v
	}
	return selected, fallback
}

func (s *UsageStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = make(map[StatKey]uint64)
	s.fallback = make(map[StatKey]uint64)
}
