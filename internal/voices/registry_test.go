package voices

import (
	"errors"
	"testing"
)

func testVoices() []Voice {
	return []Voice{
		{ID: "v1", DisplayName: "Brian", ProviderTag: ProviderEdge, Enabled: true},
		{ID: "v2", DisplayName: "Ivy", ProviderTag: ProviderPolly, Enabled: true},
		{ID: "v3", DisplayName: "Off", ProviderTag: ProviderGoogle, Enabled: false},
	}
}

func TestRegistryPickUsesOverride(t *testing.T) {
	r := NewRegistry(nil)
	r.Replace(testVoices(), map[string]string{"sub": "v2"})

	v, err := r.Pick("sub")
	if err != nil {
		t.Fatalf("Pick() unexpected error = %v", err)
	}
	if v.ID != "v2" {
		t.Fatalf("Pick(sub) = %q, want override v2", v.ID)
	}
}

func TestRegistryOverrideToDisabledFallsThrough(t *testing.T) {
	r := NewRegistry(nil)
	r.Replace(testVoices(), map[string]string{"bits": "v3"})
	r.intN = func(int) int { return 0 }

	v, err := r.Pick("bits")
	if err != nil {
		t.Fatalf("Pick() unexpected error = %v", err)
	}
	if v.ID != "v1" {
		t.Fatalf("Pick(bits) = %q, want random fall-through v1", v.ID)
	}
}

func TestRegistryPickUniform(t *testing.T) {
	r := NewRegistry(nil)
	r.Replace(testVoices(), nil)
	r.intN = func(n int) int { return n - 1 }

	v, err := r.Pick("chat")
	if err != nil {
		t.Fatalf("Pick() unexpected error = %v", err)
	}
	if v.ID != "v2" {
		t.Fatalf("Pick(chat) = %q, want last enabled v2", v.ID)
	}
}

func TestRegistryNoEnabledVoices(t *testing.T) {
	r := NewRegistry(nil)
	r.Replace([]Voice{{ID: "v3", Enabled: false}}, nil)
	if _, err := r.Pick("chat"); !errors.Is(err, ErrNoVoices) {
		t.Fatalf("Pick() error = %v, want ErrNoVoices", err)
	}
	if _, err := r.Random(); !errors.Is(err, ErrNoVoices) {
		t.Fatalf("Random() error = %v, want ErrNoVoices", err)
	}
}

func TestRegistryRecordsSelectionStats(t *testing.T) {
	stats := NewUsageStats()
	r := NewRegistry(stats)
	r.Replace(testVoices(), map[string]string{"chat": "v1"})

	for i := 0; i < 3; i++ {
		if _, err := r.Pick("chat"); err != nil {
			t.Fatalf("Pick() unexpected error = %v", err)
		}
	}
	selected, _ := stats.Snapshot()
	if got := selected[StatKey{Voice: "Brian", Provider: ProviderEdge}]; got != 3 {
		t.Fatalf("selected count = %d, want 3", got)
	}
}

func TestUsageStatsReset(t *testing.T) {
	stats := NewUsageStats()
	stats.RecordFallback("Ivy", ProviderPolly)
	stats.Reset()
	_, fallback := stats.Snapshot()
	if len(fallback) != 0 {
		t.Fatalf("fallback counters after Reset() = %d entries, want 0", len(fallback))
	}
}
