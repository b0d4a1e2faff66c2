package slots

import (
	"sync"
	"testing"
	"time"
)

func testTable() []Slot {
	return []Slot{
		{ID: "s1", Index: 0, X: 10, Y: 20, Size: 1},
		{ID: "s2", Index: 1, X: 30, Y: 20, Size: 1, BoundVoiceID: "v1"},
		{ID: "s3", Index: 2, X: 50, Y: 20, Size: 1, BoundVoiceID: "ghost"},
	}
}

func newTestManager(enabled map[string]bool) *Manager {
	m := NewManager(testTable(), func(id string) bool { return enabled[id] })
	m.intN = func(int) int { return 0 }
	m.buffer = 0
	return m
}

func TestReserveForPrefersBoundSlot(t *testing.T) {
	m := newTestManager(map[string]bool{"v1": true})
	slot, ok := m.ReserveFor("v1", "alice", "/audio/a.mp3", time.Second)
	if !ok {
		t.Fatalf("ReserveFor() = no slot, want s2")
	}
	if slot.ID != "s2" {
		t.Fatalf("ReserveFor(v1) = %q, want bound slot s2", slot.ID)
	}
}

func TestReserveForTreatsStaleBindingAsLoose(t *testing.T) {
	m := newTestManager(map[string]bool{"v1": true})
	// v2 has no bound slot: picks from the loose pool which includes s3
	// (bound to a voice that no longer exists) after s1.
	if slot, ok := m.ReserveFor("v2", "alice", "", time.Second); !ok || slot.ID != "s1" {
		t.Fatalf("first loose reservation = %v %v, want s1", slot.ID, ok)
	}
	if slot, ok := m.ReserveFor("v2", "bob", "", time.Second); !ok || slot.ID != "s3" {
		t.Fatalf("second loose reservation = %v %v, want s3", slot.ID, ok)
	}
}

func TestReserveForNoDoubleBooking(t *testing.T) {
	m := newTestManager(nil)
	const n = 16
	var wg sync.WaitGroup
	got := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if slot, ok := m.ReserveFor("", "user", "", time.Minute); ok {
				got <- slot.ID
			}
		}()
	}
	wg.Wait()
	close(got)

	seen := map[string]bool{}
	for id := range got {
		if seen[id] {
			t.Fatalf("slot %s reserved twice", id)
		}
		seen[id] = true
	}
	if len(seen) != len(testTable()) {
		t.Fatalf("reserved %d distinct slots, want %d", len(seen), len(testTable()))
	}
}

func TestReleaseReuse(t *testing.T) {
	m := newTestManager(nil)
	slot, ok := m.ReserveFor("", "alice", "", time.Minute)
	if !ok {
		t.Fatalf("ReserveFor() failed")
	}
	if !m.Release(slot.ID) {
		t.Fatalf("Release(%s) = false, want true", slot.ID)
	}
	if m.Release(slot.ID) {
		t.Fatalf("second Release(%s) = true, want no-op false", slot.ID)
	}
	if _, ok := m.ReserveFor("", "bob", "", time.Minute); !ok {
		t.Fatalf("ReserveFor() after release failed, want success")
	}
}

func TestReleaseHookFires(t *testing.T) {
	m := newTestManager(nil)
	released := make(chan string, 1)
	m.SetReleaseHook(func(id string) { released <- id })

	slot, _ := m.ReserveFor("", "alice", "", 10*time.Millisecond)
	select {
	case id := <-released:
		if id != slot.ID {
			t.Fatalf("release hook slot = %q, want %q", id, slot.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed release did not fire")
	}
	if m.Reserved(slot.ID) {
		t.Fatalf("slot %s still reserved after timer release", slot.ID)
	}
}

func TestReleaseByUser(t *testing.T) {
	m := newTestManager(nil)
	m.ReserveFor("", "Mallory", "", time.Minute)
	m.ReserveFor("", "alice", "", time.Minute)

	ids := m.ReleaseByUser("mallory")
	if len(ids) != 1 {
		t.Fatalf("ReleaseByUser() released %d slots, want 1", len(ids))
	}
	if m.FreeCount() != 2 {
		t.Fatalf("FreeCount() = %d, want 2", m.FreeCount())
	}
}

func TestRebuildBumpsGenerationAndClears(t *testing.T) {
	m := newTestManager(nil)
	m.ReserveFor("", "alice", "", time.Minute)
	gen := m.Generation()

	newGen := m.Rebuild([]Slot{{ID: "x1"}})
	if newGen != gen+1 {
		t.Fatalf("Rebuild() generation = %d, want %d", newGen, gen+1)
	}
	if m.FreeCount() != 1 {
		t.Fatalf("FreeCount() after rebuild = %d, want 1", m.FreeCount())
	}
}

func TestRearm(t *testing.T) {
	m := newTestManager(nil)
	slot, ok := m.ReserveFor("", "alice", "", time.Minute)
	if !ok {
		t.Fatalf("ReserveFor() = no slot")
	}

	if !m.Rearm(slot.ID, "/audio/final.mp3", 10*time.Millisecond) {
		t.Fatalf("Rearm() = false for live reservation")
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.Reserved(slot.ID) {
		if time.Now().After(deadline) {
			t.Fatalf("slot %s not released after rearmed timer", slot.ID)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if m.Rearm(slot.ID, "/audio/x.mp3", time.Minute) {
		t.Fatalf("Rearm() = true for released slot")
	}
}

func TestRearmAfterRebuild(t *testing.T) {
	m := newTestManager(nil)
	slot, _ := m.ReserveFor("", "alice", "", time.Minute)
	m.Rebuild(testTable())
	if m.Rearm(slot.ID, "/audio/x.mp3", time.Minute) {
		t.Fatalf("Rearm() = true across a rebuild")
	}
}
