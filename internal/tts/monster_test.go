package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/mattiacorvi/overvox/internal/voices"
)

func monsterTestServer(t *testing.T, audio []byte) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/generate":
			if r.Header.Get("Authorization") != "test-key" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			var req struct {
				VoiceID string `json:"voice_id"`
				Message string `json:"message"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VoiceID == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"url": srv.URL + "/file.mp3"})
		case "/file.mp3":
			_, _ = w.Write(audio)
		case "/voices":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"voices": []map[string]string{
					{"voice_id": "m1", "name": "Growler"},
					{"voice_id": "m2", "name": "Whisper"},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMonsterSynthesizeWritesFile(t *testing.T) {
	audio := bytes.Repeat([]byte{0xAB}, 256)
	srv := monsterTestServer(t, audio)
	p := NewMonsterProvider(MonsterConfig{APIKey: "test-key", AudioDir: t.TempDir(), BaseURL: srv.URL})

	job := Job{ID: "j1", Text: "hello", Format: "mp3",
		Voice: voices.Voice{ProviderVoiceRef: "m1", ProviderTag: voices.ProviderMonster}}
	path, err := p.Synthesize(context.Background(), job)
	if err != nil {
		t.Fatalf("Synthesize() error = %v, want nil", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading synthesized file: %v", err)
	}
	if !bytes.Equal(data, audio) {
		t.Fatalf("file bytes = %d, want %d", len(data), len(audio))
	}
}

func TestMonsterPacingWindow(t *testing.T) {
	srv := monsterTestServer(t, bytes.Repeat([]byte{0xAB}, 256))
	p := NewMonsterProvider(MonsterConfig{APIKey: "test-key", AudioDir: t.TempDir(), BaseURL: srv.URL})

	job := Job{ID: "j1", Text: "hello", Format: "mp3",
		Voice: voices.Voice{ProviderVoiceRef: "m1"}}
	if _, err := p.Synthesize(context.Background(), job); err != nil {
		t.Fatalf("first Synthesize() error = %v, want nil", err)
	}
	_, err := p.Synthesize(context.Background(), job)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second Synthesize() error = %v, want ErrRateLimited", err)
	}

	// Back-dating the last request reopens the window.
	p.mu.Lock()
	p.lastRequest = time.Now().Add(-monsterMinInterval - time.Millisecond)
	p.mu.Unlock()
	if _, err := p.Synthesize(context.Background(), job); err != nil {
		t.Fatalf("Synthesize() after window error = %v, want nil", err)
	}
}

func TestMonsterSynthesizeTooSmall(t *testing.T) {
	srv := monsterTestServer(t, []byte("tiny"))
	p := NewMonsterProvider(MonsterConfig{APIKey: "test-key", AudioDir: t.TempDir(), BaseURL: srv.URL})

	job := Job{ID: "j1", Text: "hello", Format: "mp3",
		Voice: voices.Voice{ProviderVoiceRef: "m1"}}
	_, err := p.Synthesize(context.Background(), job)
	if !errors.Is(err, ErrNoAudio) {
		t.Fatalf("Synthesize() error = %v, want ErrNoAudio", err)
	}
}

func TestMonsterListVoicesCaches(t *testing.T) {
	srv := monsterTestServer(t, nil)
	p := NewMonsterProvider(MonsterConfig{APIKey: "test-key", BaseURL: srv.URL})

	list, err := p.ListVoices(context.Background(), true)
	if err != nil {
		t.Fatalf("ListVoices() error = %v, want nil", err)
	}
	if len(list) != 2 || list[0].Ref != "m1" {
		t.Fatalf("ListVoices() = %+v, want 2 entries starting with m1", list)
	}

	// Cached list survives the server going away.
	srv.Close()
	cached, err := p.ListVoices(context.Background(), true)
	if err != nil {
		t.Fatalf("cached ListVoices() error = %v, want nil", err)
	}
	if len(cached) != 2 {
		t.Fatalf("cached ListVoices() = %d entries, want 2", len(cached))
	}

	// A credential change invalidates the cache.
	p.cfg.APIKey = "other-key"
	if _, err := p.ListVoices(context.Background(), true); err == nil {
		t.Fatalf("ListVoices() after key change = nil error, want refetch failure")
	}
}
