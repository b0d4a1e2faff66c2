package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mattiacorvi/overvox/internal/voices"
)

func TestGoogleSynthesize(t *testing.T) {
	audio := make([]byte, 300)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/text:synthesize" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("X-Goog-Api-Key") != "g-key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var req struct {
			Voice struct {
				LanguageCode string `json:"languageCode"`
				Name         string `json:"name"`
			} `json:"voice"`
			AudioConfig struct {
				AudioEncoding string `json:"audioEncoding"`
			} `json:"audioConfig"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Voice.LanguageCode != "en-GB" || req.AudioConfig.AudioEncoding != "LINEAR16" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"audioContent": base64.StdEncoding.EncodeToString(audio),
		})
	}))
	defer srv.Close()

	p := NewGoogleProvider(GoogleConfig{APIKey: "g-key", AudioDir: t.TempDir(), BaseURL: srv.URL})
	job := Job{ID: "j1", Text: "hello", Format: "wav",
		Voice: voices.Voice{ProviderVoiceRef: "en-GB-Neural2-B"}}
	if _, err := p.Synthesize(context.Background(), job); err != nil {
		t.Fatalf("Synthesize() error = %v, want nil", err)
	}
}

func TestGoogleSynthesizeRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewGoogleProvider(GoogleConfig{APIKey: "g-key", AudioDir: t.TempDir(), BaseURL: srv.URL})
	job := Job{ID: "j1", Text: "hello", Format: "mp3",
		Voice: voices.Voice{ProviderVoiceRef: "en-US-Neural2-A"}}
	_, err := p.Synthesize(context.Background(), job)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Synthesize() error = %v, want ErrRateLimited", err)
	}
}

func TestGoogleListVoicesFiltersNonEnglishAndPreview(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"voices": []map[string]any{
				{"name": "en-US-Neural2-A", "languageCodes": []string{"en-US"}},
				{"name": "de-DE-Neural2-B", "languageCodes": []string{"de-DE"}},
				{"name": "en-US-Preview-C", "languageCodes": []string{"en-US"}},
				{"name": "en-GB-Wavenet-D", "languageCodes": []string{"en-GB"}},
			},
		})
	}))
	defer srv.Close()

	p := NewGoogleProvider(GoogleConfig{APIKey: "g-key", BaseURL: srv.URL})
	list, err := p.ListVoices(context.Background(), false)
	if err != nil {
		t.Fatalf("ListVoices() error = %v, want nil", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListVoices() = %d entries, want 2", len(list))
	}
	if list[0].Ref != "en-US-Neural2-A" || list[1].Ref != "en-GB-Wavenet-D" {
		t.Fatalf("ListVoices() = %+v, want english non-preview voices only", list)
	}
}

func TestLanguageCodeOf(t *testing.T) {
	cases := []struct {
		ref  string
		want string
	}{
		{"en-US-Neural2-A", "en-US"},
		{"en-GB-Wavenet-D", "en-GB"},
		{"bogus", "en-US"},
	}
	for _, tc := range cases {
		if got := languageCodeOf(tc.ref); got != tc.want {
			t.Fatalf("languageCodeOf(%q) = %q, want %q", tc.ref, got, tc.want)
		}
	}
}
