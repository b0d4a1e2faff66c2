package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mattiacorvi/overvox/internal/reliability"
	"github.com/mattiacorvi/overvox/internal/voices"
)

const googleBaseURL = "https://texttospeech.googleapis.com/v1"

type GoogleConfig struct {
	APIKey   string
	AudioDir string
	BaseURL  string
}

// GoogleProvider calls the Cloud Text-to-Speech REST API with API-key
// header auth.
type GoogleProvider struct {
	cfg    GoogleConfig
	client *http.Client
	cache  voiceCache
}

func NewGoogleProvider(cfg GoogleConfig) *GoogleProvider {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = googleBaseURL
	}
	return &GoogleProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: httpTimeout},
	}
}

func (p *GoogleProvider) Name() string { return voices.ProviderGoogle }

func (p *GoogleProvider) Synthesize(ctx context.Context, job Job) (string, error) {
	voiceRef := strings.TrimSpace(job.Voice.ProviderVoiceRef)
	if voiceRef == "" {
		return "", fmt.Errorf("google voice ref missing: %w", ErrInvalidVoice)
	}
	encoding := "MP3"
	if job.Format == "wav" {
		encoding = "LINEAR16"
	}

	body, err := json.Marshal(map[string]any{
		"input": map[string]string{"text": job.Text},
		"voice": map[string]string{
			"languageCode": languageCodeOf(voiceRef),
			"name":         voiceRef,
		},
		"audioConfig": map[string]string{"audioEncoding": encoding},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/text:synthesize", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Goog-Api-Key", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("google synthesize: %w", err)
	}
	defer resp.Body.Close()
	if reliability.IsRateLimitHTTPStatus(resp.StatusCode) {
		return "", fmt.Errorf("google synthesize status %d: %w", resp.StatusCode, ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("google synthesize status %d", resp.StatusCode)
	}

	var payload struct {
		AudioContent string `json:"audioContent"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("google synthesize decode: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(payload.AudioContent)
	if err != nil {
		return "", fmt.Errorf("google audio decode: %w", err)
	}
	if len(data) < minAudioBytes {
		return "", fmt.Errorf("google audio too small (%d bytes): %w", len(data), ErrNoAudio)
	}
	return writeAudioFile(p.cfg.AudioDir, job.Format, data)
}

func (p *GoogleProvider) ListVoices(ctx context.Context, useCache bool) ([]VoiceInfo, error) {
	hash := hashCreds(p.cfg.APIKey)
	if useCache {
		if list, ok := p.cache.cached(hash); ok {
			return list, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/voices", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Goog-Api-Key", p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("google voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("google voices status %d", resp.StatusCode)
	}

	var payload struct {
		Voices []struct {
			Name          string   `json:"name"`
			LanguageCodes []string `json:"languageCodes"`
		} `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("google voices decode: %w", err)
	}

	list := make([]VoiceInfo, 0, len(payload.Voices))
	for _, v := range payload.Voices {
		if !strings.HasPrefix(v.Name, "en-") || isPreviewFamily(v.Name) {
			continue
		}
		lang := ""
		if len(v.LanguageCodes) > 0 {
			lang = v.LanguageCodes[0]
		}
		list = append(list, VoiceInfo{Ref: v.Name, Name: v.Name, Language: lang})
	}
	p.cache.store(hash, list)
	return list, nil
}

// isPreviewFamily drops preview voice families by name token; they churn
// too often to offer in a selection UI.
func isPreviewFamily(name string) bool {
	for _, token := range strings.Split(name, "-") {
		if strings.EqualFold(token, "preview") {
			return true
		}
	}
	return false
}

// languageCodeOf extracts the "en-US" prefix of a full voice name like
// "en-US-Neural2-A".
func languageCodeOf(voiceRef string) string {
	parts := strings.SplitN(voiceRef, "-", 3)
	if len(parts) >= 2 {
		return parts[0] + "-" + parts[1]
	}
	return "en-US"
}
