package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mattiacorvi/overvox/internal/reliability"
	"github.com/mattiacorvi/overvox/internal/voices"
)

const (
	monsterBaseURL     = "https://api.console.tts.monster"
	monsterMinInterval = 2 * time.Second
)

type MonsterConfig struct {
	APIKey   string
	AudioDir string
	BaseURL  string
}

// MonsterProvider calls the TTS Monster console API. The service paces
// aggressively, so requests closer than 2s to the previous one fail fast
// with ErrRateLimited and let the hybrid layer re-route.
type MonsterProvider struct {
	cfg    MonsterConfig
	client *http.Client
	cache  voiceCache

	mu          sync.Mutex
	lastRequest time.Time

	log *logrus.Entry
}

func NewMonsterProvider(cfg MonsterConfig) *MonsterProvider {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = monsterBaseURL
	}
	return &MonsterProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: httpTimeout},
		log:    logrus.WithField("component", "tts_monster"),
	}
}

func (p *MonsterProvider) Name() string { return voices.ProviderMonster }

func (p *MonsterProvider) Synthesize(ctx context.Context, job Job) (string, error) {
	if err := p.reserveRequestSlot(); err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]string{
		"voice_id": job.Voice.ProviderVoiceRef,
		"message":  job.Text,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	// The console API wants the bare key, no "Bearer" scheme.
	req.Header.Set("Authorization", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("monster generate: %w", err)
	}
	defer resp.Body.Close()
	if reliability.IsRateLimitHTTPStatus(resp.StatusCode) {
		return "", fmt.Errorf("monster generate status %d: %w", resp.StatusCode, ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("monster generate status %d", resp.StatusCode)
	}

	var gen struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return "", fmt.Errorf("monster generate decode: %w", err)
	}
	if strings.TrimSpace(gen.URL) == "" {
		return "", fmt.Errorf("monster generate: empty download url")
	}

	data, err := p.download(ctx, gen.URL)
	if err != nil {
		return "", err
	}
	if len(data) < minAudioBytes {
		return "", fmt.Errorf("monster audio too small (%d bytes): %w", len(data), ErrNoAudio)
	}
	return writeAudioFile(p.cfg.AudioDir, job.Format, data)
}

func (p *MonsterProvider) ListVoices(ctx context.Context, useCache bool) ([]VoiceInfo, error) {
	hash := hashCreds(p.cfg.APIKey)
	if useCache {
		if list, ok := p.cache.cached(hash); ok {
			return list, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/voices", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("monster voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("monster voices status %d", resp.StatusCode)
	}

	var payload struct {
		Voices []struct {
			VoiceID string `json:"voice_id"`
			Name    string `json:"name"`
		} `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("monster voices decode: %w", err)
	}
	list := make([]VoiceInfo, 0, len(payload.Voices))
	for _, v := range payload.Voices {
		list = append(list, VoiceInfo{Ref: v.VoiceID, Name: v.Name})
	}
	p.cache.store(hash, list)
	return list, nil
}

// reserveRequestSlot enforces the per-provider pacing window. The slot is
// claimed up front so concurrent callers cannot both pass the check.
func (p *MonsterProvider) reserveRequestSlot() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if since := now.Sub(p.lastRequest); since < monsterMinInterval {
		p.log.WithField("since_ms", since.Milliseconds()).Debug("request inside pacing window")
		return fmt.Errorf("monster pacing: %w", ErrRateLimited)
	}
	p.lastRequest = now
	return nil
}

func (p *MonsterProvider) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("monster download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("monster download status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
