package tts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mattiacorvi/overvox/internal/voices"
)

// Provider error kinds. Rate limits and transient failures trigger the
// hybrid fallback; invalid voices surface after the Edge retry.
var (
	ErrRateLimited  = errors.New("provider rate limited")
	ErrInvalidVoice = errors.New("invalid voice")
	ErrNoAudio      = errors.New("no audio received")
)

// Job is one synthesis attempt tracked by the dispatcher.
type Job struct {
	ID     string
	User   string
	Text   string
	Voice  voices.Voice
	Format string // "mp3" or "wav"
}

// VoiceInfo is one entry of a provider voice listing.
type VoiceInfo struct {
	Ref      string `json:"ref"`
	Name     string `json:"name"`
	Language string `json:"language,omitempty"`
}

// Provider is the capability set every TTS backend implements.
// Synthesize writes the audio to a file under the provider's audio dir
// and returns its path.
type Provider interface {
	Name() string
	ListVoices(ctx context.Context, useCache bool) ([]VoiceInfo, error)
	Synthesize(ctx context.Context, job Job) (string, error)
}

const (
	httpTimeout      = 30 * time.Second
	audioFileTTL     = 30 * time.Second
	minAudioBytes    = 100
	defaultEdgeVoice = "en-US-ChristopherNeural"
)

// writeAudioFile stores synthesized bytes under dir with a fresh UUID
// name and schedules deletion; the static file layer only needs the file
// for the playback window.
func writeAudioFile(dir, ext string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, uuid.NewString()+"."+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	ScheduleCleanup(path, audioFileTTL)
	return path, nil
}

// ScheduleCleanup removes path after the given lifetime.
func ScheduleCleanup(path string, after time.Duration) {
	time.AfterFunc(after, func() {
		_ = os.Remove(path)
	})
}
