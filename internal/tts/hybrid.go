package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mattiacorvi/overvox/internal/observability"
	"github.com/mattiacorvi/overvox/internal/voices"
)

// maxFallbackPicks bounds how many random re-picks the router tries
// before the terminal Edge fallback.
const maxFallbackPicks = 2

// Hybrid routes a job to the provider named by the chosen voice's tag.
// When an attempt fails or is rate limited, it re-picks a uniform random
// enabled voice and retries on that voice's provider; the last resort is
// Edge with the hardcoded default voice.
type Hybrid struct {
	providers map[string]Provider
	registry  *voices.Registry
	metrics   *observability.Metrics
	log       *logrus.Entry
}

// Result reports what actually got synthesized; Voice may differ from the
// job's voice when fallback kicked in.
type Result struct {
	Path      string
	Voice     voices.Voice
	Fallbacks int
}

func NewHybrid(registry *voices.Registry, metrics *observability.Metrics, providers ...Provider) *Hybrid {
	byTag := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byTag[p.Name()] = p
	}
	return &Hybrid{
		providers: byTag,
		registry:  registry,
		metrics:   metrics,
		log:       logrus.WithField("component", "tts_hybrid"),
	}
}

func (h *Hybrid) Synthesize(ctx context.Context, job Job) (Result, error) {
	voice := job.Voice
	var lastErr error

	for attempt := 0; attempt <= maxFallbackPicks; attempt++ {
		if attempt > 0 {
			next, err := h.registry.Random()
			if err != nil {
				break
			}
			voice = next
			h.registry.Stats().RecordFallback(voice.DisplayName, voice.ProviderTag)
		}

		path, err := h.attempt(ctx, job, voice)
		if err == nil {
			return Result{Path: path, Voice: voice, Fallbacks: attempt}, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		h.log.WithFields(logrus.Fields{
			"voice":    voice.DisplayName,
			"provider": voice.ProviderTag,
			"attempt":  attempt,
		}).WithError(err).Warn("synth attempt failed")
	}

	// Terminal fallback: Edge with its known-good default voice.
	if edge, ok := h.providers[voices.ProviderEdge]; ok {
		fallback := voices.Voice{
			ID:               "edge-default",
			DisplayName:      "Edge Default",
			ProviderTag:      voices.ProviderEdge,
			ProviderVoiceRef: defaultEdgeVoice,
			Enabled:          true,
		}
		fbJob := job
		fbJob.Voice = fallback
		path, err := edge.Synthesize(ctx, fbJob)
		if err == nil {
			h.registry.Stats().RecordFallback(fallback.DisplayName, fallback.ProviderTag)
			return Result{Path: path, Voice: fallback, Fallbacks: maxFallbackPicks + 1}, nil
		}
		h.metrics.ProviderErrors.WithLabelValues(voices.ProviderEdge, errCode(err)).Inc()
		lastErr = err
	}

	if lastErr == nil {
		lastErr = voices.ErrNoVoices
	}
	return Result{}, fmt.Errorf("all synth attempts failed: %w", lastErr)
}

func (h *Hybrid) attempt(ctx context.Context, job Job, voice voices.Voice) (string, error) {
	p, ok := h.providers[voice.ProviderTag]
	if !ok {
		return "", fmt.Errorf("no provider registered for tag %q", voice.ProviderTag)
	}
	job.Voice = voice
	path, err := p.Synthesize(ctx, job)
	if err != nil {
		h.metrics.ProviderErrors.WithLabelValues(p.Name(), errCode(err)).Inc()
		return "", err
	}
	return path, nil
}

// Provider returns the registered backend for a tag (used by the voice
// listing endpoint).
func (h *Hybrid) Provider(tag string) (Provider, bool) {
	p, ok := h.providers[tag]
	return p, ok
}

func errCode(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInvalidVoice):
		return "invalid_voice"
	case errors.Is(err, ErrNoAudio):
		return "no_audio"
	default:
		return "error"
	}
}
