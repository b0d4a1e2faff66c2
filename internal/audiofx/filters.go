package audiofx

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/mattiacorvi/overvox/internal/config"
)

const (
	baseSampleRate   = 44100
	maxRandomEffects = 3

	// Identity dead-zones for random sampling; values this close to
	// neutral are not worth an external tool invocation.
	speedDeadLow  = 0.95
	speedDeadHigh = 1.05
	pitchDeadLow  = -1.0
	pitchDeadHigh = 1.0

	deadZoneResamples = 16
)

// effect names double as the canonical chain order.
const (
	effectReverb = "reverb"
	effectPitch  = "pitch"
	effectSpeed  = "speed"
)

// ChainBuilder turns the filter configuration into an ffmpeg -af chain
// string. Randomness is injected so tests can pin the sampling.
type ChainBuilder struct {
	intN    func(n int) int
	uniform func() float64
}

func NewChainBuilder() *ChainBuilder {
	return &ChainBuilder{intN: rand.IntN, uniform: rand.Float64}
}

// Build returns the filter chain for cfg, or "" when nothing applies.
func (b *ChainBuilder) Build(cfg config.AudioFilters) string {
	if !cfg.Enabled {
		return ""
	}
	if cfg.Random {
		return b.randomChain(cfg)
	}
	return deterministicChain(cfg)
}

// deterministicChain applies every enabled effect at its configured value
// in the fixed order reverb, pitch, speed.
func deterministicChain(cfg config.AudioFilters) string {
	var parts []string
	if cfg.Reverb.Enabled {
		parts = append(parts, reverbFilter(cfg.Reverb.Value))
	}
	if cfg.Pitch.Enabled {
		parts = append(parts, pitchFilter(cfg.Pitch.Value))
	}
	if cfg.Speed.Enabled {
		parts = append(parts, speedFilter(cfg.Speed.Value))
	}
	return strings.Join(parts, ",")
}

// randomChain picks 1..min(3, #randomEnabled) effects without
// replacement and samples each parameter from its configured range,
// re-rolling values that land in the identity dead-zone.
func (b *ChainBuilder) randomChain(cfg config.AudioFilters) string {
	type candidate struct {
		name string
		ec   config.EffectConfig
	}
	var pool []candidate
	if cfg.Reverb.RandomEnabled {
		pool = append(pool, candidate{effectReverb, cfg.Reverb})
	}
	if cfg.Pitch.RandomEnabled {
		pool = append(pool, candidate{effectPitch, cfg.Pitch})
	}
	if cfg.Speed.RandomEnabled {
		pool = append(pool, candidate{effectSpeed, cfg.Speed})
	}
	if len(pool) == 0 {
		return ""
	}

	limit := len(pool)
	if limit > maxRandomEffects {
		limit = maxRandomEffects
	}
	count := 1 + b.intN(limit)
	for i := len(pool) - 1; i > 0; i-- {
		j := b.intN(i + 1)
		pool[i], pool[j] = pool[j], pool[i]
	}
	chosen := map[string]config.EffectConfig{}
	for _, c := range pool[:count] {
		chosen[c.name] = c.ec
	}

	// Chain order stays canonical regardless of pick order.
	var parts []string
	if ec, ok := chosen[effectReverb]; ok {
		parts = append(parts, reverbFilter(b.sample(ec.RandomRange, 0, 0)))
	}
	if ec, ok := chosen[effectPitch]; ok {
		parts = append(parts, pitchFilter(b.sample(ec.RandomRange, pitchDeadLow, pitchDeadHigh)))
	}
	if ec, ok := chosen[effectSpeed]; ok {
		parts = append(parts, speedFilter(b.sample(ec.RandomRange, speedDeadLow, speedDeadHigh)))
	}
	return strings.Join(parts, ",")
}

// sample draws uniformly from [rr[0], rr[1]], re-rolling draws inside
// the (deadLow, deadHigh) zone. If the range sits entirely inside the
// dead-zone the last draw wins.
func (b *ChainBuilder) sample(rr [2]float64, deadLow, deadHigh float64) float64 {
	lo, hi := rr[0], rr[1]
	if hi < lo {
		lo, hi = hi, lo
	}
	v := lo
	for i := 0; i < deadZoneResamples; i++ {
		v = lo + b.uniform()*(hi-lo)
		if deadLow == deadHigh || v <= deadLow || v >= deadHigh {
			return v
		}
	}
	return v
}

// reverbFilter maps amount in [0,1] to an echo pair plus the gain boost
// 1 + 0.3*amount.
func reverbFilter(amount float64) string {
	amount = clamp(amount, 0, 1)
	return fmt.Sprintf("aecho=0.8:0.9:40|80:%.2f|%.2f,volume=%.2f",
		0.5*amount, 0.3*amount, 1+0.3*amount)
}

// pitchFilter shifts by semitones in [-12,12]: scale the sample rate by
// 2^(semitones/12), then resample back to the base rate.
func pitchFilter(semitones float64) string {
	semitones = clamp(semitones, -12, 12)
	rate := int(math.Round(baseSampleRate * math.Pow(2, semitones/12)))
	return fmt.Sprintf("asetrate=%d,aresample=%d", rate, baseSampleRate)
}

// speedFilter maps multiplier in [0.25,4]: a single atempo stage covers
// [0.5,2.0]; outside that, two sqrt stages cover the full range.
func speedFilter(multiplier float64) string {
	multiplier = clamp(multiplier, 0.25, 4)
	if multiplier >= 0.5 && multiplier <= 2.0 {
		return fmt.Sprintf("atempo=%.3f", multiplier)
	}
	stage := math.Sqrt(multiplier)
	return fmt.Sprintf("atempo=%.3f,atempo=%.3f", stage, stage)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
