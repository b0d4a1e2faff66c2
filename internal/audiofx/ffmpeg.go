package audiofx

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mattiacorvi/overvox/internal/config"
)

const (
	toolTimeout = 30 * time.Second

	// filteredFileTTL matches the synthesized-audio lifetime so the
	// filtered variant disappears on the same schedule as its source.
	filteredFileTTL = 30 * time.Second

	// DefaultDurationSeconds covers files whose duration probe failed.
	DefaultDurationSeconds = 30.0
)

// Processor runs the external transform and probe tools. Both are
// optional at runtime: a missing or failing tool degrades to unfiltered
// audio and the default duration, never to a dropped message.
type Processor struct {
	chain       *ChainBuilder
	ffmpegPath  string
	ffprobePath string
	cleanup     func(path string)
	log         *logrus.Entry
}

func NewProcessor() *Processor {
	return &Processor{
		chain:       NewChainBuilder(),
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		cleanup: func(path string) {
			time.AfterFunc(filteredFileTTL, func() { _ = os.Remove(path) })
		},
		log: logrus.WithField("component", "audiofx"),
	}
}

// Process applies the configured filter chain to the file at path and
// probes the resulting duration. On success the original file is
// replaced by a sibling suffixed _filtered; on any tool failure the
// original path comes back untouched with whatever duration the probe
// could determine.
func (p *Processor) Process(ctx context.Context, path string, cfg config.AudioFilters) (string, *float64) {
	chain := p.chain.Build(cfg)
	if chain == "" {
		return path, p.ProbeDuration(ctx, path)
	}

	out := filteredPath(path)
	runCtx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, p.ffmpegPath, "-y", "-i", path, "-af", chain, out)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"chain":  chain,
			"stderr": truncate(stderr.String(), 300),
		}).Warn("filter pass failed, using unfiltered audio")
		_ = os.Remove(out)
		return path, p.ProbeDuration(ctx, path)
	}

	_ = os.Remove(path)
	p.cleanup(out)
	return out, p.ProbeDuration(ctx, out)
}

// ProbeDuration returns the media duration in seconds, or nil when the
// probe tool is unavailable or the output does not parse.
func (p *Processor) ProbeDuration(ctx context.Context, path string) *float64 {
	runCtx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, p.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	out, err := cmd.Output()
	if err != nil {
		p.log.WithError(err).Debug("duration probe failed")
		return nil
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || secs <= 0 {
		return nil
	}
	return &secs
}

// DurationOrDefault resolves a probe result to a concrete duration.
func DurationOrDefault(d *float64) time.Duration {
	secs := DefaultDurationSeconds
	if d != nil {
		secs = *d
	}
	return time.Duration(secs * float64(time.Second))
}

func filteredPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_filtered" + ext
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
