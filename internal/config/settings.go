package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattiacorvi/overvox/internal/slots"
	"github.com/mattiacorvi/overvox/internal/voices"
)

// Settings is the structured overlay configuration snapshot. It is
// decoded from YAML and treated as read-only by the dispatch core; edits
// happen in an external tool and arrive as a whole new snapshot.
type Settings struct {
	TTSEnabled            bool   `yaml:"ttsEnabled"`
	AudioFormat           string `yaml:"audioFormat"`
	ParallelMessageLimit  int    `yaml:"parallelMessageLimit"`
	QueueOverflowMessages bool   `yaml:"queueOverflowMessages"`
	IgnoreIfUserSpeaking  bool   `yaml:"ignoreIfUserSpeaking"`

	MessageFiltering MessageFiltering  `yaml:"messageFiltering"`
	SpecialVoices    map[string]string `yaml:"specialVoices"`
	AudioFilters     AudioFilters      `yaml:"audioFilters"`

	Voices      []voices.Voice `yaml:"voices"`
	AvatarSlots []slots.Slot   `yaml:"avatarSlots"`
}

type MessageFiltering struct {
	MinMessageLength    int          `yaml:"minMessageLength"`
	MaxMessageLength    int          `yaml:"maxMessageLength"`
	EnableCommandFilter bool         `yaml:"enableCommandFilter"`
	CommandPrefix       string       `yaml:"commandPrefix"`
	StripEmotes         bool         `yaml:"stripEmotes"`
	Blocklist           []string     `yaml:"blocklist"`
	UserFilters         []UserFilter `yaml:"userFilters"`
	Rate                RateLimit    `yaml:"rate"`
}

// UserFilter is a per-user ingress rule. Action "block" rejects the named
// user; action "allow" switches the filter to allow-list mode where only
// named users pass.
type UserFilter struct {
	User   string `yaml:"user"`
	Action string `yaml:"action"`
}

type RateLimit struct {
	MaxMessages   int `yaml:"maxMessages"`
	WindowSeconds int `yaml:"windowSeconds"`
}

// AudioFilters declares the optional post-processing chain. Random mode
// samples effect parameters from the configured ranges instead of using
// the fixed values.
type AudioFilters struct {
	Enabled bool         `yaml:"enabled"`
	Random  bool         `yaml:"random"`
	Reverb  EffectConfig `yaml:"reverb"`
	Pitch   EffectConfig `yaml:"pitch"`
	Speed   EffectConfig `yaml:"speed"`
}

type EffectConfig struct {
	Enabled       bool       `yaml:"enabled"`
	RandomEnabled bool       `yaml:"randomEnabled"`
	Value         float64    `yaml:"value"`
	RandomRange   [2]float64 `yaml:"randomRange"`
}

// LoadSettings reads the YAML settings file at path.
func LoadSettings(path string) (*Settings, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("settings: open %q: %w", path, err)
	}
	defer f.Close()

	s, err := SettingsFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("settings: parse %q: %w", path, err)
	}
	return s, nil
}

// SettingsFromReader decodes and validates a YAML settings snapshot.
// Useful in tests where snapshots are built from string literals.
func SettingsFromReader(r io.Reader) (*Settings, error) {
	s := &Settings{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	s.applyDefaults()
	return s, nil
}

func (s *Settings) applyDefaults() {
	if strings.TrimSpace(s.AudioFormat) == "" {
		s.AudioFormat = "mp3"
	}
	if s.MessageFiltering.MaxMessageLength == 0 {
		s.MessageFiltering.MaxMessageLength = 500
	}
	if s.MessageFiltering.CommandPrefix == "" {
		s.MessageFiltering.CommandPrefix = "!"
	}
}

func (s *Settings) validate() error {
	switch strings.TrimSpace(s.AudioFormat) {
	case "", "mp3", "wav":
	default:
		return fmt.Errorf("audioFormat %q is invalid; valid values: mp3, wav", s.AudioFormat)
	}
	for _, uf := range s.MessageFiltering.UserFilters {
		switch uf.Action {
		case "block", "allow":
		default:
			return fmt.Errorf("userFilters action %q is invalid; valid values: block, allow", uf.Action)
		}
	}
	seen := map[string]bool{}
	for _, sl := range s.AvatarSlots {
		if sl.ID == "" {
			return fmt.Errorf("avatarSlots entries need an id")
		}
		if seen[sl.ID] {
			return fmt.Errorf("avatarSlots id %q appears twice", sl.ID)
		}
		seen[sl.ID] = true
	}
	return nil
}
