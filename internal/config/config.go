package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config carries process-level runtime settings and credentials, all read
// from the environment. The structured overlay settings live in a YAML
// file loaded separately (see Settings).
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	SettingsPath string
	AudioDir     string
	DatabaseURL  string

	TwitchNick    string
	TwitchOAuth   string
	TwitchChannel string
	TwitchAddr    string

	YouTubeAPIKey  string
	YouTubeVideoID string

	MonsterAPIKey  string
	GoogleAPIKey   string
	PollyAccessKey string
	PollySecretKey string
	PollyRegion    string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "overvox"),
		SettingsPath:     envOrDefault("APP_SETTINGS_PATH", "settings.yaml"),
		AudioDir:         envOrDefault("APP_AUDIO_DIR", "audio"),
		DatabaseURL:      envTrimmed("DATABASE_URL"),
		TwitchNick:       envTrimmed("TWITCH_NICK"),
		TwitchOAuth:      envTrimmed("TWITCH_OAUTH_TOKEN"),
		TwitchChannel:    strings.ToLower(envTrimmed("TWITCH_CHANNEL")),
		TwitchAddr:       envOrDefault("TWITCH_IRC_ADDR", "irc.chat.twitch.tv:6697"),
		YouTubeAPIKey:    envTrimmed("YOUTUBE_API_KEY"),
		YouTubeVideoID:   envTrimmed("YOUTUBE_VIDEO_ID"),
		MonsterAPIKey:    envTrimmed("TTS_MONSTER_API_KEY"),
		GoogleAPIKey:     envTrimmed("GOOGLE_TTS_API_KEY"),
		PollyAccessKey:   envTrimmed("AWS_POLLY_ACCESS_KEY"),
		PollySecretKey:   envTrimmed("AWS_POLLY_SECRET_KEY"),
		PollyRegion:      envOrDefault("AWS_POLLY_REGION", "us-east-1"),
		ShutdownTimeout:  15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", false)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.SettingsPath) == "" {
		return Config{}, fmt.Errorf("APP_SETTINGS_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.AudioDir) == "" {
		return Config{}, fmt.Errorf("APP_AUDIO_DIR must not be empty")
	}
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
