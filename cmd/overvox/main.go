package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/mattiacorvi/overvox/internal/audiofx"
	"github.com/mattiacorvi/overvox/internal/chat"
	"github.com/mattiacorvi/overvox/internal/config"
	"github.com/mattiacorvi/overvox/internal/dispatch"
	"github.com/mattiacorvi/overvox/internal/event"
	"github.com/mattiacorvi/overvox/internal/filter"
	"github.com/mattiacorvi/overvox/internal/httpapi"
	"github.com/mattiacorvi/overvox/internal/hub"
	"github.com/mattiacorvi/overvox/internal/observability"
	"github.com/mattiacorvi/overvox/internal/slots"
	"github.com/mattiacorvi/overvox/internal/store"
	"github.com/mattiacorvi/overvox/internal/tts"
	"github.com/mattiacorvi/overvox/internal/voices"
)

func main() {
	_ = godotenv.Load()
	log := logrus.WithField("component", "main")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("config error")
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()

	// Settings come from the file; a configured database overrides it
	// with the last admin-applied snapshot.
	var snapshots *store.SnapshotStore
	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		log.WithError(err).Fatal("settings load failed")
	}
	if cfg.DatabaseURL != "" {
		snapshots, err = store.NewSnapshotStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Fatal("snapshot store init failed")
		}
		defer snapshots.Close()
		if snap, ok, err := snapshots.LatestSnapshot(ctx); err != nil {
			log.WithError(err).Warn("snapshot load failed, using settings file")
		} else if ok {
			settings = snap
			log.Info("settings restored from snapshot store")
		}
	}

	holder := config.NewSettingsHolder(*settings)
	registry := voices.NewRegistry(nil)
	registry.Replace(settings.Voices, settings.SpecialVoices)

	slotManager := slots.NewManager(settings.AvatarSlots, func(id string) bool {
		_, ok := registry.Get(id)
		return ok
	})

	providers := []tts.Provider{
		tts.NewEdgeProvider(tts.EdgeConfig{AudioDir: cfg.AudioDir}),
	}
	if cfg.MonsterAPIKey != "" {
		providers = append(providers, tts.NewMonsterProvider(tts.MonsterConfig{
			APIKey:   cfg.MonsterAPIKey,
			AudioDir: cfg.AudioDir,
		}))
	}
	if cfg.GoogleAPIKey != "" {
		providers = append(providers, tts.NewGoogleProvider(tts.GoogleConfig{
			APIKey:   cfg.GoogleAPIKey,
			AudioDir: cfg.AudioDir,
		}))
	}
	if cfg.PollyAccessKey != "" && cfg.PollySecretKey != "" {
		providers = append(providers, tts.NewPollyProvider(tts.PollyConfig{
			AccessKey: cfg.PollyAccessKey,
			SecretKey: cfg.PollySecretKey,
			Region:    cfg.PollyRegion,
			AudioDir:  cfg.AudioDir,
		}))
	}
	hybrid := tts.NewHybrid(registry, metrics, providers...)

	overlay := hub.New(metrics)
	dispatcher := dispatch.New(dispatch.Deps{
		Settings: holder,
		Filter:   filter.New(nil),
		Registry: registry,
		Synth:    hybrid,
		Effects:  audiofx.NewProcessor(),
		Slots:    slotManager,
		Hub:      overlay,
		Metrics:  metrics,
	})
	defer dispatcher.Close()
	overlay.SetAudioEndedHook(dispatcher.ReleaseSlot)

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	if cfg.TwitchNick != "" && cfg.TwitchOAuth != "" && cfg.TwitchChannel != "" {
		twitch := chat.NewTwitchAdapter(chat.TwitchConfig{
			Nick:    cfg.TwitchNick,
			OAuth:   cfg.TwitchOAuth,
			Channel: cfg.TwitchChannel,
			Addr:    cfg.TwitchAddr,
		}, dispatcher.HandleEvent, metrics)
		twitch.SetAuthErrorHook(func(detail string) {
			overlay.Broadcast(event.TwitchAuthError{Type: event.TypeTwitchAuthError, Detail: detail})
		})
		go func() {
			if err := twitch.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("twitch adapter stopped")
			}
		}()
	} else {
		log.Info("twitch adapter disabled (missing credentials)")
	}

	if cfg.YouTubeAPIKey != "" {
		youtube := chat.NewYouTubeAdapter(chat.YouTubeConfig{
			APIKey:  cfg.YouTubeAPIKey,
			VideoID: cfg.YouTubeVideoID,
		}, dispatcher.HandleEvent, metrics)
		go func() {
			if err := youtube.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Error("youtube adapter stopped")
			}
		}()
	} else {
		log.Info("youtube adapter disabled (missing api key)")
	}

	api := httpapi.New(cfg, holder, overlay, dispatcher, registry, hybrid, snapshotSaver(snapshots), metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.WithField("addr", cfg.BindAddr).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
		_ = httpServer.Close()
	}
	log.Info("shutdown complete")
}

// snapshotSaver keeps the httpapi dependency nil when no database is
// configured; a typed nil *SnapshotStore must not masquerade as a
// non-nil interface.
func snapshotSaver(s *store.SnapshotStore) httpapi.SnapshotSaver {
	if s == nil {
		return nil
	}
	return s
}
