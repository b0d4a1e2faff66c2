package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mattiacorvi/overvox/internal/config"
	"github.com/mattiacorvi/overvox/internal/dispatch"
	"github.com/mattiacorvi/overvox/internal/event"
	"github.com/mattiacorvi/overvox/internal/hub"
	"github.com/mattiacorvi/overvox/internal/observability"
	"github.com/mattiacorvi/overvox/internal/slots"
	"github.com/mattiacorvi/overvox/internal/tts"
	"github.com/mattiacorvi/overvox/internal/voices"
)

// SnapshotSaver is the optional settings persistence hook (the postgres
// store when a database is configured).
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, settings config.Settings) error
}

type Server struct {
	cfg        config.Config
	settings   *config.SettingsHolder
	hub        *hub.Hub
	dispatcher *dispatch.Dispatcher
	registry   *voices.Registry
	synth      *tts.Hybrid
	snapshots  SnapshotSaver
	metrics    *observability.Metrics
	upgrader   websocket.Upgrader
	log        *logrus.Entry
}

func New(cfg config.Config, settings *config.SettingsHolder, h *hub.Hub, d *dispatch.Dispatcher, registry *voices.Registry, synth *tts.Hybrid, snapshots SnapshotSaver, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:        cfg,
		settings:   settings,
		hub:        h,
		dispatcher: d,
		registry:   registry,
		synth:      synth,
		snapshots:  snapshots,
		metrics:    metrics,
		log:        logrus.WithField("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// The overlay normally runs as a local browser source; only
				// same-origin browser clients are accepted unless opened up
				// explicitly.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/overlay/ws", s.handleOverlayWS)
	r.Handle("/audio/*", http.StripPrefix("/audio/", http.FileServer(http.Dir(s.cfg.AudioDir))))

	r.Get("/v1/voices", s.handleListVoices)
	r.Get("/v1/providers/{tag}/voices", s.handleProviderVoices)
	r.Get("/v1/voices/stats", s.handleVoiceStats)
	r.Get("/v1/rejections", s.handleRejections)

	r.Post("/v1/admin/settings/reload", s.handleSettingsReload)
	r.Post("/v1/admin/avatars/rerandomize", s.handleReRandomize)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"overlay_clients": s.hub.ClientCount(),
		"active_jobs":     s.dispatcher.ActiveJobs(),
	})
}

func (s *Server) handleOverlayWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.Run(conn)
}

func (s *Server) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"voices": s.registry.Enabled()})
}

// handleProviderVoices proxies a provider's voice listing, serving the
// credential-keyed cache unless refresh=true.
func (s *Server) handleProviderVoices(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	provider, ok := s.synth.Provider(tag)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown_provider", "no provider registered for tag "+tag)
		return
	}
	useCache := !strings.EqualFold(r.URL.Query().Get("refresh"), "true")
	list, err := provider.ListVoices(r.Context(), useCache)
	if err != nil {
		respondError(w, http.StatusBadGateway, "provider_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"provider": tag, "voices": list})
}

func (s *Server) handleVoiceStats(w http.ResponseWriter, _ *http.Request) {
	selected, fallback := s.registry.Stats().Snapshot()
	respondJSON(w, http.StatusOK, map[string]any{
		"selected": statsByVoice(selected),
		"fallback": statsByVoice(fallback),
	})
}

func (s *Server) handleRejections(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"rejections": s.dispatcher.RecentRejections()})
}

// handleSettingsReload re-reads the settings file, swaps the runtime
// snapshot, rebuilds voices and slots, and tells overlay clients.
func (s *Server) handleSettingsReload(w http.ResponseWriter, r *http.Request) {
	loaded, err := config.LoadSettings(s.cfg.SettingsPath)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_settings", err.Error())
		return
	}

	s.settings.Set(*loaded)
	s.registry.Replace(loaded.Voices, loaded.SpecialVoices)
	gen := s.dispatcher.RebuildSlots(loaded.AvatarSlots)

	if s.snapshots != nil {
		if err := s.snapshots.SaveSnapshot(r.Context(), *loaded); err != nil {
			s.log.WithError(err).Warn("settings snapshot not persisted")
		}
	}

	s.hub.Broadcast(event.SettingsUpdated{
		Type:     event.TypeSettingsUpdated,
		Settings: settingsSummary(*loaded),
	})
	s.hub.Broadcast(event.AvatarSlotsUpdated{
		Type:         event.TypeAvatarSlotsUpdated,
		Slots:        slotRefs(loaded.AvatarSlots),
		GenerationID: gen,
	})
	s.log.WithField("generation", gen).Info("settings reloaded")
	respondJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "generation": gen})
}

// handleReRandomize rebuilds the current slot table under a new
// generation and asks clients to re-roll their avatar art.
func (s *Server) handleReRandomize(w http.ResponseWriter, _ *http.Request) {
	current := s.settings.Get()
	gen := s.dispatcher.RebuildSlots(current.AvatarSlots)

	s.hub.Broadcast(event.ReRandomizeAvatars{
		Type:    event.TypeReRandomizeAvatars,
		Message: "avatars re-randomized",
	})
	s.hub.Broadcast(event.AvatarSlotsUpdated{
		Type:         event.TypeAvatarSlotsUpdated,
		Slots:        slotRefs(current.AvatarSlots),
		GenerationID: gen,
	})
	respondJSON(w, http.StatusOK, map[string]any{"status": "rerandomized", "generation": gen})
}

// settingsSummary is the client-facing subset of the settings snapshot.
func settingsSummary(s config.Settings) map[string]any {
	return map[string]any{
		"ttsEnabled":            s.TTSEnabled,
		"audioFormat":           s.AudioFormat,
		"parallelMessageLimit":  s.ParallelMessageLimit,
		"queueOverflowMessages": s.QueueOverflowMessages,
		"ignoreIfUserSpeaking":  s.IgnoreIfUserSpeaking,
		"voices":                len(s.Voices),
		"avatarSlots":           len(s.AvatarSlots),
	}
}

func slotRefs(table []slots.Slot) []event.SlotRef {
	out := make([]event.SlotRef, 0, len(table))
	for _, sl := range table {
		out = append(out, event.SlotRef{ID: sl.ID, X: sl.X, Y: sl.Y, Size: sl.Size})
	}
	return out
}

func statsByVoice(in map[voices.StatKey]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, n := range in {
		out[k.Provider+"/"+k.Voice] = n
	}
	return out
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
