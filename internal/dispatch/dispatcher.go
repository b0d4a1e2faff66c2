package dispatch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mattiacorvi/overvox/internal/audiofx"
	"github.com/mattiacorvi/overvox/internal/config"
	"github.com/mattiacorvi/overvox/internal/event"
	"github.com/mattiacorvi/overvox/internal/filter"
	"github.com/mattiacorvi/overvox/internal/observability"
	"github.com/mattiacorvi/overvox/internal/slots"
	"github.com/mattiacorvi/overvox/internal/tts"
	"github.com/mattiacorvi/overvox/internal/voices"
)

// provisionalHold keeps a slot reserved while its synth task runs; the
// timer is rearmed with the real playback duration once audio exists.
const provisionalHold = 60 * time.Second

const rejectionHistorySize = 100

// Synthesizer is the hybrid TTS entry point.
type Synthesizer interface {
	Synthesize(ctx context.Context, job tts.Job) (tts.Result, error)
}

// AudioProcessor applies the optional filter chain and probes duration.
type AudioProcessor interface {
	Process(ctx context.Context, path string, cfg config.AudioFilters) (string, *float64)
}

// Broadcaster pushes overlay messages to every connected client.
type Broadcaster interface {
	Broadcast(msg any)
}

// jobHandle tracks one admitted message from admission to slot release.
type jobHandle struct {
	id     string
	user   string
	slotID string
	cancel context.CancelFunc
}

// Rejection is one filtered-out message kept for UI-side replay.
type Rejection struct {
	User   string    `json:"user"`
	Text   string    `json:"text"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Deps wires the dispatcher's collaborators.
type Deps struct {
	Settings *config.SettingsHolder
	Filter   *filter.Filter
	Registry *voices.Registry
	Synth    Synthesizer
	Effects  AudioProcessor
	Slots    *slots.Manager
	Hub      Broadcaster
	Metrics  *observability.Metrics
}

// Dispatcher is the single entry point for chat events: filtering,
// admission under the parallel cap, voice pick, slot reservation, the
// detached synth task and the play broadcast all hang off HandleEvent.
// Admission state and both queues share one mutex.
type Dispatcher struct {
	settings *config.SettingsHolder
	filter   *filter.Filter
	registry *voices.Registry
	synth    Synthesizer
	fx       AudioProcessor
	slots    *slots.Manager
	hub      Broadcaster
	metrics  *observability.Metrics
	log      *logrus.Entry

	mu            sync.Mutex
	active        int
	perUser       map[string][]*jobHandle
	parallelQueue *ttlQueue
	slotQueue     *ttlQueue
	rejections    []Rejection

	now     func() time.Time
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func New(deps Deps) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		settings:      deps.Settings,
		filter:        deps.Filter,
		registry:      deps.Registry,
		synth:         deps.Synth,
		fx:            deps.Effects,
		slots:         deps.Slots,
		hub:           deps.Hub,
		metrics:       deps.Metrics,
		log:           logrus.WithField("component", "dispatch"),
		perUser:       make(map[string][]*jobHandle),
		parallelQueue: newTTLQueue(parallelQueueTTL),
		slotQueue:     newTTLQueue(slotQueueTTL),
		now:           time.Now,
		baseCtx:       ctx,
		stop:          cancel,
	}
	deps.Slots.SetReleaseHook(d.onSlotRelease)
	return d
}

// Close cancels every detached task and waits for them to unwind.
func (d *Dispatcher) Close() {
	d.stop()
	d.wg.Wait()
}

// ActiveJobs reports the number of admitted jobs (synthesizing, queued
// for a slot, or playing).
func (d *Dispatcher) ActiveJobs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// RecentRejections returns the newest filtered-out messages, most
// recent last.
func (d *Dispatcher) RecentRejections() []Rejection {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Rejection, len(d.rejections))
	copy(out, d.rejections)
	return out
}

// HandleEvent consumes one unified chat-source event.
func (d *Dispatcher) HandleEvent(ev event.ChatEvent) {
	if ev.Kind == event.KindModeration {
		d.handleModeration(ev)
		return
	}

	s := d.settings.Get()
	if !s.TTSEnabled {
		d.outcome("tts_disabled")
		return
	}

	res := d.filter.Apply(s.MessageFiltering, ev.User, ev.Text, ev.Tags)
	if !res.Accept {
		d.recordRejection(ev.User, ev.Text, string(res.Reason))
		d.outcome("rejected_" + string(res.Reason))
		return
	}
	d.filter.Window().Add(ev.User)
	ev.Text = res.Text

	d.mu.Lock()
	d.admitLocked(ev, s)
}

// admitLocked runs admission (steps: speaking check, parallel cap,
// voice pick, slot reserve, task start). Always releases d.mu.
func (d *Dispatcher) admitLocked(ev event.ChatEvent, s config.Settings) {
	user := strings.ToLower(ev.User)

	if s.IgnoreIfUserSpeaking && len(d.perUser[user]) > 0 {
		d.mu.Unlock()
		d.outcome("user_speaking")
		return
	}
	if s.ParallelMessageLimit > 0 && d.active >= s.ParallelMessageLimit {
		if s.QueueOverflowMessages {
			d.parallelQueue.push(queuedEntry{ev: ev, enqueued: d.now()})
			d.metrics.QueueDepth.WithLabelValues("parallel").Set(float64(d.parallelQueue.len()))
			d.mu.Unlock()
			d.outcome("queued_parallel")
			return
		}
		d.mu.Unlock()
		d.outcome("dropped_parallel_cap")
		return
	}

	voice, err := d.registry.Pick(ev.EventType)
	if err != nil {
		d.mu.Unlock()
		d.log.WithError(err).Warn("no voice available")
		d.outcome("no_voices")
		return
	}

	ctx, cancel := context.WithCancel(d.baseCtx)
	h := &jobHandle{id: uuid.NewString(), user: user, cancel: cancel}
	d.addHandleLocked(h)

	slot, ok := d.slots.ReserveFor(voice.ID, user, "", provisionalHold)
	if !ok {
		// Admission is kept: the entry holds its place under the parallel
		// cap while it waits for a slot.
		d.slotQueue.push(queuedEntry{ev: ev, voice: voice, handle: h, enqueued: d.now()})
		d.metrics.QueueDepth.WithLabelValues("slot").Set(float64(d.slotQueue.len()))
		d.mu.Unlock()
		d.outcome("queued_slot")
		return
	}
	h.slotID = slot.ID
	d.mu.Unlock()

	d.startJob(ctx, h, ev, voice, slot, s)
}

func (d *Dispatcher) startJob(ctx context.Context, h *jobHandle, ev event.ChatEvent, voice voices.Voice, slot slots.Slot, s config.Settings) {
	d.wg.Add(1)
	go d.runJob(ctx, h, ev, voice, slot, s)
}

// runJob is the detached per-message task: synth, optional filter pass,
// rearm the slot timer, broadcast play.
func (d *Dispatcher) runJob(ctx context.Context, h *jobHandle, ev event.ChatEvent, voice voices.Voice, slot slots.Slot, s config.Settings) {
	defer d.wg.Done()

	start := d.now()
	res, err := d.synth.Synthesize(ctx, tts.Job{
		ID:     h.id,
		User:   ev.User,
		Text:   ev.Text,
		Voice:  voice,
		Format: s.AudioFormat,
	})
	if err != nil {
		d.log.WithError(err).WithField("user", ev.User).Warn("synth failed")
		d.outcome("synth_failed")
		d.failJob(h)
		return
	}
	d.metrics.ObserveSynthLatency(d.now().Sub(start))

	path, probed := d.fx.Process(ctx, res.Path, s.AudioFilters)
	playDur := audiofx.DurationOrDefault(probed)
	audioURL := "/audio/" + filepath.Base(path)

	// Moderation may have scrubbed this job while it was synthesizing;
	// the slot is gone in that case and the result is discarded.
	d.mu.Lock()
	alive := d.hasHandleLocked(h)
	d.mu.Unlock()
	if !alive || !d.slots.Rearm(slot.ID, audioURL, playDur) {
		d.outcome("discarded_stale")
		return
	}

	d.hub.Broadcast(event.Play{
		Type:      event.TypePlay,
		User:      ev.User,
		Message:   ev.Text,
		EventType: ev.EventType,
		Voice: event.VoiceRef{
			ID:       res.Voice.ID,
			Name:     res.Voice.DisplayName,
			Provider: res.Voice.ProviderTag,
		},
		AudioURL:     audioURL,
		TargetSlot:   slotRef(slot),
		AvatarData:   map[string]any{"refs": voice.AvatarRefs},
		GenerationID: d.slots.Generation(),
	})
	d.outcome("played")
}

// failJob rolls a job back after a synth failure. The slot release hook
// removes the handle and drains; when the slot is already gone the
// handle is dropped directly.
func (d *Dispatcher) failJob(h *jobHandle) {
	if h.slotID != "" && d.slots.Release(h.slotID) {
		return
	}
	d.mu.Lock()
	removed := d.removeHandleLocked(h)
	d.mu.Unlock()
	if removed {
		d.drainQueues()
	}
}

// onSlotRelease is installed as the slot manager's release hook: it
// retires the job holding slotID (unless a moderation scrub retired it
// first) and runs the queue drains.
func (d *Dispatcher) onSlotRelease(slotID string) {
	d.mu.Lock()
	var released *jobHandle
	for _, handles := range d.perUser {
		for _, h := range handles {
			if h.slotID == slotID {
				released = h
				break
			}
		}
	}
	if released != nil {
		d.removeHandleLocked(released)
	}
	d.mu.Unlock()

	if released != nil {
		released.cancel()
	}
	d.drainQueues()
}

// ReleaseSlot handles the overlay's audio_ended hint: an early release
// of the named slot.
func (d *Dispatcher) ReleaseSlot(slotID string) {
	d.slots.Release(slotID)
}

// handleModeration scrubs every trace of the target user: queued
// entries, in-flight tasks, reserved slots, and tells clients to stop
// local playback.
func (d *Dispatcher) handleModeration(ev event.ChatEvent) {
	target := strings.TrimSpace(ev.TargetUser)
	if target == "" {
		return
	}
	key := strings.ToLower(target)

	d.mu.Lock()
	d.parallelQueue.removeUser(key)
	for _, e := range d.slotQueue.removeUser(key) {
		if e.handle != nil {
			e.handle.cancel()
			d.removeHandleLocked(e.handle)
		}
	}
	d.metrics.QueueDepth.WithLabelValues("parallel").Set(float64(d.parallelQueue.len()))
	d.metrics.QueueDepth.WithLabelValues("slot").Set(float64(d.slotQueue.len()))
	// In-flight handles are retired before any slot is released, so a
	// synth task finishing mid-scrub fails the liveness check instead of
	// broadcasting for the banned user.
	inflight := append([]*jobHandle(nil), d.perUser[key]...)
	for _, h := range inflight {
		d.removeHandleLocked(h)
	}
	d.mu.Unlock()

	for _, h := range inflight {
		h.cancel()
	}
	d.slots.ReleaseByUser(key)
	d.filter.Window().Forget(key)

	d.hub.Broadcast(event.Stop{Type: event.TypeStop, User: target})
	d.outcome("moderated")
	d.log.WithField("user", target).Info("moderation scrub")
}

// RebuildSlots swaps the slot table. Every live reservation is dropped
// by the manager, so playing jobs are rolled back here; the bumped
// generation id makes clients discard any play event already in flight.
func (d *Dispatcher) RebuildSlots(table []slots.Slot) int64 {
	gen := d.slots.Rebuild(table)

	d.mu.Lock()
	var orphaned []*jobHandle
	for _, handles := range d.perUser {
		for _, h := range handles {
			if h.slotID != "" {
				orphaned = append(orphaned, h)
			}
		}
	}
	for _, h := range orphaned {
		h.cancel()
		d.removeHandleLocked(h)
	}
	d.mu.Unlock()

	d.drainQueues()
	return gen
}

// drainQueues runs both drain triggers: slot-queue entries whose voice
// can now get a slot, then parallel-queue entries while the cap allows.
// Expired entries are dropped along the way.
func (d *Dispatcher) drainQueues() {
	s := d.settings.Get()
	d.drainSlotQueue(s)
	d.drainParallelQueue(s)
}

func (d *Dispatcher) drainSlotQueue(s config.Settings) {
	for {
		d.mu.Lock()
		e, ok, expired := d.slotQueue.pop(d.now())
		if !ok {
			d.mu.Unlock()
			return
		}
		if expired {
			if e.handle != nil {
				e.handle.cancel()
				d.removeHandleLocked(e.handle)
			}
			d.metrics.QueueDepth.WithLabelValues("slot").Set(float64(d.slotQueue.len()))
			d.mu.Unlock()
			d.outcome("expired_slot_queue")
			continue
		}

		slot, got := d.slots.ReserveFor(e.voice.ID, e.handle.user, "", provisionalHold)
		if !got {
			d.slotQueue.pushFront(e)
			d.mu.Unlock()
			return
		}
		e.handle.slotID = slot.ID
		d.metrics.QueueDepth.WithLabelValues("slot").Set(float64(d.slotQueue.len()))
		d.mu.Unlock()

		ctx, cancel := context.WithCancel(d.baseCtx)
		e.handle.cancel = cancel
		d.startJob(ctx, e.handle, e.ev, e.voice, slot, s)
	}
}

func (d *Dispatcher) drainParallelQueue(s config.Settings) {
	for {
		d.mu.Lock()
		if s.ParallelMessageLimit > 0 && d.active >= s.ParallelMessageLimit {
			d.mu.Unlock()
			return
		}
		e, ok, expired := d.parallelQueue.pop(d.now())
		d.metrics.QueueDepth.WithLabelValues("parallel").Set(float64(d.parallelQueue.len()))
		if !ok {
			d.mu.Unlock()
			return
		}
		if expired {
			d.mu.Unlock()
			d.outcome("expired_parallel_queue")
			continue
		}
		// Re-enter orchestration at the voice-pick step; admitLocked
		// releases the mutex.
		d.admitLocked(e.ev, s)
	}
}

func (d *Dispatcher) addHandleLocked(h *jobHandle) {
	d.perUser[h.user] = append(d.perUser[h.user], h)
	d.active++
	d.metrics.ActiveJobs.Set(float64(d.active))
}

func (d *Dispatcher) removeHandleLocked(h *jobHandle) bool {
	handles := d.perUser[h.user]
	for i, cur := range handles {
		if cur == h {
			handles = append(handles[:i], handles[i+1:]...)
			if len(handles) == 0 {
				delete(d.perUser, h.user)
			} else {
				d.perUser[h.user] = handles
			}
			d.active--
			d.metrics.ActiveJobs.Set(float64(d.active))
			return true
		}
	}
	return false
}

func (d *Dispatcher) hasHandleLocked(h *jobHandle) bool {
	for _, cur := range d.perUser[h.user] {
		if cur == h {
			return true
		}
	}
	return false
}

func (d *Dispatcher) recordRejection(user, text, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejections = append(d.rejections, Rejection{User: user, Text: text, Reason: reason, At: d.now()})
	if len(d.rejections) > rejectionHistorySize {
		d.rejections = d.rejections[len(d.rejections)-rejectionHistorySize:]
	}
}

func (d *Dispatcher) outcome(name string) {
	d.metrics.DispatchOutcomes.WithLabelValues(name).Inc()
}

func slotRef(s slots.Slot) event.SlotRef {
	return event.SlotRef{ID: s.ID, X: s.X, Y: s.Y, Size: s.Size}
}
