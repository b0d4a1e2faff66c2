package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mattiacorvi/overvox/internal/event"
	"github.com/mattiacorvi/overvox/internal/observability"
	"github.com/mattiacorvi/overvox/internal/reliability"
)

const (
	youtubeBaseURL = "https://www.googleapis.com/youtube/v3"

	ytPollFloor    = 15 * time.Second
	ytPollCap      = 30 * time.Second
	ytForbiddenNap = 5 * time.Minute
	ytDedupSize    = 1000

	// Empty polls tolerated before the interval multiplier kicks in.
	ytEmptyGrace = 3
)

type YouTubeConfig struct {
	APIKey  string
	VideoID string
	BaseURL string
}

// YouTubeAdapter polls the Data API v3 live chat endpoint and converts
// new items into unified chat events. Message ids are deduplicated with
// a rolling window because page tokens occasionally replay items.
type YouTubeAdapter struct {
	cfg     YouTubeConfig
	handler func(event.ChatEvent)
	metrics *observability.Metrics
	client  *http.Client
	log     *logrus.Entry

	seen       *dedupRing
	emptyPolls int
}

func NewYouTubeAdapter(cfg YouTubeConfig, handler func(event.ChatEvent), metrics *observability.Metrics) *YouTubeAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = youtubeBaseURL
	}
	return &YouTubeAdapter{
		cfg:     cfg,
		handler: handler,
		metrics: metrics,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     logrus.WithField("component", "chat_youtube"),
		seen:    newDedupRing(ytDedupSize),
	}
}

// Run discovers the live chat id and polls it until ctx ends.
func (a *YouTubeAdapter) Run(ctx context.Context) error {
	chatID, err := a.discoverChatID(ctx)
	if err != nil {
		return err
	}
	a.log.WithField("live_chat_id", chatID).Info("polling live chat")

	pageToken := ""
	for {
		next, apiInterval, err := a.poll(ctx, chatID, pageToken)
		wait := nextPollInterval(apiInterval, a.emptyPolls)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isForbidden(err) {
				a.log.Warn("quota exhausted, backing off")
				wait = ytForbiddenNap
			} else if code, ok := statusCode(err); ok && !reliability.IsRetryableHTTPStatus(code) {
				// The chat is gone (stream ended, chat disabled); polling
				// the same id forever only burns quota.
				return fmt.Errorf("live chat poll: %w", err)
			} else {
				a.log.WithError(err).Warn("live chat poll failed")
			}
		} else {
			pageToken = next
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// discoverChatID resolves the active live chat: from the configured
// video id when present, otherwise from the account's active broadcast.
func (a *YouTubeAdapter) discoverChatID(ctx context.Context) (string, error) {
	if a.cfg.VideoID != "" {
		var out struct {
			Items []struct {
				LiveStreamingDetails struct {
					ActiveLiveChatID string `json:"activeLiveChatId"`
				} `json:"liveStreamingDetails"`
			} `json:"items"`
		}
		q := url.Values{"part": {"liveStreamingDetails"}, "id": {a.cfg.VideoID}}
		if err := a.get(ctx, "/videos", q, &out); err != nil {
			return "", fmt.Errorf("youtube video lookup: %w", err)
		}
		if len(out.Items) == 0 || out.Items[0].LiveStreamingDetails.ActiveLiveChatID == "" {
			return "", fmt.Errorf("video %s has no active live chat", a.cfg.VideoID)
		}
		return out.Items[0].LiveStreamingDetails.ActiveLiveChatID, nil
	}

	var out struct {
		Items []struct {
			Snippet struct {
				LiveChatID string `json:"liveChatId"`
			} `json:"snippet"`
		} `json:"items"`
	}
	q := url.Values{"part": {"snippet"}, "broadcastStatus": {"active"}, "mine": {"true"}}
	if err := a.get(ctx, "/liveBroadcasts", q, &out); err != nil {
		return "", fmt.Errorf("youtube broadcast lookup: %w", err)
	}
	if len(out.Items) == 0 || out.Items[0].Snippet.LiveChatID == "" {
		return "", fmt.Errorf("no active broadcast found")
	}
	return out.Items[0].Snippet.LiveChatID, nil
}

type liveChatItem struct {
	ID      string `json:"id"`
	Snippet struct {
		Type           string `json:"type"`
		DisplayMessage string `json:"displayMessage"`
	} `json:"snippet"`
	AuthorDetails struct {
		DisplayName   string `json:"displayName"`
		IsChatOwner   bool   `json:"isChatOwner"`
		IsChatMod     bool   `json:"isChatModerator"`
		IsChatSponsor bool   `json:"isChatSponsor"`
	} `json:"authorDetails"`
}

// poll fetches one page, dispatches unseen items and returns the next
// page token plus the API-suggested interval.
func (a *YouTubeAdapter) poll(ctx context.Context, chatID, pageToken string) (string, time.Duration, error) {
	var out struct {
		NextPageToken         string         `json:"nextPageToken"`
		PollingIntervalMillis int64          `json:"pollingIntervalMillis"`
		Items                 []liveChatItem `json:"items"`
	}
	q := url.Values{
		"liveChatId": {chatID},
		"part":       {"snippet,authorDetails"},
	}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	if err := a.get(ctx, "/liveChat/messages", q, &out); err != nil {
		return pageToken, 0, err
	}

	fresh := 0
	for _, item := range out.Items {
		if !a.seen.add(item.ID) {
			continue
		}
		fresh++
		ev, ok := youtubeEvent(item)
		if !ok {
			continue
		}
		a.metrics.ChatEvents.WithLabelValues("youtube", string(ev.Kind)).Inc()
		a.handler(ev)
	}
	if fresh == 0 {
		a.emptyPolls++
	} else {
		a.emptyPolls = 0
	}
	return out.NextPageToken, time.Duration(out.PollingIntervalMillis) * time.Millisecond, nil
}

func (a *YouTubeAdapter) get(ctx context.Context, path string, q url.Values, out any) error {
	q.Set("key", a.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusForbidden {
		return errForbidden
	}
	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var errForbidden = fmt.Errorf("youtube forbidden")

func isForbidden(err error) bool { return errors.Is(err, errForbidden) }

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("youtube status %d", e.code) }

func statusCode(err error) (int, bool) {
	var se *statusError
	if errors.As(err, &se) {
		return se.code, true
	}
	return 0, false
}

// youtubeEvent classifies one live chat item.
func youtubeEvent(item liveChatItem) (event.ChatEvent, bool) {
	user := item.AuthorDetails.DisplayName
	text := item.Snippet.DisplayMessage
	if user == "" {
		return event.ChatEvent{}, false
	}

	eventType := event.TypeChat
	switch item.Snippet.Type {
	case "superChatEvent", "superStickerEvent":
		eventType = event.TypeBits
	case "memberMilestoneChatEvent", "newSponsorEvent", "membershipGiftingEvent":
		eventType = event.TypeSub
	case "textMessageEvent":
		if item.AuthorDetails.IsChatOwner || item.AuthorDetails.IsChatMod || item.AuthorDetails.IsChatSponsor {
			eventType = event.TypeVIP
		}
	default:
		return event.ChatEvent{}, false
	}
	if text == "" {
		return event.ChatEvent{}, false
	}
	return event.ChatEvent{
		Kind:      event.KindChat,
		User:      user,
		Text:      text,
		EventType: eventType,
	}, true
}

// nextPollInterval applies the adaptive schedule: the API interval with
// a 15s floor, stretched by up to 3x after a run of empty polls. The 30s
// cap bounds only the stretch; an API interval above it is honored as-is.
func nextPollInterval(apiInterval time.Duration, emptyPolls int) time.Duration {
	base := apiInterval
	if base < ytPollFloor {
		base = ytPollFloor
	}
	if emptyPolls > ytEmptyGrace {
		mult := 1 + 0.5*float64(emptyPolls-ytEmptyGrace)
		if mult > 3 {
			mult = 3
		}
		stretched := time.Duration(float64(base) * mult)
		if stretched > ytPollCap {
			stretched = ytPollCap
		}
		if stretched > base {
			base = stretched
		}
	}
	return base
}

// dedupRing remembers the last n ids, evicting oldest-first.
type dedupRing struct {
	ids   []string
	index map[string]struct{}
	next  int
}

func newDedupRing(n int) *dedupRing {
	return &dedupRing{ids: make([]string, n), index: make(map[string]struct{}, n)}
}

// add returns true when id was not in the window.
func (r *dedupRing) add(id string) bool {
	if _, dup := r.index[id]; dup {
		return false
	}
	if old := r.ids[r.next]; old != "" {
		delete(r.index, old)
	}
	r.ids[r.next] = id
	r.index[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ids)
	return true
}
