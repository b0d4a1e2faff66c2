package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mattiacorvi/overvox/internal/event"
	"github.com/mattiacorvi/overvox/internal/observability"
)

func ytItem(id, typ, user, text string, mod bool) liveChatItem {
	var item liveChatItem
	item.ID = id
	item.Snippet.Type = typ
	item.Snippet.DisplayMessage = text
	item.AuthorDetails.DisplayName = user
	item.AuthorDetails.IsChatMod = mod
	return item
}

func TestYouTubeEventClassification(t *testing.T) {
	cases := []struct {
		name string
		item liveChatItem
		want string
	}{
		{"plain", ytItem("1", "textMessageEvent", "u", "hi", false), event.TypeChat},
		{"mod is vip", ytItem("2", "textMessageEvent", "u", "hi", true), event.TypeVIP},
		{"super chat", ytItem("3", "superChatEvent", "u", "thanks!", false), event.TypeBits},
		{"milestone", ytItem("4", "memberMilestoneChatEvent", "u", "12 months", false), event.TypeSub},
		{"new sponsor", ytItem("5", "newSponsorEvent", "u", "joined", false), event.TypeSub},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok := youtubeEvent(tc.item)
			if !ok {
				t.Fatalf("youtubeEvent() dropped item")
			}
			if ev.EventType != tc.want {
				t.Fatalf("EventType = %q, want %q", ev.EventType, tc.want)
			}
		})
	}
}

func TestYouTubeEventDropsUnspeakable(t *testing.T) {
	if _, ok := youtubeEvent(ytItem("1", "tombstone", "u", "x", false)); ok {
		t.Fatalf("unknown item type not dropped")
	}
	if _, ok := youtubeEvent(ytItem("2", "textMessageEvent", "u", "", false)); ok {
		t.Fatalf("empty message not dropped")
	}
}

func TestNextPollInterval(t *testing.T) {
	cases := []struct {
		api     time.Duration
		empties int
		want    time.Duration
	}{
		{5 * time.Second, 0, 15 * time.Second},  // floor
		{20 * time.Second, 0, 20 * time.Second}, // API value above floor
		{20 * time.Second, 3, 20 * time.Second}, // within grace
		{15 * time.Second, 4, 22500 * time.Millisecond},
		{15 * time.Second, 5, 30 * time.Second},
		{15 * time.Second, 50, 30 * time.Second}, // multiplier capped
		{40 * time.Second, 0, 40 * time.Second},  // API interval above cap honored
		{40 * time.Second, 10, 40 * time.Second}, // stretch never shortens the API interval
		{20 * time.Second, 10, 30 * time.Second}, // stretch bounded by the cap
	}
	for _, tc := range cases {
		if got := nextPollInterval(tc.api, tc.empties); got != tc.want {
			t.Fatalf("nextPollInterval(%v, %d) = %v, want %v", tc.api, tc.empties, got, tc.want)
		}
	}
}

func TestDedupRing(t *testing.T) {
	r := newDedupRing(3)
	for _, id := range []string{"a", "b", "c"} {
		if !r.add(id) {
			t.Fatalf("add(%q) = false on first sight", id)
		}
	}
	if r.add("a") {
		t.Fatalf("add(a) = true, want duplicate")
	}
	// "d" evicts "a"; it becomes fresh again.
	if !r.add("d") {
		t.Fatalf("add(d) = false")
	}
	if !r.add("a") {
		t.Fatalf("add(a) = false after eviction")
	}
}

func TestYouTubePollDispatchesFreshItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/liveChat/messages" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("liveChatId") != "chat-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"nextPageToken":         "tok-2",
			"pollingIntervalMillis": 2000,
			"items": []map[string]any{
				{
					"id":            "m1",
					"snippet":       map[string]any{"type": "textMessageEvent", "displayMessage": "hello"},
					"authorDetails": map[string]any{"displayName": "viewer"},
				},
			},
		})
	}))
	defer srv.Close()

	var got []event.ChatEvent
	a := NewYouTubeAdapter(YouTubeConfig{APIKey: "k", BaseURL: srv.URL},
		func(ev event.ChatEvent) { got = append(got, ev) },
		observability.NewMetrics(fmt.Sprintf("overvox_test_yt_%d", time.Now().UnixNano())))

	next, interval, err := a.poll(context.Background(), "chat-1", "")
	if err != nil {
		t.Fatalf("poll() error = %v", err)
	}
	if next != "tok-2" || interval != 2*time.Second {
		t.Fatalf("poll() = %q, %v", next, interval)
	}
	if len(got) != 1 || got[0].User != "viewer" {
		t.Fatalf("dispatched = %+v, want one event from viewer", got)
	}

	// Replaying the same page produces no duplicate dispatch and counts
	// as an empty poll.
	if _, _, err := a.poll(context.Background(), "chat-1", ""); err != nil {
		t.Fatalf("second poll() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("duplicate item dispatched")
	}
	if a.emptyPolls != 1 {
		t.Fatalf("emptyPolls = %d, want 1", a.emptyPolls)
	}
}

func TestYouTubeDiscoverChatIDFromVideo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/videos" || r.URL.Query().Get("id") != "vid-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"liveStreamingDetails": map[string]any{"activeLiveChatId": "chat-9"}},
			},
		})
	}))
	defer srv.Close()

	a := NewYouTubeAdapter(YouTubeConfig{APIKey: "k", VideoID: "vid-1", BaseURL: srv.URL}, nil,
		observability.NewMetrics(fmt.Sprintf("overvox_test_ytd_%d", time.Now().UnixNano())))
	id, err := a.discoverChatID(context.Background())
	if err != nil {
		t.Fatalf("discoverChatID() error = %v", err)
	}
	if id != "chat-9" {
		t.Fatalf("discoverChatID() = %q, want chat-9", id)
	}
}

func TestYouTubeForbiddenClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	a := NewYouTubeAdapter(YouTubeConfig{APIKey: "k", BaseURL: srv.URL}, nil,
		observability.NewMetrics(fmt.Sprintf("overvox_test_ytf_%d", time.Now().UnixNano())))
	_, _, err := a.poll(context.Background(), "chat-1", "")
	if !isForbidden(err) {
		t.Fatalf("poll() error = %v, want forbidden", err)
	}
}

func TestYouTubeStatusErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := NewYouTubeAdapter(YouTubeConfig{APIKey: "k", BaseURL: srv.URL}, nil,
		observability.NewMetrics(fmt.Sprintf("overvox_test_yts_%d", time.Now().UnixNano())))
	_, _, err := a.poll(context.Background(), "chat-1", "")
	code, ok := statusCode(err)
	if !ok || code != http.StatusNotFound {
		t.Fatalf("statusCode(%v) = %d, %v, want 404", err, code, ok)
	}
	if isForbidden(err) {
		t.Fatalf("404 classified as forbidden")
	}
}
